package trans

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"github.com/yinglunfeng/esa-httpclient/config"
	"github.com/yinglunfeng/esa-httpclient/core"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// connWindowBump is granted to the server over the 64 KiB default so
// inbound bodies are not throttled by connection-level flow control.
const connWindowBump = 1<<30 - 65535

// Http2Handler multiplexes request/response exchanges over one connection.
// Frame writes run on the channel worker; the read loop has its own
// goroutine and hops to the worker before touching the registry, so a
// stream's Put happens-before its first inbound frame dispatch.
type Http2Handler struct {
	ch       *Channel
	registry *HandleRegistry
	opts     *config.Http2Options
	logger   *slog.Logger

	// Owned by the channel worker.
	bw     *bufio.Writer
	framer *http2.Framer
	henc   *hpack.Encoder
	hbuf   bytes.Buffer
}

func installHTTP2(ch *Channel, opts *config.Http2Options, logger *slog.Logger) *Http2Handler {
	h := &Http2Handler{
		ch:       ch,
		registry: NewHandleRegistry(true, 3),
		opts:     opts,
		logger:   logger,
	}
	h.bw = bufio.NewWriter(connWriter{ch})
	h.framer = http2.NewFramer(h.bw, bufio.NewReader(ch.Conn()))
	h.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	h.henc = hpack.NewEncoder(&h.hbuf)

	ch.pipeline.h2 = h

	ch.RunInLoop(func() {
		if _, err := io.WriteString(h.bw, http2.ClientPreface); err != nil {
			ch.Close(errors.Wrap(err, "writing http/2 preface"))
			return
		}
		err := h.framer.WriteSettings(
			http2.Setting{ID: http2.SettingInitialWindowSize, Val: opts.InitialWindowSize},
			http2.Setting{ID: http2.SettingMaxFrameSize, Val: opts.MaxFrameSize},
			http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: opts.MaxHeaderListSize},
		)
		if err == nil {
			err = h.framer.WriteWindowUpdate(0, connWindowBump)
		}
		if err == nil {
			err = h.bw.Flush()
		}
		if err != nil {
			ch.Close(errors.Wrap(err, "writing http/2 settings"))
		}
	})

	go h.readLoop()
	return h
}

// connWriter adapts the channel for the framer. Only used on the worker.
type connWriter struct{ ch *Channel }

func (w connWriter) Write(p []byte) (int, error) { return w.ch.write0(p) }

func (h *Http2Handler) Registry() *HandleRegistry { return h.registry }

// writeHeadersInLoop encodes fields and emits one HEADERS frame.
// Must run on the channel worker.
func (h *Http2Handler) writeHeadersInLoop(streamID uint32, fields []core.Field, endStream bool) error {
	h.hbuf.Reset()
	for _, f := range fields {
		if err := h.henc.WriteField(hpack.HeaderField{
			Name:  strings.ToLower(f.Name),
			Value: f.Value,
		}); err != nil {
			return errors.Wrap(err, "encoding header field")
		}
	}

	err := h.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: h.hbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	})
	if err != nil {
		return errors.Wrap(err, "writing HEADERS frame")
	}
	return errors.Wrap(h.bw.Flush(), "flushing HEADERS frame")
}

// writeDataInLoop emits one DATA frame. Must run on the channel worker.
func (h *Http2Handler) writeDataInLoop(streamID uint32, p []byte, endStream bool) error {
	if err := h.framer.WriteData(streamID, endStream, p); err != nil {
		return errors.Wrap(err, "writing DATA frame")
	}
	return errors.Wrap(h.bw.Flush(), "flushing DATA frame")
}

func (h *Http2Handler) writeRSTInLoop(streamID uint32, code http2.ErrCode) {
	if err := h.framer.WriteRSTStream(streamID, code); err == nil {
		_ = h.bw.Flush()
	}
}

func (h *Http2Handler) readLoop() {
	for {
		frame, err := h.framer.ReadFrame()
		if err != nil {
			h.ch.Close(errors.Wrap(err, "reading http/2 frame"))
			return
		}

		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if !f.IsAck() {
				h.ch.RunInLoop(func() {
					if err := h.framer.WriteSettingsAck(); err == nil {
						_ = h.bw.Flush()
					}
				})
			}

		case *http2.PingFrame:
			if !f.IsAck() {
				data := f.Data
				h.ch.RunInLoop(func() {
					if err := h.framer.WritePing(true, data); err == nil {
						_ = h.bw.Flush()
					}
				})
			}

		case *http2.MetaHeadersFrame:
			h.onHeaders(f)

		case *http2.DataFrame:
			h.onData(f)

		case *http2.RSTStreamFrame:
			id := int(f.StreamID)
			code := f.ErrCode
			h.ch.RunInLoop(func() {
				if handle := h.registry.Remove(id); handle != nil {
					handle.OnErrorCause(errors.Errorf("stream %d reset by server: %v", id, code))
				}
			})

		case *http2.GoAwayFrame:
			h.ch.Close(errors.Errorf("connection going away: %v", f.ErrCode))
			return
		}
	}
}

func (h *Http2Handler) onHeaders(f *http2.MetaHeadersFrame) {
	id := int(f.StreamID)
	status := parseStatus(f.PseudoValue("status"))
	ended := f.StreamEnded()

	headers := core.NewHeaders()
	for _, hf := range f.Fields {
		if !strings.HasPrefix(hf.Name, ":") {
			headers.Add(hf.Name, hf.Value)
		}
	}

	if status == 100 {
		h.ch.RunInLoop(func() {
			handle := h.registry.Get(id)
			if handle == nil {
				return
			}
			if cb, ok := handle.ctx.ExpectContinueCallback(); ok {
				cb()
			}
		})
		return
	}
	if status >= 100 && status < 200 {
		return
	}

	h.ch.RunInLoop(func() {
		handle := h.registry.Get(id)
		if handle == nil {
			return
		}
		handle.OnMessageHead(core.HTTP2, status, "", headers)
		if ended {
			h.registry.Remove(id)
			handle.OnEnd()
		}
	})
}

func (h *Http2Handler) onData(f *http2.DataFrame) {
	id := f.StreamID
	ended := f.StreamEnded()
	data := append([]byte(nil), f.Data()...)

	h.ch.RunInLoop(func() {
		if n := len(data); n > 0 {
			// Naive flow control: hand the window straight back.
			if err := h.framer.WriteWindowUpdate(0, uint32(n)); err == nil {
				err = h.framer.WriteWindowUpdate(id, uint32(n))
				if err == nil {
					_ = h.bw.Flush()
				}
			}
		}

		handle := h.registry.Get(int(id))
		if handle == nil {
			return
		}
		if len(data) > 0 {
			handle.OnData(data)
		}
		if ended {
			h.registry.Remove(int(id))
			handle.OnEnd()
		}
	})
}

func parseStatus(s string) int {
	status := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		status = status*10 + int(c-'0')
	}
	return status
}
