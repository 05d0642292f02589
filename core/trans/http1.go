package trans

import (
	"bufio"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/yinglunfeng/esa-httpclient/config"
	"github.com/yinglunfeng/esa-httpclient/core"
)

// Http1Handler decodes inbound http/1.x responses and routes them through
// the channel's registry. There is at most one in-flight exchange.
type Http1Handler struct {
	ch       *Channel
	registry *HandleRegistry
	opts     *config.Http1Options
	logger   *slog.Logger
}

func installHTTP1(ch *Channel, opts *config.Http1Options, logger *slog.Logger) *Http1Handler {
	h := &Http1Handler{
		ch:       ch,
		registry: NewHandleRegistry(false, 0),
		opts:     opts,
		logger:   logger,
	}
	ch.pipeline.h1 = h
	go h.readLoop()
	return h
}

func (h *Http1Handler) Registry() *HandleRegistry { return h.registry }

func (h *Http1Handler) readLoop() {
	br := bufio.NewReader(h.ch.Conn())

	for {
		version, status, reason, err := h.readStatusLine(br)
		if err != nil {
			h.ch.Close(errors.Wrap(err, "reading response status line"))
			return
		}

		headers, err := h.readHeaderBlock(br)
		if err != nil {
			h.ch.Close(errors.Wrap(err, "reading response headers"))
			return
		}

		if status == 100 {
			// The server is ready for the withheld body.
			h.ch.RunInLoop(func() {
				handle := h.registry.Get(http1RequestID)
				if handle == nil {
					return
				}
				if cb, ok := handle.ctx.ExpectContinueCallback(); ok {
					cb()
				}
			})
			continue
		}
		if status >= 100 && status < 200 {
			// Other interim responses carry no body and are dropped.
			continue
		}

		h.dispatchHead(version, status, reason, headers)

		toEOF, err := h.readBody(br, headers)
		if err != nil {
			h.ch.Close(errors.Wrap(err, "reading response body"))
			return
		}

		h.dispatchEnd()

		if toEOF || !reusable(version, headers) {
			// Teardown goes through the worker so it runs after the
			// queued end dispatch.
			h.ch.RunInLoop(func() { h.ch.Close(nil) })
			return
		}
	}
}

func (h *Http1Handler) dispatchHead(version core.Version, status int, reason string, headers *core.Headers) {
	h.ch.RunInLoop(func() {
		if handle := h.registry.Get(http1RequestID); handle != nil {
			handle.OnMessageHead(version, status, reason, headers)
		}
	})
}

func (h *Http1Handler) dispatchData(p []byte) {
	h.ch.RunInLoop(func() {
		if handle := h.registry.Get(http1RequestID); handle != nil {
			handle.OnData(p)
		}
	})
}

func (h *Http1Handler) dispatchEnd() {
	h.ch.RunInLoop(func() {
		if handle := h.registry.Remove(http1RequestID); handle != nil {
			handle.OnEnd()
		}
	})
}

func (h *Http1Handler) readStatusLine(br *bufio.Reader) (core.Version, int, string, error) {
	line, err := h.readLine(br, h.opts.MaxInitialLineLength)
	if err != nil {
		return core.Version{}, 0, "", err
	}

	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return core.Version{}, 0, "", errors.Errorf("malformed status line: %q", line)
	}
	codeRaw, reason, _ := strings.Cut(rest, " ")

	var version core.Version
	switch proto {
	case "HTTP/1.0":
		version = core.HTTP10
	case "HTTP/1.1":
		version = core.HTTP11
	default:
		return core.Version{}, 0, "", errors.Errorf("unsupported protocol: %q", proto)
	}

	status, err := strconv.Atoi(codeRaw)
	if err != nil || status < 100 || status > 999 {
		return core.Version{}, 0, "", errors.Errorf("malformed status code: %q", codeRaw)
	}

	return version, status, reason, nil
}

func (h *Http1Handler) readHeaderBlock(br *bufio.Reader) (*core.Headers, error) {
	headers := core.NewHeaders()
	total := 0

	for {
		line, err := h.readLine(br, h.opts.MaxHeaderSize-total)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		total += len(line)

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Errorf("malformed header field: %q", line)
		}
		headers.Add(name, strings.TrimSpace(value))
	}
}

// readBody streams the body to the handle. toEOF reports that the body was
// delimited by connection close, so the connection cannot be reused.
func (h *Http1Handler) readBody(br *bufio.Reader, headers *core.Headers) (toEOF bool, err error) {
	if headers.ContainsValue("Transfer-Encoding", "chunked") {
		return false, h.readChunkedBody(br)
	}

	if v, ok := headers.Get("Content-Length"); ok {
		length, err := strconv.ParseInt(v, 10, 64)
		if err != nil || length < 0 {
			return false, errors.Errorf("malformed content length: %q", v)
		}
		return false, h.readFixedBody(br, length)
	}

	// Neither framing header: the body runs until the server closes.
	for {
		seg := make([]byte, chunkSegmentSize)
		n, err := br.Read(seg)
		if n > 0 {
			h.dispatchData(seg[:n])
		}
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return true, err
		}
	}
}

func (h *Http1Handler) readFixedBody(br *bufio.Reader, length int64) error {
	for length > 0 {
		segLen := int64(chunkSegmentSize)
		if length < segLen {
			segLen = length
		}
		seg := make([]byte, segLen)
		if _, err := io.ReadFull(br, seg); err != nil {
			return err
		}
		h.dispatchData(seg)
		length -= segLen
	}
	return nil
}

func (h *Http1Handler) readChunkedBody(br *bufio.Reader) error {
	for {
		line, err := h.readLine(br, h.opts.MaxInitialLineLength)
		if err != nil {
			return err
		}

		sizeRaw, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseUint(strings.TrimSpace(sizeRaw), 16, 32)
		if err != nil {
			return errors.Errorf("malformed chunk size: %q", sizeRaw)
		}

		if size == 0 {
			// Trailer section ends with an empty line.
			for {
				trailer, err := h.readLine(br, h.opts.MaxHeaderSize)
				if err != nil {
					return err
				}
				if trailer == "" {
					return nil
				}
			}
		}

		remaining := int64(size)
		for remaining > 0 {
			segLen := int64(chunkSegmentSize)
			if remaining < segLen {
				segLen = remaining
			}
			seg := make([]byte, segLen)
			if _, err := io.ReadFull(br, seg); err != nil {
				return err
			}
			h.dispatchData(seg)
			remaining -= segLen
		}

		// The chunk data is terminated by a bare CRLF.
		if crlf, err := h.readLine(br, 2); err != nil {
			return err
		} else if crlf != "" {
			return errors.New("chunk data not terminated by CRLF")
		}
	}
}

func (h *Http1Handler) readLine(br *bufio.Reader, limit int) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	if limit > 0 && len(line) > limit+2 {
		return "", errors.Errorf("line exceeds limit of %d bytes", limit)
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

func reusable(version core.Version, headers *core.Headers) bool {
	if headers.ContainsValue("Connection", "close") {
		return false
	}
	if version == core.HTTP10 {
		return headers.ContainsValue("Connection", "keep-alive")
	}
	return true
}
