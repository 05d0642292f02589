package trans

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/yinglunfeng/esa-httpclient/core"
)

// RequestWriter serialises one request variant onto a channel. The returned
// future resolves when the last byte reached the transport's outbound
// buffer; for chunk-stream requests that is the header flush, the body
// keeps flowing through the chunk writer handle.
type RequestWriter interface {
	WriteAndFlush(req *core.Request, ch *Channel, ctx *core.Context,
		uriEncode bool, version core.Version, http2 bool) *core.Future[struct{}]
}

var (
	plainWriterInstance     = &plainWriter{}
	chunkWriterInstance     = &chunkRequestWriter{}
	fileWriterInstance      = &fileWriter{}
	multipartWriterInstance = &multipartWriter{}
)

// WriterByType picks the writer for a request type.
func WriterByType(t core.RequestType) RequestWriter {
	switch t {
	case core.TypeChunk:
		return chunkWriterInstance
	case core.TypeFile:
		return fileWriterInstance
	case core.TypeMultipart:
		return multipartWriterInstance
	default:
		return plainWriterInstance
	}
}

// requestTarget renders the request line target. With uriEncode enabled the
// path goes out escaped, otherwise the decoded path goes out unescaped. The
// raw query is appended as given in both cases.
func requestTarget(u *url.URL, uriEncode bool) string {
	if uriEncode {
		target := u.RequestURI()
		if target == "" {
			return "/"
		}
		return target
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

// hostValue renders the Host header (http/1) or :authority (http/2),
// omitting the scheme's default port.
func hostValue(req *core.Request) string {
	endpoint := req.Endpoint()
	if endpoint.Port == endpoint.Scheme.DefaultPort() {
		return endpoint.Host
	}
	return endpoint.Host + ":" + strconv.Itoa(endpoint.Port)
}

// buildH1Head renders the request line and header block.
func buildH1Head(req *core.Request, version core.Version, uriEncode bool) []byte {
	buf := bytes.NewBuffer(nil)

	buf.WriteString(req.Method())
	buf.WriteByte(' ')
	buf.WriteString(requestTarget(req.URI(), uriEncode))
	buf.WriteByte(' ')
	buf.Write(version.Text())
	buf.WriteString("\r\n")

	if !req.Headers().Contains("Host") {
		buf.WriteString("Host: ")
		buf.WriteString(hostValue(req))
		buf.WriteString("\r\n")
	}

	for _, f := range req.Headers().Fields() {
		if isPseudoHeader(f.Name) || strings.EqualFold(f.Name, StreamIDExtHeader) {
			continue
		}
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")

	return buf.Bytes()
}

// h2Fields builds the pseudo headers followed by the regular ones.
// Connection-specific and bookkeeping headers never reach the wire.
func h2Fields(req *core.Request, uriEncode bool) []core.Field {
	scheme := string(req.Scheme())

	fields := []core.Field{
		{Name: ":method", Value: req.Method()},
		{Name: ":scheme", Value: scheme},
		{Name: ":path", Value: requestTarget(req.URI(), uriEncode)},
		{Name: ":authority", Value: hostValue(req)},
	}

	for _, f := range req.Headers().Fields() {
		switch {
		case isPseudoHeader(f.Name):
		case strings.EqualFold(f.Name, "Host"):
		case strings.EqualFold(f.Name, "Connection"):
		case strings.EqualFold(f.Name, StreamIDExtHeader):
		default:
			fields = append(fields, f)
		}
	}
	return fields
}

// streamIDOf reads back the registry-assigned stream id slot.
func streamIDOf(req *core.Request) uint32 {
	v, ok := req.Headers().Get(StreamIDExtHeader)
	if !ok {
		return 0
	}
	id, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(id)
}

// bodySink frames body segments for the negotiated wire form. Every method
// must run on the channel worker.
type bodySink struct {
	ch       *Channel
	http2    bool
	streamID uint32
	chunked  bool // http/1 chunked transfer coding
}

func (s *bodySink) writeSegment(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if s.http2 {
		return s.ch.pipeline.h2.writeDataInLoop(s.streamID, p, false)
	}
	if s.chunked {
		buf := bytes.NewBuffer(nil)
		buf.WriteString(strconv.FormatInt(int64(len(p)), 16))
		buf.WriteString("\r\n")
		buf.Write(p)
		buf.WriteString("\r\n")
		_, err := s.ch.write0(buf.Bytes())
		return err
	}
	_, err := s.ch.write0(p)
	return err
}

// end terminates the body: an empty END_STREAM data frame on http/2, the
// last chunk on chunked http/1, nothing otherwise.
func (s *bodySink) end() error {
	if s.http2 {
		return s.ch.pipeline.h2.writeDataInLoop(s.streamID, nil, true)
	}
	if s.chunked {
		_, err := s.ch.write0([]byte("0\r\n\r\n"))
		return err
	}
	return nil
}

// randomBoundary mints a multipart boundary the way mime/multipart does.
func randomBoundary() string {
	var raw [15]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(raw[:])
}

func failWrite(f *core.Future[struct{}], err error, msg string) {
	f.Fail(errors.Wrap(err, msg))
}
