package core

import (
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// RequestType selects which request writer serialises the request.
type RequestType uint8

const (
	TypePlain RequestType = iota
	TypeChunk
	TypeFile
	TypeMultipart
)

func (t RequestType) String() string {
	switch t {
	case TypePlain:
		return "plain"
	case TypeChunk:
		return "chunk"
	case TypeFile:
		return "file"
	case TypeMultipart:
		return "multipart"
	}
	return "unknown"
}

// Attr is a single name-value form attribute.
type Attr struct {
	Name  string
	Value string
}

// FilePart is one file entry of a multipart body.
type FilePart struct {
	Name        string
	Path        string
	FileName    string
	ContentType string
}

// RequestOptions are per-request overrides of builder-level settings.
// Nil pointers mean "use the builder value".
type RequestOptions struct {
	ReadTimeout    time.Duration
	MaxRedirects   *int
	MaxRetries     *int
	UriEncode      *bool
	ExpectContinue *bool
}

// Request is immutable after Build. The transceiver is the only component
// allowed to touch its headers afterwards (keep-alive and stream-id slots).
type Request struct {
	method  string
	uri     *url.URL
	headers *Headers
	typ     RequestType

	body []byte // plain

	file string // file

	multipart bool // multipart encode; false means x-www-form-urlencoded
	attrs     []Attr
	files     []FilePart

	opts RequestOptions
}

func (r *Request) Method() string        { return r.method }
func (r *Request) URI() *url.URL         { return r.uri }
func (r *Request) Headers() *Headers     { return r.headers }
func (r *Request) Type() RequestType     { return r.typ }
func (r *Request) Body() []byte          { return r.body }
func (r *Request) File() string          { return r.file }
func (r *Request) IsMultipart() bool     { return r.multipart }
func (r *Request) Attrs() []Attr         { return r.attrs }
func (r *Request) Files() []FilePart     { return r.files }
func (r *Request) Config() RequestOptions { return r.opts }

func (r *Request) Scheme() Scheme {
	if r.uri.Scheme == string(SchemeHTTPS) {
		return SchemeHTTPS
	}
	return SchemeHTTP
}

// Endpoint returns the pool key of this request's destination.
func (r *Request) Endpoint() Endpoint {
	scheme := r.Scheme()
	port := scheme.DefaultPort()
	if p := r.uri.Port(); p != "" {
		port = parsePort(p, port)
	}
	return Endpoint{Scheme: scheme, Host: r.uri.Hostname(), Port: port}
}

// CopyTo returns a mutable builder carrying this request's state,
// used by the redirect interceptor to re-target a request.
func (r *Request) CopyTo(method string, uri *url.URL) *RequestBuilder {
	b := &RequestBuilder{
		method:    method,
		rawURI:    uri.String(),
		headers:   r.headers.Clone(),
		typ:       r.typ,
		body:      r.body,
		file:      r.file,
		multipart: r.multipart,
		attrs:     append([]Attr(nil), r.attrs...),
		files:     append([]FilePart(nil), r.files...),
		opts:      r.opts,
	}
	return b
}

func parsePort(s string, fallback int) int {
	port := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return fallback
		}
		port = port*10 + int(c-'0')
	}
	if port == 0 || port > 65535 {
		return fallback
	}
	return port
}

// RequestBuilder builds an immutable [Request].
type RequestBuilder struct {
	method  string
	rawURI  string
	headers *Headers

	typ       RequestType
	body      []byte
	file      string
	multipart bool
	attrs     []Attr
	files     []FilePart

	opts RequestOptions
}

func NewRequest(method, rawURI string) *RequestBuilder {
	return &RequestBuilder{
		method:    method,
		rawURI:    rawURI,
		headers:   NewHeaders(),
		multipart: true,
	}
}

func Get(rawURI string) *RequestBuilder  { return NewRequest("GET", rawURI) }
func Post(rawURI string) *RequestBuilder { return NewRequest("POST", rawURI) }
func Put(rawURI string) *RequestBuilder  { return NewRequest("PUT", rawURI) }
func Delete(rawURI string) *RequestBuilder {
	return NewRequest("DELETE", rawURI)
}
func Head(rawURI string) *RequestBuilder { return NewRequest("HEAD", rawURI) }

func (b *RequestBuilder) AddHeader(name, value string) *RequestBuilder {
	b.headers.Add(name, value)
	return b
}

func (b *RequestBuilder) SetHeader(name, value string) *RequestBuilder {
	b.headers.Set(name, value)
	return b
}

// Body sets a plain in-memory body.
func (b *RequestBuilder) Body(body []byte) *RequestBuilder {
	b.typ = TypePlain
	b.body = body
	return b
}

// Chunked marks the request as a chunk-stream; the body is produced through
// the chunk writer exposed via the request context after dispatch.
func (b *RequestBuilder) Chunked() *RequestBuilder {
	b.typ = TypeChunk
	return b
}

// File streams the whole file at path as the request body.
func (b *RequestBuilder) File(path string) *RequestBuilder {
	b.typ = TypeFile
	b.file = path
	return b
}

// Multipart switches between multipart/form-data (true, the default for
// attribute requests) and application/x-www-form-urlencoded (false).
func (b *RequestBuilder) Multipart(multipart bool) *RequestBuilder {
	b.typ = TypeMultipart
	b.multipart = multipart
	return b
}

// Attr adds a form attribute and turns the request into an attribute request.
func (b *RequestBuilder) Attr(name, value string) *RequestBuilder {
	b.typ = TypeMultipart
	b.attrs = append(b.attrs, Attr{Name: name, Value: value})
	return b
}

// FilePart adds a file part and forces multipart encoding.
func (b *RequestBuilder) FilePart(part FilePart) *RequestBuilder {
	b.typ = TypeMultipart
	b.files = append(b.files, part)
	return b
}

func (b *RequestBuilder) ReadTimeout(d time.Duration) *RequestBuilder {
	b.opts.ReadTimeout = d
	return b
}

func (b *RequestBuilder) MaxRedirects(n int) *RequestBuilder {
	b.opts.MaxRedirects = &n
	return b
}

func (b *RequestBuilder) MaxRetries(n int) *RequestBuilder {
	b.opts.MaxRetries = &n
	return b
}

func (b *RequestBuilder) UriEncode(enabled bool) *RequestBuilder {
	b.opts.UriEncode = &enabled
	return b
}

func (b *RequestBuilder) ExpectContinue(enabled bool) *RequestBuilder {
	b.opts.ExpectContinue = &enabled
	return b
}

func (b *RequestBuilder) Build() (*Request, error) {
	if b.method == "" {
		return nil, errors.New("request method must not be empty")
	}

	u, err := url.Parse(b.rawURI)
	if err != nil {
		return nil, errors.Wrap(err, "parsing request uri")
	}
	if u.Scheme != string(SchemeHTTP) && u.Scheme != string(SchemeHTTPS) {
		return nil, errors.Errorf("unsupported scheme: %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.New("request uri has no host")
	}

	if b.typ == TypeMultipart && len(b.files) > 0 && !b.multipart {
		return nil, errors.New("file parts require multipart encoding")
	}

	if err := b.headers.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating headers")
	}

	return &Request{
		method:    b.method,
		uri:       u,
		headers:   b.headers,
		typ:       b.typ,
		body:      b.body,
		file:      b.file,
		multipart: b.multipart,
		attrs:     b.attrs,
		files:     b.files,
		opts:      b.opts,
	}, nil
}
