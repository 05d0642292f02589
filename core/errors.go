package core

import "github.com/pkg/errors"

// Error kinds the transceiver surfaces. They are matched with [errors.Is],
// wrapping sites add context with [errors.Wrap].
var (
	// ErrUnresolvedHost means the server selector produced no address.
	ErrUnresolvedHost = errors.New("host could not be resolved")

	// ErrPoolExhausted means the connection pool and its waiting queue are full.
	ErrPoolExhausted = errors.New("connection pool and waiting queue are full")

	// ErrConnectFailed means the transport level connect did not succeed.
	ErrConnectFailed = errors.New("failed to connect to remote")

	// ErrHandshakeFailed means TLS/ALPN or the h2c upgrade failed.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrConnectionInactive means a dead connection was acquired from the pool.
	ErrConnectionInactive = errors.New("connection is inactive")

	// ErrWriteBufFull means the outbound buffer exceeded its high watermark.
	ErrWriteBufFull = errors.New("write buffer is full")

	// ErrWriteFailed means the transport rejected the write.
	ErrWriteFailed = errors.New("failed to write request")

	// ErrReadTimeout means no response arrived before the read timeout fired.
	ErrReadTimeout = errors.New("read timeout")

	// ErrEncoding means an I/O error occurred while producing the request body.
	ErrEncoding = errors.New("error while encoding request body")

	// ErrContentOverSized means the aggregated response body exceeded
	// the configured max content length.
	ErrContentOverSized = errors.New("response content exceeds max content length")

	// ErrCancelled means the caller cancelled the response future.
	ErrCancelled = errors.New("request was cancelled")

	// ErrClosed means the client was closed while requests were in flight.
	ErrClosed = errors.New("client has been closed")
)

// RetryEligible reports whether an error kind happened before any request
// byte could have reached the server, so a retry interceptor may safely
// re-issue the request.
func RetryEligible(err error) bool {
	switch {
	case errors.Is(err, ErrPoolExhausted),
		errors.Is(err, ErrConnectFailed),
		errors.Is(err, ErrHandshakeFailed),
		errors.Is(err, ErrConnectionInactive),
		errors.Is(err, ErrWriteBufFull):
		return true
	}
	return false
}

// kindError ties a detailed cause to one of the error kinds above so both
// errors.Is(err, kind) and errors.Unwrap chains keep working.
type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *kindError) Is(target error) bool { return target == e.kind }
func (e *kindError) Unwrap() error        { return e.cause }

// WithKind attaches a taxonomy kind to cause. A nil cause returns the
// bare kind.
func WithKind(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return &kindError{kind: kind, cause: cause}
}
