package exec

import "github.com/yinglunfeng/esa-httpclient/core"

// ExpectContinueInterceptor publishes the effective expect-continue decision
// into the request context so the writers can hold the body back until the
// server answers 100-Continue.
type ExpectContinueInterceptor struct {
	enabledByDefault bool
}

var _ Interceptor = (*ExpectContinueInterceptor)(nil)

func NewExpectContinueInterceptor(enabledByDefault bool) *ExpectContinueInterceptor {
	return &ExpectContinueInterceptor{enabledByDefault: enabledByDefault}
}

func (e *ExpectContinueInterceptor) Proceed(req *core.Request, next ExecChain) *core.Future[*core.Response] {
	enabled := e.enabledByDefault
	if v := req.Config().ExpectContinue; v != nil {
		enabled = *v
	}

	// A request without a body has nothing to hold back.
	if enabled && hasBody(req) {
		next.Context().SetExpectContinueEnabled(true)
	}

	return next.Proceed(req)
}

func hasBody(req *core.Request) bool {
	switch req.Type() {
	case core.TypePlain:
		return len(req.Body()) > 0
	case core.TypeChunk, core.TypeFile:
		return true
	case core.TypeMultipart:
		return len(req.Attrs()) > 0 || len(req.Files()) > 0
	}
	return false
}
