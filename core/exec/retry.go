package exec

import (
	"github.com/benbjohnson/clock"
	"github.com/yinglunfeng/esa-httpclient/config"
	"github.com/yinglunfeng/esa-httpclient/core"
)

// RetryInterceptor re-issues requests that failed before any byte could have
// reached the server. Per-request MaxRetries overrides the builder value.
type RetryInterceptor struct {
	opts  *config.RetryOptions
	clock clock.Clock
}

var _ Interceptor = (*RetryInterceptor)(nil)

func NewRetryInterceptor(opts *config.RetryOptions, clk clock.Clock) *RetryInterceptor {
	return &RetryInterceptor{opts: opts, clock: clk}
}

func (r *RetryInterceptor) Proceed(req *core.Request, next ExecChain) *core.Future[*core.Response] {
	max := r.opts.MaxRetries
	if v := req.Config().MaxRetries; v != nil {
		max = *v
	}
	if max <= 0 {
		return next.Proceed(req)
	}

	result := core.NewFuture[*core.Response]()
	r.attempt(req, next, max, result)
	return result
}

func (r *RetryInterceptor) attempt(
	req *core.Request, next ExecChain, remaining int,
	result *core.Future[*core.Response],
) {
	next.Proceed(req).Listen(func(resp *core.Response, err error) {
		if err == nil {
			result.Complete(resp)
			return
		}
		if remaining <= 0 || !core.RetryEligible(err) {
			result.Fail(err)
			return
		}

		if r.opts.Interval <= 0 {
			r.attempt(req, next, remaining-1, result)
			return
		}
		r.clock.AfterFunc(r.opts.Interval, func() {
			r.attempt(req, next, remaining-1, result)
		})
	})
}
