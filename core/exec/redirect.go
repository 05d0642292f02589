package exec

import (
	"net/url"

	"github.com/pkg/errors"
	"github.com/yinglunfeng/esa-httpclient/core"
)

// RedirectInterceptor follows Location responses up to the configured depth.
// 303 (and 301/302 on non-GET/HEAD, matching common client behavior) switch
// to GET and drop the body; 307/308 replay the method unchanged.
type RedirectInterceptor struct {
	maxRedirects int
}

var _ Interceptor = (*RedirectInterceptor)(nil)

func NewRedirectInterceptor(maxRedirects int) *RedirectInterceptor {
	return &RedirectInterceptor{maxRedirects: maxRedirects}
}

func (r *RedirectInterceptor) Proceed(req *core.Request, next ExecChain) *core.Future[*core.Response] {
	max := r.maxRedirects
	if v := req.Config().MaxRedirects; v != nil {
		max = *v
	}
	if max <= 0 {
		return next.Proceed(req)
	}

	result := core.NewFuture[*core.Response]()
	r.doProceed(req, next, max, result)
	return result
}

func (r *RedirectInterceptor) doProceed(
	req *core.Request, next ExecChain, remaining int,
	result *core.Future[*core.Response],
) {
	next.Proceed(req).Listen(func(resp *core.Response, err error) {
		if err != nil {
			result.Fail(err)
			return
		}
		if !resp.IsRedirect() {
			result.Complete(resp)
			return
		}

		location, ok := resp.Headers.Get("Location")
		if !ok || location == "" {
			result.Complete(resp)
			return
		}
		if remaining <= 0 {
			result.Fail(errors.Errorf(
				"failed to proceed request after maximum redirects: %d", r.maxRedirects))
			return
		}

		target, err := resolveLocation(req.URI(), location)
		if err != nil {
			result.Fail(errors.Wrap(err, "resolving redirect location"))
			return
		}

		redirected, err := redirectedRequest(req, resp.StatusCode, target)
		if err != nil {
			result.Fail(errors.Wrap(err, "building redirected request"))
			return
		}

		r.doProceed(redirected, next, remaining-1, result)
	})
}

func resolveLocation(base *url.URL, location string) (*url.URL, error) {
	ref, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(ref), nil
}

func redirectedRequest(req *core.Request, status int, target *url.URL) (*core.Request, error) {
	method := req.Method()
	switchToGet := status == 303 ||
		((status == 301 || status == 302) && method != "GET" && method != "HEAD")

	if switchToGet {
		b := core.Get(target.String())
		for _, f := range req.Headers().Fields() {
			b.AddHeader(f.Name, f.Value)
		}
		return b.Build()
	}

	return req.CopyTo(method, target).Build()
}
