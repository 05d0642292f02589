package exec

import (
	"github.com/pkg/errors"
	"github.com/yinglunfeng/esa-httpclient/core"
	"github.com/yinglunfeng/esa-httpclient/core/filter"
)

// FilteringExec applies the registered filters around the rest of the chain.
// Every filter mutation on the builder produces a NEW FilteringExec at the
// same chain slot so downstream code can detect reconfiguration by identity.
type FilteringExec struct {
	requestFilters  []filter.RequestFilter
	responseFilters []filter.ResponseFilter
}

var _ Interceptor = (*FilteringExec)(nil)

func NewFilteringExec(
	requestFilters []filter.RequestFilter,
	responseFilters []filter.ResponseFilter,
) *FilteringExec {
	return &FilteringExec{
		requestFilters:  append([]filter.RequestFilter(nil), requestFilters...),
		responseFilters: append([]filter.ResponseFilter(nil), responseFilters...),
	}
}

func (f *FilteringExec) Proceed(req *core.Request, next ExecChain) *core.Future[*core.Response] {
	ctx := next.Context()

	for _, rf := range f.requestFilters {
		if err := rf.DoFilterRequest(req, ctx); err != nil {
			return core.FailedFuture[*core.Response](
				errors.Wrap(err, "request filter rejected request"))
		}
	}

	if len(f.responseFilters) == 0 {
		return next.Proceed(req)
	}

	result := core.NewFuture[*core.Response]()
	next.Proceed(req).Listen(func(resp *core.Response, err error) {
		if err != nil {
			result.Fail(err)
			return
		}
		for _, rf := range f.responseFilters {
			if err := rf.DoFilterResponse(resp, ctx); err != nil {
				result.Fail(errors.Wrap(err, "response filter rejected response"))
				return
			}
		}
		result.Complete(resp)
	})
	return result
}
