package filter

import "github.com/yinglunfeng/esa-httpclient/core"

// RequestFilter runs before a request leaves the interceptor chain.
type RequestFilter interface {
	DoFilterRequest(req *core.Request, ctx *core.Context) error
}

// ResponseFilter runs after the response future completes successfully.
type ResponseFilter interface {
	DoFilterResponse(resp *core.Response, ctx *core.Context) error
}

// DuplexFilter observes both directions.
type DuplexFilter interface {
	RequestFilter
	ResponseFilter
}

// Factory supplies duplex filters discovered at client build time.
type Factory interface {
	Filters() []DuplexFilter
}

type emptyFactory struct{}

func (emptyFactory) Filters() []DuplexFilter { return nil }

// DefaultFactory returns no filters.
var DefaultFactory Factory = emptyFactory{}
