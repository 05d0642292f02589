package trans

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/yinglunfeng/esa-httpclient/core"
)

// Resolver turns a host name into an address. A nil result (with nil error)
// falls back to system resolution.
type Resolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

// ServerSelector picks the destination address of a request before any pool
// work happens.
type ServerSelector interface {
	Select(req *core.Request, ctx *core.Context) (*net.TCPAddr, error)
}

type defaultServerSelector struct {
	resolver Resolver
}

var _ ServerSelector = (*defaultServerSelector)(nil)

// NewServerSelector builds the default selector. resolver may be nil.
func NewServerSelector(resolver Resolver) ServerSelector {
	return &defaultServerSelector{resolver: resolver}
}

func (s *defaultServerSelector) Select(req *core.Request, _ *core.Context) (*net.TCPAddr, error) {
	endpoint := req.Endpoint()

	if ip := net.ParseIP(endpoint.Host); ip != nil {
		return &net.TCPAddr{IP: ip, Port: endpoint.Port}, nil
	}

	if s.resolver != nil {
		ip, err := s.resolver.Resolve(context.Background(), endpoint.Host)
		if err != nil {
			return nil, core.WithKind(core.ErrUnresolvedHost,
				errors.Wrapf(err, "resolving host %q", endpoint.Host))
		}
		if ip != nil {
			return &net.TCPAddr{IP: ip, Port: endpoint.Port}, nil
		}
		// Fall through to system resolution.
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), endpoint.Host)
	if err != nil || len(addrs) == 0 {
		return nil, core.WithKind(core.ErrUnresolvedHost,
			errors.Wrapf(err, "looking up host %q", endpoint.Host))
	}

	// Lets simply use the first address.
	return &net.TCPAddr{IP: addrs[0].IP, Zone: addrs[0].Zone, Port: endpoint.Port}, nil
}
