package trans

import (
	"sync"

	"github.com/yinglunfeng/esa-httpclient/core"
)

// ChannelPools is the per-endpoint pool registry, the only shared mutable
// structure touched off the worker threads.
type ChannelPools struct {
	mu      sync.Mutex
	pools   map[core.Endpoint]*ChannelPool
	closed  bool
	newPool func(endpoint core.Endpoint) *ChannelPool
}

func NewChannelPools(newPool func(endpoint core.Endpoint) *ChannelPool) *ChannelPools {
	return &ChannelPools{
		pools:   make(map[core.Endpoint]*ChannelPool),
		newPool: newPool,
	}
}

func (ps *ChannelPools) GetIfPresent(endpoint core.Endpoint) *ChannelPool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.pools[endpoint]
}

func (ps *ChannelPools) GetOrCreate(endpoint core.Endpoint) (*ChannelPool, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, core.ErrClosed
	}
	if pool, ok := ps.pools[endpoint]; ok {
		return pool, nil
	}

	pool := ps.newPool(endpoint)
	ps.pools[endpoint] = pool
	return pool, nil
}

func (ps *ChannelPools) Close() {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return
	}
	ps.closed = true
	pools := make([]*ChannelPool, 0, len(ps.pools))
	for _, pool := range ps.pools {
		pools = append(pools, pool)
	}
	ps.pools = make(map[core.Endpoint]*ChannelPool)
	ps.mu.Unlock()

	for _, pool := range pools {
		pool.Close()
	}
}
