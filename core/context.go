package core

import "sync"

// Attribute keys the core and the interceptors agree on.
const (
	AttrExpectContinueEnabled  = "$expectContinue.enabled"
	AttrExpectContinueCallback = "$expectContinue.callback"
	AttrChunkWriter            = "$chunkWriter"
)

// Context is the per-request scratchpad. It is created when the user issues
// the request and thrown away when the response future completes.
type Context struct {
	mu    sync.Mutex
	attrs map[string]any
}

func NewContext() *Context {
	return &Context{attrs: make(map[string]any)}
}

func (c *Context) SetAttr(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs[key] = value
}

func (c *Context) Attr(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.attrs[key]
	return v, ok
}

func (c *Context) RemoveAttr(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.attrs[key]
	delete(c.attrs, key)
	return v, ok
}

func (c *Context) AttrNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		names = append(names, k)
	}
	return names
}

func (c *Context) ExpectContinueEnabled() bool {
	v, ok := c.Attr(AttrExpectContinueEnabled)
	if !ok {
		return false
	}
	enabled, _ := v.(bool)
	return enabled
}

func (c *Context) SetExpectContinueEnabled(enabled bool) {
	c.SetAttr(AttrExpectContinueEnabled, enabled)
}

// ExpectContinueCallback returns the stored resumption callback, if any.
func (c *Context) ExpectContinueCallback() (func(), bool) {
	v, ok := c.Attr(AttrExpectContinueCallback)
	if !ok {
		return nil, false
	}
	fn, ok := v.(func())
	return fn, ok
}

func (c *Context) SetExpectContinueCallback(fn func()) {
	c.SetAttr(AttrExpectContinueCallback, fn)
}
