package trans

import (
	"strings"

	"github.com/yinglunfeng/esa-httpclient/core"
)

// chunkSegmentSize bounds body streaming segments read from disk or wire.
const chunkSegmentSize = 8 * 1024

var pseudoHeaderNames = []string{":method", ":scheme", ":path", ":status", ":authority"}

// StandardHeaders strips the http/2 pseudo headers, preserving every other
// entry and their order.
func StandardHeaders(h *core.Headers) *core.Headers {
	for _, name := range pseudoHeaderNames {
		h.Remove(name)
	}
	return h
}

func isPseudoHeader(name string) bool {
	return strings.HasPrefix(name, ":")
}

// value returns the per-request override when set, the builder default
// otherwise.
func value[T any](override *T, def T) T {
	if override != nil {
		return *override
	}
	return def
}
