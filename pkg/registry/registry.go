// Package registry selects the stream handler for a relay target.
package registry

import (
	"net/url"

	"stream-gateway-go/pkg/interfaces"
)

// StreamHandlerRegistry is an ordered, read-only list of stream handlers
// with a fallback. It is built once at startup.
type StreamHandlerRegistry struct {
	handlers []interfaces.StreamHandler
	fallback interfaces.StreamHandler
}

// NewStreamHandlerRegistry creates a registry that tries handlers in order
// and returns fallback when none matches.
func NewStreamHandlerRegistry(fallback interfaces.StreamHandler, handlers ...interfaces.StreamHandler) *StreamHandlerRegistry {
	return &StreamHandlerRegistry{
		handlers: append([]interfaces.StreamHandler(nil), handlers...),
		fallback: fallback,
	}
}

// Select returns the handler for u. Handlers match against the path and
// query only, so a hostname can never pick the handler.
func (r *StreamHandlerRegistry) Select(u *url.URL) interfaces.StreamHandler {
	return r.Get(MatchKey(u))
}

// Get returns the first handler whose CanHandle accepts key.
func (r *StreamHandlerRegistry) Get(key string) interfaces.StreamHandler {
	for _, h := range r.handlers {
		if h.CanHandle(key) {
			return h
		}
	}
	return r.fallback
}

// All returns all registered handlers, fallback last.
func (r *StreamHandlerRegistry) All() []interfaces.StreamHandler {
	result := make([]interfaces.StreamHandler, 0, len(r.handlers)+1)
	result = append(result, r.handlers...)
	if r.fallback != nil {
		result = append(result, r.fallback)
	}
	return result
}

// MatchKey is the path plus query of u.
func MatchKey(u *url.URL) string {
	key := u.EscapedPath()
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}
