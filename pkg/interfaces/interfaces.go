// Package interfaces defines the core abstractions for the gateway.
// Stream handlers, resolvers and the browser tier implement these
// interfaces so that each layer can be swapped in tests.
package interfaces

import (
	"context"
	"net/http"
	"net/netip"

	"stream-gateway-go/pkg/types"
)

// StreamHandler relays one kind of upstream media resource.
//
// To add a new stream type:
// 1. Create a new file in pkg/handlers/streams/
// 2. Implement this interface
// 3. Register it in the StreamHandlerRegistry
type StreamHandler interface {
	// Type returns the stream type this handler processes.
	Type() types.StreamType

	// CanHandle returns true if this handler can process the given URL.
	CanHandle(url string) bool

	// Relay fetches the validated target and returns the response to send
	// to the client. The caller closes Body.
	Relay(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error)
}

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// BrowserExtractor captures media requests made by a page rendered in a
// real browser.
type BrowserExtractor interface {
	// Available reports whether a browser can be launched.
	Available() bool

	// Capture navigates to pageURL with the given referer and returns the
	// media URLs the page requested, playlists first.
	Capture(ctx context.Context, pageURL, referer string) ([]string, error)
}

// PageSolver fetches a page through a challenge-solving service.
type PageSolver interface {
	// Solve returns the URL the solver ended on and the rendered HTML.
	Solve(ctx context.Context, pageURL string) (finalURL, page string, err error)
}
