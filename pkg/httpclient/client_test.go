package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"

	"stream-gateway-go/pkg/config"
	"stream-gateway-go/pkg/logging"
)

func TestGetClientForURL(t *testing.T) {
	log := logging.Discard()

	tests := []struct {
		name          string
		cfg           *config.Config
		targetURL     string
		expectDefault bool
		expectUTLS    bool
	}{
		{
			name: "uses global proxy when no transport routes match",
			cfg: &config.Config{
				GlobalProxies: []string{"socks5://proxy.example.com:1080"},
			},
			targetURL: "https://cdn.example.com/video.m3u8",
		},
		{
			name: "uses transport route when URL matches",
			cfg: &config.Config{
				GlobalProxies: []string{"socks5://global-proxy.example.com:1080"},
				TransportRoutes: []config.TransportRoute{
					{URLPattern: "cdn.specific.com", Proxy: "socks5://specific-proxy.example.com:1080"},
				},
			},
			targetURL: "https://cdn.specific.com/video.m3u8",
		},
		{
			name:          "uses default client when no proxy configured",
			cfg:           &config.Config{},
			targetURL:     "https://cdn.example.com/video.m3u8",
			expectDefault: true,
		},
		{
			name: "direct route bypasses global proxy",
			cfg: &config.Config{
				GlobalProxies: []string{"socks5://global-proxy.example.com:1080"},
				TransportRoutes: []config.TransportRoute{
					{URLPattern: "direct.example.com", Direct: true},
				},
			},
			targetURL:     "https://direct.example.com/seg.ts",
			expectDefault: true,
		},
		{
			name:       "utls domain matches subdomains",
			cfg:        &config.Config{UTLSDomains: []string{"Turboplay.Stream"}},
			targetURL:  "https://cdn1.turboplay.stream/index.m3u8",
			expectUTLS: true,
		},
		{
			name:          "utls domain does not match lookalike",
			cfg:           &config.Config{UTLSDomains: []string{"turboplay.stream"}},
			targetURL:     "https://notturboplay.stream/index.m3u8",
			expectDefault: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(tt.cfg, log)
			u, _ := url.Parse(tt.targetURL)
			got := client.getClientForURL(u)

			if isDefault := got == client.defaultClient; isDefault != tt.expectDefault {
				t.Errorf("default client = %v, want %v", isDefault, tt.expectDefault)
			}
			if isUTLS := got == client.utlsClient; isUTLS != tt.expectUTLS {
				t.Errorf("utls client = %v, want %v", isUTLS, tt.expectUTLS)
			}
			if got.CheckRedirect == nil {
				t.Error("client must not follow redirects")
			}
		})
	}
}

func TestGetOrCreateProxyClient_Reuses(t *testing.T) {
	c := New(&config.Config{}, logging.Discard())

	a := c.getOrCreateProxyClient("socks5://proxy.example.com:1080", false)
	b := c.getOrCreateProxyClient("socks5://proxy.example.com:1080", false)
	if a != b {
		t.Error("proxy client not reused")
	}
	if insecure := c.getOrCreateProxyClient("socks5://proxy.example.com:1080", true); insecure == a {
		t.Error("insecure variant shares the verified client")
	}
	if n := c.proxyClients.Size(); n != 2 {
		t.Errorf("cached %d proxy clients, want 2", n)
	}
}

func TestClient_RefusesPrivateAddress(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	client := New(&config.Config{PinResolvedIPs: true}, logging.Discard())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	_, err := client.Do(req)
	if !errors.Is(err, ErrBlockedAddress) {
		t.Fatalf("Do() error = %v, want ErrBlockedAddress", err)
	}
	if hits != 0 {
		t.Errorf("server received %d requests, want 0", hits)
	}
}

func TestClient_DoesNotFollowRedirects(t *testing.T) {
	client := New(&config.Config{}, logging.Discard())
	// Swap in a transport that answers with a redirect without dialing.
	client.defaultClient.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		http.Redirect(rec, r, "https://elsewhere.example.com/", http.StatusFound)
		return rec.Result(), nil
	})

	req, _ := http.NewRequest(http.MethodGet, "https://cdn.example.com/a", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want 302", resp.StatusCode)
	}
}

func TestGuardedDialer_Targets(t *testing.T) {
	addrs := []netip.Addr{netip.MustParseAddr("93.184.216.34"), netip.MustParseAddr("2606:2800:220:1::1")}
	ctx := WithPinnedAddrs(context.Background(), "CDN.example.com", addrs)

	pinned := newGuardedDialer(true)
	got := pinned.targets(ctx, "cdn.example.com:443")
	want := []string{"93.184.216.34:443", "[2606:2800:220:1::1]:443"}
	if len(got) != len(want) {
		t.Fatalf("targets() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("targets()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if other := pinned.targets(ctx, "other.example.com:443"); len(other) != 1 || other[0] != "other.example.com:443" {
		t.Errorf("targets for unpinned host = %v", other)
	}

	unpinned := newGuardedDialer(false)
	if got := unpinned.targets(ctx, "cdn.example.com:443"); len(got) != 1 || got[0] != "cdn.example.com:443" {
		t.Errorf("targets with pinning off = %v", got)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
