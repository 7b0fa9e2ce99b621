// Package httpclient provides the outbound HTTP client: proxy routing,
// browser-like TLS for selected hosts, and dialing restricted to
// validated public addresses. Redirects are never followed here.
package httpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stream-gateway-go/pkg/config"
	"stream-gateway-go/pkg/logging"

	"github.com/puzpuzpuz/xsync/v4"
	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// Client wraps http.Client with proxy routing and connection pooling.
type Client struct {
	defaultClient *http.Client
	utlsClient    *http.Client // Chrome TLS fingerprint for hosts that reject Go's handshake
	proxyClients  *xsync.Map[string, *http.Client]
	routes        []config.TransportRoute
	globalProxies []string
	utlsDomains   []string
	dialer        *guardedDialer
	log           *logging.Logger
}

func noFollow(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// New creates a new HTTP client with the given configuration.
func New(cfg *config.Config, log *logging.Logger) *Client {
	c := &Client{
		proxyClients:  xsync.NewMap[string, *http.Client](),
		routes:        cfg.TransportRoutes,
		globalProxies: cfg.GlobalProxies,
		utlsDomains:   lowerAll(cfg.UTLSDomains),
		dialer:        newGuardedDialer(cfg.PinResolvedIPs),
		log:           log.WithComponent("httpclient"),
	}

	directTransport := c.newTransport(c.dialer.DialContext)
	c.defaultClient = &http.Client{
		Transport:     directTransport,
		CheckRedirect: noFollow,
	}
	c.utlsClient = &http.Client{
		Transport:     newUTLSRoundTripper(c.dialer, directTransport),
		CheckRedirect: noFollow,
	}

	return c
}

func (c *Client) newTransport(dial func(ctx context.Context, network, addr string) (net.Conn, error)) *http.Transport {
	return &http.Transport{
		DialContext:           dial,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// utlsRoundTripper implements http.RoundTripper with utls and HTTP/2 support
type utlsRoundTripper struct {
	dialer      *guardedDialer
	h2Transport *http2.Transport
	plain       http.RoundTripper
}

func newUTLSRoundTripper(dialer *guardedDialer, plain http.RoundTripper) *utlsRoundTripper {
	return &utlsRoundTripper{
		dialer:      dialer,
		h2Transport: &http2.Transport{},
		plain:       plain,
	}
}

func (t *utlsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return t.plain.RoundTrip(req)
	}

	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		port = "443"
	}

	conn, err := t.dialer.DialContext(req.Context(), "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}

	uconn := utls.UClient(conn, &utls.Config{ServerName: host}, utls.HelloChrome_120)
	if err := uconn.HandshakeContext(req.Context()); err != nil {
		conn.Close()
		return nil, err
	}

	if uconn.ConnectionState().NegotiatedProtocol == "h2" {
		h2Conn, err := t.h2Transport.NewClientConn(uconn)
		if err != nil {
			uconn.Close()
			return nil, err
		}
		resp, err := h2Conn.RoundTrip(req)
		if err != nil {
			h2Conn.Close()
			return nil, err
		}
		resp.Body = &connCloser{resp.Body, h2Conn}
		return resp, nil
	}

	return t.doHTTP1Request(uconn, req)
}

func (t *utlsRoundTripper) doHTTP1Request(conn net.Conn, req *http.Request) (*http.Response, error) {
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, err
	}

	resp.Body = &connCloser{resp.Body, conn}
	return resp, nil
}

// connCloser closes the dedicated connection together with the body.
type connCloser struct {
	io.ReadCloser
	conn io.Closer
}

func (c *connCloser) Close() error {
	c.ReadCloser.Close()
	return c.conn.Close()
}

// needsUTLS reports whether host is configured for browser-like TLS.
func (c *Client) needsUTLS(host string) bool {
	host = strings.ToLower(host)
	for _, domain := range c.utlsDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// Do executes an HTTP request, routing through proxies as configured.
// Redirect responses are returned as-is.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.getClientForURL(req.URL).Do(req)
}

// getClientForURL returns the appropriate HTTP client based on URL routing rules.
func (c *Client) getClientForURL(target *url.URL) *http.Client {
	targetURL := target.String()

	if c.needsUTLS(target.Hostname()) {
		c.log.Debug("using utls client", "host", target.Hostname())
		return c.utlsClient
	}

	// Transport routes first (most specific)
	for _, route := range c.routes {
		if strings.Contains(targetURL, route.URLPattern) {
			c.log.Debug("matched transport route", "host", target.Hostname(), "pattern", route.URLPattern, "direct", route.Direct)

			if route.Direct {
				if route.DisableSSL {
					return c.getInsecureClient()
				}
				return c.defaultClient
			}

			if route.Proxy != "" {
				return c.getOrCreateProxyClient(route.Proxy, route.DisableSSL)
			}
			if route.DisableSSL {
				return c.getInsecureClient()
			}
		}
	}

	if len(c.globalProxies) > 0 {
		return c.getOrCreateProxyClient(c.globalProxies[0], false)
	}

	return c.defaultClient
}

// getOrCreateProxyClient returns a cached proxy client or creates a new one.
func (c *Client) getOrCreateProxyClient(proxyURL string, disableSSL bool) *http.Client {
	cacheKey := proxyURL
	if disableSSL {
		cacheKey += ":insecure"
	}

	client, loaded := c.proxyClients.LoadOrCompute(cacheKey, func() (*http.Client, bool) {
		return c.createProxyClient(proxyURL, disableSSL), false
	})
	if !loaded {
		c.log.Debug("created proxy client", "proxy", logging.RedactURL(proxyURL), "disable_ssl", disableSSL)
	}

	return client
}

// createProxyClient creates a new HTTP client for the given proxy. Without
// a proxy URL the client dials directly through the guarded dialer.
func (c *Client) createProxyClient(proxyURL string, disableSSL bool) *http.Client {
	if proxyURL == "" {
		transport := c.newTransport(c.dialer.DialContext)
		if disableSSL {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		return &http.Client{Transport: transport, CheckRedirect: noFollow}
	}

	// The proxy itself is operator-configured and may live on a private
	// network, so it is reached with an unguarded dialer.
	plain := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 60 * time.Second}
	transport := c.newTransport(plain.DialContext)
	if disableSSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		c.log.Error("failed to parse proxy URL", "error", err)
		return c.defaultClient
	}

	switch parsedURL.Scheme {
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(parsedURL, plain)
		if err != nil {
			c.log.Error("failed to create SOCKS5 dialer", "error", err)
			return c.defaultClient
		}
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.DialContext = nil
			transport.Dial = dialer.Dial
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	default:
		c.log.Warn("unsupported proxy scheme", "scheme", parsedURL.Scheme)
		return c.defaultClient
	}

	return &http.Client{Transport: transport, CheckRedirect: noFollow}
}

// getInsecureClient returns a client that skips SSL verification.
func (c *Client) getInsecureClient() *http.Client {
	return c.getOrCreateProxyClient("", true)
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
