package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"stream-gateway-go/pkg/allowlist"
	"stream-gateway-go/pkg/httpclient"
	"stream-gateway-go/pkg/logging"
	"stream-gateway-go/pkg/urlguard"
)

type fakeResolver map[string]string

func (r fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	ip, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return []netip.Addr{netip.MustParseAddr(ip)}, nil
}

// fakeUpstream serves requests with per-host handlers and records every
// request that reaches it.
type fakeUpstream struct {
	mu       sync.Mutex
	handlers map[string]http.Handler
	requests []*http.Request
}

func (u *fakeUpstream) Do(req *http.Request) (*http.Response, error) {
	u.mu.Lock()
	u.requests = append(u.requests, req)
	h, ok := u.handlers[req.URL.Host]
	u.mu.Unlock()
	if !ok {
		return nil, errors.New("unexpected host " + req.URL.Host)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Result(), nil
}

func (u *fakeUpstream) count(host string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, r := range u.requests {
		if r.URL.Host == host {
			n++
		}
	}
	return n
}

func redirectTo(location string, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if location != "" {
			w.Header().Set("Location", location)
		}
		w.WriteHeader(status)
	})
}

func newTestFetcher(t *testing.T, upstream *fakeUpstream) *Fetcher {
	t.Helper()
	al, err := allowlist.New([]string{"a.example.com", "b.example.com", "c.example.com", "private.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	res := fakeResolver{
		"a.example.com":       "93.184.216.34",
		"b.example.com":       "93.184.216.35",
		"c.example.com":       "93.184.216.36",
		"private.example.com": "192.168.1.10",
		"evil.net":            "93.184.216.99",
	}
	v := urlguard.New(al, res, time.Second, false)
	return New(v, upstream, 0, true, logging.Discard())
}

func TestFetchValidated_RedirectToUnlistedHostIsNeverRequested(t *testing.T) {
	up := &fakeUpstream{handlers: map[string]http.Handler{
		"a.example.com": redirectTo("https://evil.net/steal", http.StatusFound),
		"evil.net":      http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
	}}
	f := newTestFetcher(t, up)

	_, err := f.FetchValidated(context.Background(), RequestSpec{URL: "https://a.example.com/start"}, urlguard.Options{})
	if reason, ok := urlguard.ReasonOf(err); !ok || reason != urlguard.ReasonNotAllowlisted {
		t.Fatalf("error = %v, want not_allowlisted rejection", err)
	}
	if n := up.count("evil.net"); n != 0 {
		t.Errorf("evil.net received %d requests, want 0", n)
	}
	if n := up.count("a.example.com"); n != 1 {
		t.Errorf("a.example.com received %d requests, want 1", n)
	}
}

func TestFetchValidated_Loop(t *testing.T) {
	up := &fakeUpstream{handlers: map[string]http.Handler{
		"a.example.com": redirectTo("https://b.example.com/x", http.StatusFound),
		"b.example.com": redirectTo("https://a.example.com/start", http.StatusMovedPermanently),
	}}
	f := newTestFetcher(t, up)

	_, err := f.FetchValidated(context.Background(), RequestSpec{URL: "https://a.example.com/start"}, urlguard.Options{})
	if !errors.Is(err, ErrRedirectLoop) {
		t.Fatalf("error = %v, want ErrRedirectLoop", err)
	}
	if n := len(up.requests); n != 2 {
		t.Errorf("issued %d requests, want 2", n)
	}
}

func TestFetchValidated_TooManyRedirects(t *testing.T) {
	var n int
	up := &fakeUpstream{handlers: map[string]http.Handler{
		"a.example.com": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n++
			w.Header().Set("Location", "/hop"+string(rune('a'+n)))
			w.WriteHeader(http.StatusTemporaryRedirect)
		}),
	}}
	f := newTestFetcher(t, up)

	_, err := f.FetchValidated(context.Background(), RequestSpec{URL: "https://a.example.com/start", MaxRedirects: 2}, urlguard.Options{})
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Fatalf("error = %v, want ErrTooManyRedirects", err)
	}
	if len(up.requests) != 3 {
		t.Errorf("issued %d requests, want 3", len(up.requests))
	}
}

func TestFetchValidated_NoRedirects(t *testing.T) {
	up := &fakeUpstream{handlers: map[string]http.Handler{
		"a.example.com": redirectTo("https://b.example.com/", http.StatusFound),
	}}
	f := newTestFetcher(t, up)

	_, err := f.FetchValidated(context.Background(), RequestSpec{URL: "https://a.example.com/", MaxRedirects: NoRedirects}, urlguard.Options{})
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Fatalf("error = %v, want ErrTooManyRedirects", err)
	}
}

func TestNew_RedirectLimit(t *testing.T) {
	tests := []struct {
		name         string
		maxRedirects int
		wantRequests int
	}{
		{"disabled", NoRedirects, 1},
		{"explicit", 2, 3},
		{"default", 0, DefaultMaxRedirects + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n int
			up := &fakeUpstream{handlers: map[string]http.Handler{
				"a.example.com": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					n++
					w.Header().Set("Location", fmt.Sprintf("/hop%d", n))
					w.WriteHeader(http.StatusFound)
				}),
			}}
			f := newTestFetcher(t, up)
			f = New(f.validator, up, tt.maxRedirects, true, logging.Discard())

			_, err := f.FetchValidated(context.Background(), RequestSpec{URL: "https://a.example.com/start"}, urlguard.Options{})
			if !errors.Is(err, ErrTooManyRedirects) {
				t.Fatalf("error = %v, want ErrTooManyRedirects", err)
			}
			if len(up.requests) != tt.wantRequests {
				t.Errorf("issued %d requests, want %d", len(up.requests), tt.wantRequests)
			}
		})
	}
}

func TestFetchValidated_MissingLocation(t *testing.T) {
	up := &fakeUpstream{handlers: map[string]http.Handler{
		"a.example.com": redirectTo("", http.StatusFound),
	}}
	f := newTestFetcher(t, up)

	_, err := f.FetchValidated(context.Background(), RequestSpec{URL: "https://a.example.com/"}, urlguard.Options{})
	if !errors.Is(err, ErrMissingLocation) {
		t.Fatalf("error = %v, want ErrMissingLocation", err)
	}
}

func TestFetchValidated_FollowsRelativeRedirect(t *testing.T) {
	up := &fakeUpstream{handlers: map[string]http.Handler{
		"a.example.com": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/start" {
				w.Header().Set("Location", "../final.m3u8?x=1")
				w.WriteHeader(http.StatusFound)
				return
			}
			io.WriteString(w, "#EXTM3U\n")
		}),
	}}
	f := newTestFetcher(t, up)

	res, err := f.FetchValidated(context.Background(), RequestSpec{
		URL:     "https://a.example.com/start",
		Headers: http.Header{"Referer": {"https://embed.example/"}},
	}, urlguard.Options{})
	if err != nil {
		t.Fatalf("FetchValidated() error = %v", err)
	}
	defer res.Response.Body.Close()

	if got := res.FinalURL.String(); got != "https://a.example.com/final.m3u8?x=1" {
		t.Errorf("FinalURL = %q", got)
	}
	if res.Hops != 1 {
		t.Errorf("Hops = %d, want 1", res.Hops)
	}
	for _, r := range up.requests {
		if r.Header.Get("Referer") != "https://embed.example/" {
			t.Errorf("request %s lost headers", r.URL)
		}
		if addrs := httpclient.PinnedAddrs(r.Context(), "a.example.com"); len(addrs) != 1 || addrs[0].String() != "93.184.216.34" {
			t.Errorf("request %s pinned to %v", r.URL, addrs)
		}
	}
}

func TestFetchValidated_SeeOtherSwitchesToGet(t *testing.T) {
	var finalMethod string
	var finalBody []byte
	up := &fakeUpstream{handlers: map[string]http.Handler{
		"a.example.com": redirectTo("https://b.example.com/result", http.StatusSeeOther),
		"b.example.com": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			finalMethod = r.Method
			if r.Body != nil {
				finalBody, _ = io.ReadAll(r.Body)
			}
		}),
	}}
	f := newTestFetcher(t, up)

	res, err := f.FetchValidated(context.Background(), RequestSpec{
		Method: http.MethodPost,
		URL:    "https://a.example.com/form",
		Body:   []byte("a=1"),
	}, urlguard.Options{})
	if err != nil {
		t.Fatalf("FetchValidated() error = %v", err)
	}
	res.Response.Body.Close()

	if finalMethod != http.MethodGet {
		t.Errorf("method after 303 = %s, want GET", finalMethod)
	}
	if len(finalBody) != 0 {
		t.Errorf("body after 303 = %q, want empty", finalBody)
	}
}

func TestFetchValidated_RejectsStatus(t *testing.T) {
	up := &fakeUpstream{handlers: map[string]http.Handler{
		"a.example.com": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		}),
	}}
	f := newTestFetcher(t, up)

	_, err := f.FetchValidated(context.Background(), RequestSpec{URL: "https://a.example.com/"}, urlguard.Options{})
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != http.StatusNotFound {
		t.Fatalf("error = %v, want UpstreamError with 404", err)
	}

	res, err := f.FetchValidated(context.Background(), RequestSpec{
		URL:          "https://a.example.com/",
		AcceptStatus: func(s int) bool { return s == http.StatusNotFound },
	}, urlguard.Options{})
	if err != nil {
		t.Fatalf("custom AcceptStatus error = %v", err)
	}
	res.Response.Body.Close()
}

func TestFetchValidated_PrivateHostNeverRequested(t *testing.T) {
	up := &fakeUpstream{handlers: map[string]http.Handler{}}
	f := newTestFetcher(t, up)

	_, err := f.FetchValidated(context.Background(), RequestSpec{URL: "https://private.example.com/"}, urlguard.Options{})
	if reason, _ := urlguard.ReasonOf(err); reason != urlguard.ReasonPrivateAddress {
		t.Fatalf("error = %v, want private_address", err)
	}
	if len(up.requests) != 0 {
		t.Errorf("issued %d requests, want 0", len(up.requests))
	}
}

func TestFetchValidated_StreamTimeoutCoversHeadersOnly(t *testing.T) {
	up := &fakeUpstream{handlers: map[string]http.Handler{
		"a.example.com": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "segment-bytes")
		}),
		"b.example.com": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
		}),
	}}
	f := newTestFetcher(t, up)

	res, err := f.FetchValidated(context.Background(), RequestSpec{
		URL:     "https://a.example.com/seg.ts",
		Stream:  true,
		Timeout: 20 * time.Millisecond,
	}, urlguard.Options{})
	if err != nil {
		t.Fatalf("FetchValidated() error = %v", err)
	}
	reqCtx := up.requests[0].Context()

	time.Sleep(60 * time.Millisecond)
	if reqCtx.Err() != nil {
		t.Fatalf("stream request context cancelled before body was consumed: %v", reqCtx.Err())
	}
	body, _ := io.ReadAll(res.Response.Body)
	res.Response.Body.Close()
	if string(body) != "segment-bytes" {
		t.Errorf("body = %q", body)
	}
	if reqCtx.Err() == nil {
		t.Error("request context should be released after Close")
	}

	_, err = f.FetchValidated(context.Background(), RequestSpec{
		URL:     "https://b.example.com/slow.ts",
		Stream:  true,
		Timeout: 20 * time.Millisecond,
	}, urlguard.Options{})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("slow headers error = %v, want ErrTimeout", err)
	}
}

func TestReadBody(t *testing.T) {
	resp := &http.Response{Body: io.NopCloser(strings.NewReader("0123456789"))}
	if _, err := ReadBody(resp, 5); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("ReadBody over limit error = %v", err)
	}
	resp = &http.Response{Body: io.NopCloser(strings.NewReader("01234"))}
	data, err := ReadBody(resp, 5)
	if err != nil || string(data) != "01234" {
		t.Errorf("ReadBody = %q, %v", data, err)
	}
}
