// Package fetcher issues outbound requests and follows redirects one hop
// at a time, validating every hop before any request is made to it.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"stream-gateway-go/pkg/httpclient"
	"stream-gateway-go/pkg/interfaces"
	"stream-gateway-go/pkg/logging"
	"stream-gateway-go/pkg/urlguard"
)

// DefaultMaxRedirects applies when a request does not set MaxRedirects.
const DefaultMaxRedirects = 5

// NoRedirects as RequestSpec.MaxRedirects disables redirect following.
const NoRedirects = -1

var (
	ErrRedirectLoop     = errors.New("redirect loop detected")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrMissingLocation  = errors.New("redirect without location header")
	ErrTimeout          = errors.New("upstream timeout")
	ErrBodyTooLarge     = errors.New("upstream body exceeds limit")
)

// UpstreamError describes a failed exchange with an upstream host. URL is
// already redacted for logging.
type UpstreamError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("upstream %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("upstream %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("upstream %s: unexpected status %d", e.URL, e.StatusCode)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// RequestSpec describes one logical request.
type RequestSpec struct {
	Method string
	URL    string
	// Validated, when set, is used for the first hop instead of validating URL again.
	Validated *urlguard.ValidatedURL
	Headers   http.Header
	Body      []byte
	// Timeout bounds each hop. For Stream requests it covers only the wait
	// for response headers.
	Timeout      time.Duration
	Stream       bool
	MaxRedirects int
	// AcceptStatus decides whether a final status is a success. Nil accepts 2xx.
	AcceptStatus func(status int) bool
}

// Result is a successful exchange. The caller must close Response.Body.
type Result struct {
	Response *http.Response
	FinalURL *urlguard.ValidatedURL
	Hops     int
}

// Fetcher follows redirect chains through a validator.
type Fetcher struct {
	validator    *urlguard.Validator
	client       interfaces.HTTPClient
	maxRedirects int
	pin          bool
	log          *logging.Logger
}

// New creates a fetcher. client must not follow redirects itself.
// maxRedirects of NoRedirects disables following; other values below one
// select DefaultMaxRedirects.
func New(validator *urlguard.Validator, client interfaces.HTTPClient, maxRedirects int, pin bool, log *logging.Logger) *Fetcher {
	switch {
	case maxRedirects == NoRedirects:
		maxRedirects = 0
	case maxRedirects <= 0:
		maxRedirects = DefaultMaxRedirects
	}
	return &Fetcher{
		validator:    validator,
		client:       client,
		maxRedirects: maxRedirects,
		pin:          pin,
		log:          log.WithComponent("fetcher"),
	}
}

// Validator returns the validator each hop is checked with.
func (f *Fetcher) Validator() *urlguard.Validator {
	return f.validator
}

// FetchValidated performs spec, following at most MaxRedirects redirects.
// Validation failures are returned unwrapped so callers can match
// urlguard.ErrBlocked.
func (f *Fetcher) FetchValidated(ctx context.Context, spec RequestSpec, opts urlguard.Options) (*Result, error) {
	maxRedirects := spec.MaxRedirects
	switch {
	case maxRedirects == 0:
		maxRedirects = f.maxRedirects
	case maxRedirects < 0:
		maxRedirects = 0
	}

	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	body := spec.Body
	accept := spec.AcceptStatus
	if accept == nil {
		accept = func(s int) bool { return s >= 200 && s < 300 }
	}

	visited := make(map[string]struct{}, maxRedirects+1)
	current := spec.URL
	validated := spec.Validated

	for hop := 0; hop <= maxRedirects; hop++ {
		if hop > 0 || validated == nil {
			v, err := f.validator.Validate(ctx, current, opts)
			if err != nil {
				return nil, err
			}
			validated = v
		}

		key := validated.String()
		if _, seen := visited[key]; seen {
			return nil, &UpstreamError{URL: logging.RedactURL(key), Err: ErrRedirectLoop}
		}
		visited[key] = struct{}{}

		f.log.Debug("upstream request", "url", logging.RedactURL(key), "hop", hop, "method", method)

		resp, err := f.do(ctx, spec, method, body, validated)
		if err != nil {
			return nil, &UpstreamError{URL: logging.RedactURL(key), Err: err}
		}

		if isRedirect(resp.StatusCode) {
			location := resp.Header.Get("Location")
			discard(resp)
			if location == "" {
				return nil, &UpstreamError{URL: logging.RedactURL(key), StatusCode: resp.StatusCode, Err: ErrMissingLocation}
			}
			next, err := validated.URL.Parse(location)
			if err != nil {
				return nil, &UpstreamError{URL: logging.RedactURL(key), StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid redirect location: %w", err)}
			}
			if resp.StatusCode == http.StatusSeeOther {
				method = http.MethodGet
				body = nil
			}
			current = next.String()
			continue
		}

		if !accept(resp.StatusCode) {
			discard(resp)
			return nil, &UpstreamError{URL: logging.RedactURL(key), StatusCode: resp.StatusCode}
		}

		return &Result{Response: resp, FinalURL: validated, Hops: hop}, nil
	}

	return nil, &UpstreamError{URL: logging.RedactURL(current), Err: ErrTooManyRedirects}
}

func (f *Fetcher) do(ctx context.Context, spec RequestSpec, method string, body []byte, v *urlguard.ValidatedURL) (*http.Response, error) {
	var (
		reqCtx context.Context
		cancel context.CancelFunc
	)
	if spec.Timeout > 0 && !spec.Stream {
		reqCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}
	if f.pin {
		reqCtx = httpclient.WithPinnedAddrs(reqCtx, v.Hostname, v.Addrs)
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, v.String(), bodyReader)
	if err != nil {
		cancel()
		return nil, err
	}
	for k, vals := range spec.Headers {
		req.Header[k] = append([]string(nil), vals...)
	}

	var timer *time.Timer
	if spec.Stream && spec.Timeout > 0 {
		timer = time.AfterFunc(spec.Timeout, cancel)
	}

	resp, err := f.client.Do(req)

	if timer != nil && !timer.Stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("%w: no response headers within %s", ErrTimeout, spec.Timeout)
	}
	if err != nil {
		cancel()
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrTimeout, spec.Timeout, err)
		}
		return nil, err
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// ReadBody reads at most limit bytes of the response body and closes it.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, limit)
	}
	return data, nil
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400 && status != http.StatusNotModified
}

// discard drains a small amount of the body so the connection can be reused.
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
}

// cancelOnClose releases the per-hop context once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
