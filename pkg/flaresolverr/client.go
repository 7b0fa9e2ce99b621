// Package flaresolverr provides a client for the FlareSolverr API, used to
// fetch embed pages that sit behind a Cloudflare challenge.
package flaresolverr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stream-gateway-go/pkg/interfaces"
	"stream-gateway-go/pkg/logging"
)

// maxResponseBytes caps the JSON envelope, which embeds the page HTML.
const maxResponseBytes = 8 << 20

// ErrSolverFailed is returned when FlareSolverr reports a non-ok status.
var ErrSolverFailed = errors.New("flaresolverr: challenge not solved")

// Cookie represents a cookie from FlareSolverr response.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
}

// Solution contains the result of a successful FlareSolverr request.
type Solution struct {
	URL       string   `json:"url"`
	Status    int      `json:"status"`
	Response  string   `json:"response"`
	Cookies   []Cookie `json:"cookies"`
	UserAgent string   `json:"userAgent"`
}

// Response is the full response from FlareSolverr API.
type Response struct {
	Status   string   `json:"status"`
	Message  string   `json:"message"`
	Version  string   `json:"version"`
	Solution Solution `json:"solution"`
}

// Request is the request body for FlareSolverr API.
type Request struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url"`
	MaxTimeout int    `json:"maxTimeout"`
}

// Client is a FlareSolverr API client. The solver is an operator-run
// service, so requests to it bypass the outbound URL guard.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	log        *logging.Logger
}

// NewClient creates a new FlareSolverr client.
func NewClient(baseURL string, timeout time.Duration, log *logging.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout + 10*time.Second, // Add buffer for network overhead
		},
		log: log.WithComponent("flaresolverr"),
	}
}

// Get fetches targetURL through FlareSolverr.
func (c *Client) Get(ctx context.Context, targetURL string) (*Response, error) {
	c.log.Debug("fetching URL via FlareSolverr", "url", logging.RedactURL(targetURL))

	body, err := json.Marshal(Request{
		Cmd:        "request.get",
		URL:        targetURL,
		MaxTimeout: int(c.timeout.Milliseconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("flaresolverr: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("flaresolverr: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("flaresolverr: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("flaresolverr: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("flaresolverr: status %d", resp.StatusCode)
	}

	var fsResp Response
	if err := json.Unmarshal(respBody, &fsResp); err != nil {
		return nil, fmt.Errorf("flaresolverr: parse response: %w", err)
	}

	if fsResp.Status != "ok" {
		return nil, fmt.Errorf("%w: %s", ErrSolverFailed, fsResp.Message)
	}

	c.log.Debug("FlareSolverr request successful",
		"url", logging.RedactURL(targetURL),
		"status", fsResp.Solution.Status,
		"cookies", len(fsResp.Solution.Cookies),
		"response_length", len(fsResp.Solution.Response))

	return &fsResp, nil
}

// Solve implements interfaces.PageSolver. It returns the URL the solver
// ended on and the rendered page.
func (c *Client) Solve(ctx context.Context, pageURL string) (string, string, error) {
	resp, err := c.Get(ctx, pageURL)
	if err != nil {
		return "", "", err
	}
	finalURL := resp.Solution.URL
	if finalURL == "" {
		finalURL = pageURL
	}
	return finalURL, resp.Solution.Response, nil
}

// IsConfigured returns true if the client is properly configured.
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

var _ interfaces.PageSolver = (*Client)(nil)
