// Package extractors finds a playable stream URL in an untrusted embed
// page. A regex tier runs over the fetched page and any unpacked scripts.
// Pages that come back empty or challenged can be refetched through an
// optional solver, and when nothing matches an optional browser tier
// watches the page's own network requests.
package extractors

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stream-gateway-go/pkg/fetcher"
	"stream-gateway-go/pkg/interfaces"
	"stream-gateway-go/pkg/logging"
	"stream-gateway-go/pkg/referer"
	"stream-gateway-go/pkg/types"
	"stream-gateway-go/pkg/urlguard"
)

// NotFoundReason is the failure reason when no tier finds a stream.
const NotFoundReason = "Stream URL not found in embed page"

const (
	// maxPageBytes caps embed page bodies.
	maxPageBytes = 2 << 20
	// minPageBytes is the size above which a fetched page is used without
	// trying the remaining referers.
	minPageBytes = 500
)

const probeRedirects = 3

// Options configures a StreamExtractor.
type Options struct {
	PageTimeout  time.Duration
	ProbeTimeout time.Duration
	Strategies   []Strategy
	// Solver, when set, refetches pages the direct fetch could not load.
	Solver interfaces.PageSolver
}

// StreamExtractor runs the extraction tiers.
type StreamExtractor struct {
	fetcher    *fetcher.Fetcher
	referers   *referer.Table
	browser    interfaces.BrowserExtractor
	strategies []Strategy
	opts       Options
	log        *logging.Logger
}

// New creates an extractor. A nil browser disables the browser tier.
func New(f *fetcher.Fetcher, referers *referer.Table, browser interfaces.BrowserExtractor, opts Options, log *logging.Logger) *StreamExtractor {
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 15 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	strategies := opts.Strategies
	if len(strategies) == 0 {
		strategies = append(append([]Strategy(nil), SiteStrategies...), DefaultStrategies...)
	}
	if browser == nil {
		browser = Unavailable{}
	}
	return &StreamExtractor{
		fetcher:    f,
		referers:   referers,
		browser:    browser,
		strategies: strategies,
		opts:       opts,
		log:        log.WithComponent("extractor"),
	}
}

// BrowserAvailable reports whether the browser tier can run.
func (e *StreamExtractor) BrowserAvailable() bool {
	return e.browser.Available()
}

// ExtractStream validates embedURL and extracts a stream from it. It never
// returns an error; failures are reported in the result.
func (e *StreamExtractor) ExtractStream(ctx context.Context, embedURL string) types.ExtractionResult {
	v, err := e.fetcher.Validator().Validate(ctx, embedURL, urlguard.Options{Context: "extract-stream"})
	if err != nil {
		return types.ExtractionFailure(err.Error(), sourceOf(embedURL))
	}
	return e.ExtractValidated(ctx, v)
}

// ExtractValidated extracts a stream from an embed page that has already
// passed validation.
func (e *StreamExtractor) ExtractValidated(ctx context.Context, embed *urlguard.ValidatedURL) types.ExtractionResult {
	source := embed.Hostname
	log := e.log.With("source", source)
	found := func(res types.ExtractionResult) types.ExtractionResult {
		log.Info("stream found", "method", res.Method, "url", logging.RedactURL(res.VideoURL))
		return res
	}

	pf := e.fetchPage(ctx, embed)
	// An embed whose redirect chain was refused never reaches the solver
	// or the browser.
	if pf.blocked != nil {
		log.Warn("embed page blocked", "error", pf.blocked)
		return types.ExtractionFailure(pf.blocked.Error(), source)
	}
	if pf.body != "" {
		if res, ok := e.matchPage(ctx, pf.body, source, types.MethodRegex); ok {
			return found(res)
		}
	}
	if pf.solvable() {
		if res, ok := e.solvePage(ctx, embed, source); ok {
			return found(res)
		}
	}

	if res, ok := e.captureWithBrowser(ctx, embed, source); ok {
		return found(res)
	}

	log.Warn("no stream found", "url", logging.RedactURL(embed.String()))
	return types.ExtractionFailure(NotFoundReason, source)
}

// pageFetch is the outcome of trying every referer candidate.
type pageFetch struct {
	body string
	// answered is set when some attempt returned a 2xx page.
	answered bool
	// challenged is set when some attempt ended on a challenge status.
	challenged bool
	// blocked holds the validator's rejection of any hop.
	blocked error
}

// solvable reports whether the page looks like a challenge or an empty
// shell worth handing to the solver.
func (p pageFetch) solvable() bool {
	return p.blocked == nil && len(p.body) <= minPageBytes && (p.answered || p.challenged)
}

// challengeStatus lists the statuses anti-bot interstitials answer with.
func challengeStatus(code int) bool {
	return code == http.StatusForbidden || code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// fetchPage tries each referer candidate and keeps the first body larger
// than minPageBytes, or the longest body fetched. A rejected hop stops the
// loop.
func (e *StreamExtractor) fetchPage(ctx context.Context, embed *urlguard.ValidatedURL) pageFetch {
	var pf pageFetch
	for _, ref := range e.referers.Candidates(embed.URL) {
		res, err := e.fetcher.FetchValidated(ctx, fetcher.RequestSpec{
			Method:    http.MethodGet,
			URL:       embed.String(),
			Validated: embed,
			Headers:   referer.PageHeaders(ref),
			Timeout:   e.opts.PageTimeout,
		}, urlguard.Options{Context: "extract-stream.page"})
		if err != nil {
			if errors.Is(err, urlguard.ErrBlocked) {
				pf.blocked = err
				break
			}
			var ue *fetcher.UpstreamError
			if errors.As(err, &ue) && ue.Err == nil && challengeStatus(ue.StatusCode) {
				pf.challenged = true
			}
			e.log.Warn("page fetch failed", "referer", ref, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		body, err := fetcher.ReadBody(res.Response, maxPageBytes)
		if err != nil {
			e.log.Warn("page read failed", "referer", ref, "error", err)
			continue
		}
		pf.answered = true
		if len(body) > len(pf.body) {
			pf.body = string(body)
		}
		if len(body) > minPageBytes {
			break
		}
	}
	return pf
}

func (e *StreamExtractor) matchPage(ctx context.Context, page, source string, method types.ExtractionMethod) (types.ExtractionResult, bool) {
	corpus := buildCorpus(page)
	for _, s := range e.strategies {
		if !s.AppliesTo(source) {
			continue
		}
		for _, candidate := range s.Find(corpus) {
			v, err := e.fetcher.Validator().Validate(ctx, candidate, urlguard.Options{Context: "extract-stream.candidate"})
			if err != nil {
				e.log.Debug("candidate rejected", "strategy", s.Name, "error", err)
				continue
			}
			return types.ExtractionSuccess(v.String(), kindOf(v.String()), source, method), true
		}
	}
	return types.ExtractionResult{}, false
}

// solvePage refetches embed through the solver and runs the strategies on
// the result. The solver's final URL must pass validation.
func (e *StreamExtractor) solvePage(ctx context.Context, embed *urlguard.ValidatedURL, source string) (types.ExtractionResult, bool) {
	if e.opts.Solver == nil {
		return types.ExtractionResult{}, false
	}
	finalURL, page, err := e.opts.Solver.Solve(ctx, embed.String())
	if err != nil {
		e.log.Warn("solver fetch failed", "error", err)
		return types.ExtractionResult{}, false
	}
	if _, err := e.fetcher.Validator().Validate(ctx, finalURL, urlguard.Options{Context: "extract-stream.solver"}); err != nil {
		e.log.Warn("solver landed on a rejected url", "error", err)
		return types.ExtractionResult{}, false
	}
	if len(page) > maxPageBytes {
		page = page[:maxPageBytes]
	}
	return e.matchPage(ctx, page, source, types.MethodSolver)
}

func (e *StreamExtractor) captureWithBrowser(ctx context.Context, embed *urlguard.ValidatedURL, source string) (types.ExtractionResult, bool) {
	if !e.browser.Available() {
		return types.ExtractionResult{}, false
	}
	urls, err := e.browser.Capture(ctx, embed.String(), e.referers.RefererFor(embed.Hostname))
	if err != nil {
		e.log.Warn("browser capture failed", "error", err)
	}
	for _, u := range urls {
		v, err := e.fetcher.Validator().Validate(ctx, u, urlguard.Options{Context: "extract-stream.browser"})
		if err != nil {
			e.log.Debug("intercepted url rejected", "error", err)
			continue
		}
		return types.ExtractionSuccess(v.String(), kindOf(v.String()), source, types.MethodBrowser), true
	}
	return types.ExtractionResult{}, false
}

// IsAlive reports whether a previously extracted stream still answers a
// HEAD request with 200 or 206.
func (e *StreamExtractor) IsAlive(ctx context.Context, videoURL, embedURL string) bool {
	headers := make(http.Header)
	headers.Set("User-Agent", referer.DefaultUserAgent)
	if ref := e.referers.RefererFor(sourceOf(embedURL)); ref != "" {
		headers.Set("Referer", ref)
	}

	res, err := e.fetcher.FetchValidated(ctx, fetcher.RequestSpec{
		Method:       http.MethodHead,
		URL:          videoURL,
		Headers:      headers,
		Timeout:      e.opts.ProbeTimeout,
		MaxRedirects: probeRedirects,
		AcceptStatus: func(s int) bool { return s == http.StatusOK || s == http.StatusPartialContent },
	}, urlguard.Options{Context: "stream-revalidate"})
	if err != nil {
		e.log.Debug("stream probe failed", "url", logging.RedactURL(videoURL), "error", err)
		return false
	}
	res.Response.Body.Close()
	return true
}

func kindOf(videoURL string) types.MediaKind {
	if strings.Contains(strings.ToLower(videoURL), ".m3u8") {
		return types.MediaKindHLS
	}
	return types.MediaKindMP4
}

func sourceOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
