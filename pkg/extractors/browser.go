package extractors

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"stream-gateway-go/pkg/interfaces"
	"stream-gateway-go/pkg/logging"
	"stream-gateway-go/pkg/referer"
)

// ErrBrowserUnavailable is returned by Capture when no browser can be used.
var ErrBrowserUnavailable = errors.New("browser tier unavailable")

const playButtonSelector = `.plyr__control--overlaid, [class*="play"], button[aria-label*="play"], .vjs-big-play-button`

// chromeCandidates are looked up on PATH when no explicit path is set.
var chromeCandidates = []string{
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"headless-shell",
}

// BrowserConfig configures the chromedp browser tier.
type BrowserConfig struct {
	Enabled     bool
	ExecPath    string
	NavTimeout  time.Duration
	Settle      time.Duration
	ClickWait   time.Duration
	MaxSessions int
}

// Unavailable is the browser tier used when no browser can be launched.
type Unavailable struct{}

func (Unavailable) Available() bool { return false }

func (Unavailable) Capture(context.Context, string, string) ([]string, error) {
	return nil, ErrBrowserUnavailable
}

// ChromeBrowser launches a headless Chrome per capture and records the
// media requests the page makes.
type ChromeBrowser struct {
	cfg BrowserConfig
	sem *semaphore.Weighted
	log *logging.Logger
}

// NewBrowser returns a chromedp-backed browser tier, or Unavailable when
// the tier is disabled or no Chrome binary is found.
func NewBrowser(cfg BrowserConfig, log *logging.Logger) interfaces.BrowserExtractor {
	log = log.WithComponent("browser")
	if !cfg.Enabled {
		return Unavailable{}
	}
	path, err := findChrome(cfg.ExecPath)
	if err != nil {
		log.Info("browser tier disabled", "reason", err)
		return Unavailable{}
	}
	cfg.ExecPath = path
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 1
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 15 * time.Second
	}
	log.Info("browser tier enabled", "path", path, "sessions", cfg.MaxSessions)
	return &ChromeBrowser{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxSessions)),
		log: log,
	}
}

func findChrome(explicit string) (string, error) {
	if explicit != "" {
		return exec.LookPath(explicit)
	}
	for _, name := range chromeCandidates {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no chrome binary found on PATH")
}

// Available reports true; construction already located the binary.
func (b *ChromeBrowser) Available() bool { return true }

// Capture loads pageURL and returns intercepted .m3u8 requests followed by
// .mp4 requests.
func (b *ChromeBrowser) Capture(ctx context.Context, pageURL, ref string) ([]string, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer b.sem.Release(1)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(b.cfg.ExecPath),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.WindowSize(1280, 720),
		chromedp.UserAgent(referer.DefaultUserAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	defer tabCancel()

	var rec mediaRecorder
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if e, ok := ev.(*network.EventRequestWillBeSent); ok && e.Request != nil {
			rec.observe(e.Request.URL)
		}
	})

	// The first Run starts the browser and must not carry a deadline.
	if err := chromedp.Run(tabCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(extraHeaders(ref)),
	); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}

	navCtx, navCancel := context.WithTimeout(tabCtx, b.cfg.NavTimeout)
	err := chromedp.Run(navCtx, chromedp.Navigate(pageURL))
	navCancel()
	if err != nil {
		b.log.Debug("navigation ended", "url", logging.RedactURL(pageURL), "error", err)
	}

	if !rec.found() && b.cfg.Settle > 0 {
		sleep(tabCtx, b.cfg.Settle)
	}

	if !rec.found() {
		b.clickPlay(tabCtx)
	}

	urls := rec.ordered()
	if len(urls) == 0 && err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	return urls, nil
}

// extraHeaders are sent with every request the page makes. An empty
// referer is left to the browser.
func extraHeaders(ref string) network.Headers {
	h := network.Headers{"Accept-Language": "en-US,en;q=0.9"}
	if ref != "" {
		h["Referer"] = ref
	}
	return h
}

// clickPlay clicks the first play control, if any, and waits ClickWait.
func (b *ChromeBrowser) clickPlay(tabCtx context.Context) {
	clickCtx, cancel := context.WithTimeout(tabCtx, b.cfg.ClickWait+time.Second)
	defer cancel()

	var present bool
	if err := chromedp.Run(clickCtx,
		chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%q) !== null`, playButtonSelector), &present),
	); err != nil || !present {
		return
	}
	if err := chromedp.Run(clickCtx, chromedp.Click(playButtonSelector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		b.log.Debug("play click failed", "error", err)
		return
	}
	sleep(clickCtx, b.cfg.ClickWait)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// mediaRecorder collects intercepted playlist and progressive URLs. Events
// arrive on chromedp's goroutine.
type mediaRecorder struct {
	mu       sync.Mutex
	playlist []string
	mp4      []string
}

func (r *mediaRecorder) observe(u string) {
	lower := strings.ToLower(u)
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case strings.Contains(lower, ".m3u8"):
		r.playlist = append(r.playlist, u)
	case strings.Contains(lower, ".mp4"):
		r.mp4 = append(r.mp4, u)
	}
}

func (r *mediaRecorder) found() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.playlist) > 0 || len(r.mp4) > 0
}

func (r *mediaRecorder) ordered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.playlist)+len(r.mp4))
	out = append(out, r.playlist...)
	return append(out, r.mp4...)
}

var _ interfaces.BrowserExtractor = (*ChromeBrowser)(nil)
var _ interfaces.BrowserExtractor = Unavailable{}
