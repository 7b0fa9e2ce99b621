// Package app provides the main application setup and dependency injection.
package app

import (
	"fmt"
	"net"

	"stream-gateway-go/pkg/allowlist"
	"stream-gateway-go/pkg/appctx"
	"stream-gateway-go/pkg/cache"
	"stream-gateway-go/pkg/config"
	"stream-gateway-go/pkg/extractors"
	"stream-gateway-go/pkg/fetcher"
	"stream-gateway-go/pkg/flaresolverr"
	"stream-gateway-go/pkg/handlers/api"
	"stream-gateway-go/pkg/handlers/streams"
	"stream-gateway-go/pkg/httpclient"
	"stream-gateway-go/pkg/logging"
	"stream-gateway-go/pkg/referer"
	"stream-gateway-go/pkg/registry"
	"stream-gateway-go/pkg/server"
	"stream-gateway-go/pkg/services"
	"stream-gateway-go/pkg/types"
	"stream-gateway-go/pkg/urlguard"
)

// App is the main application container.
type App struct {
	Ctx            *appctx.Context
	Server         *server.Server
	HTTPClient     *httpclient.Client
	StreamHandlers *registry.StreamHandlerRegistry
	cache          *cache.Store[types.ExtractionResult]
}

// New creates and initializes the application. Configuration errors are
// returned before anything is started.
func New() (*App, error) {
	return NewWithConfig(config.Load())
}

// NewWithConfig initializes the application from cfg.
func NewWithConfig(cfg *config.Config) (*App, error) {
	log := logging.New(cfg.LogLevel, cfg.LogJSON, nil)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	al, err := allowlist.Resolve(cfg.AllowlistCSV, cfg.TargetBaseURL, allowlist.DefaultDomains)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}

	profiles := referer.DefaultProfiles
	if cfg.RefererProfilesFile != "" {
		if profiles, err = referer.LoadFile(cfg.RefererProfilesFile, referer.DefaultProfiles); err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
		}
	}
	referers, err := referer.New(profiles, cfg.TargetBaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}

	log.Info("initializing stream gateway",
		"port", cfg.Port,
		"prefix", cfg.APIPrefix,
		"allowlist", al.Len(),
		"https_only", cfg.HTTPSOnly,
		"log_level", cfg.LogLevel,
	)

	// Create application context
	ctx := appctx.New(cfg, log)

	validator := urlguard.New(al, net.DefaultResolver, cfg.DNSTimeout, cfg.HTTPSOnly)
	ctx.WithValidator(validator)

	// Create HTTP client
	httpClient := httpclient.New(cfg, log)
	f := fetcher.New(validator, httpClient, redirectLimit(cfg.MaxRedirects), cfg.PinResolvedIPs, log)

	// Initialize stream handler registry
	streamHandlers := registerStreamHandlers(f, referers, cfg, log)
	ctx.WithRelayService(services.NewRelayService(log, validator, streamHandlers))

	browser := extractors.NewBrowser(extractors.BrowserConfig{
		Enabled:     cfg.BrowserEnabled,
		ExecPath:    cfg.ChromePath,
		NavTimeout:  cfg.BrowserNavTimeout,
		Settle:      cfg.BrowserSettle,
		ClickWait:   cfg.BrowserClickWait,
		MaxSessions: cfg.MaxBrowserSessions,
	}, log)
	opts := extractors.Options{
		PageTimeout:  cfg.PageTimeout,
		ProbeTimeout: cfg.ProbeTimeout,
	}
	// Create FlareSolverr client if configured
	if solver := flaresolverr.NewClient(cfg.FlareSolverrURL, cfg.FlareSolverrTimeout, log); solver.IsConfigured() {
		opts.Solver = solver
		log.Info("FlareSolverr client enabled", "url", cfg.FlareSolverrURL)
	}
	extractor := extractors.New(f, referers, browser, opts, log)

	store, err := cache.New[types.ExtractionResult](cfg.ExtractCacheSize, cfg.ExtractCacheTTL)
	if err != nil {
		return nil, err
	}
	ctx.WithExtractionService(services.NewExtractionService(log, validator, extractor, store, cfg.ExtractTimeout), extractor.BrowserAvailable())

	// Create HTTP server
	srv := server.New(cfg, log)

	// Create API handlers
	api.NewHandlers(ctx).RegisterRoutes(srv.Router())

	return &App{
		Ctx:            ctx,
		Server:         srv,
		HTTPClient:     httpClient,
		StreamHandlers: streamHandlers,
		cache:          store,
	}, nil
}

// Run starts the application.
func (a *App) Run() error {
	a.Ctx.Log.Info("starting stream gateway", "port", a.Ctx.Config.Port)
	return a.Server.Start()
}

// Shutdown releases background resources.
func (a *App) Shutdown() {
	a.Ctx.Log.Info("shutting down application")
	a.cache.Close()
}

// redirectLimit maps MAX_REDIRECTS onto the fetcher, where zero means
// redirects are not followed.
func redirectLimit(n int) int {
	if n == 0 {
		return fetcher.NoRedirects
	}
	return n
}

// registerStreamHandlers builds the relay registry. Playlists get their own
// handler; everything else streams through the segment handler.
func registerStreamHandlers(f *fetcher.Fetcher, referers *referer.Table, cfg *config.Config, log *logging.Logger) *registry.StreamHandlerRegistry {
	relayPath := api.RelayPath(cfg.APIPrefix)

	reg := registry.NewStreamHandlerRegistry(
		streams.NewSegmentHandler(f, referers, cfg.SegmentTimeout, log),
		streams.NewPlaylistHandler(f, referers, relayPath, cfg.PlaylistTimeout, log),
	)

	log.Info("registered stream handlers", "count", len(reg.All()), "relay_path", relayPath)
	return reg
}
