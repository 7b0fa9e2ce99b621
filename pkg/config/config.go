// Package config handles application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrConfiguration wraps every startup configuration failure.
var ErrConfiguration = errors.New("invalid configuration")

// DefaultCORSOrigins are allowed when CORS_ORIGINS does not list any.
var DefaultCORSOrigins = []string{
	"http://localhost:5173",
	"http://localhost:3000",
}

var originPattern = regexp.MustCompile(`^https?://[^/\s]+$`)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port         int
	APIPrefix    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Outbound policy
	TargetBaseURL  string
	AllowlistCSV   string
	CORSOrigins    []string
	HTTPSOnly      bool
	MaxRedirects   int
	PinResolvedIPs bool

	// Player wrapper
	PlayerFrameAncestors []string

	// Timeouts
	DNSTimeout      time.Duration
	PageTimeout     time.Duration
	PlaylistTimeout time.Duration
	SegmentTimeout  time.Duration
	ProbeTimeout    time.Duration
	ExtractTimeout  time.Duration

	// Browser fallback
	BrowserEnabled     bool
	ChromePath         string
	BrowserNavTimeout  time.Duration
	BrowserSettle      time.Duration
	BrowserClickWait   time.Duration
	MaxBrowserSessions int

	// Challenge solver for embed pages
	FlareSolverrURL     string
	FlareSolverrTimeout time.Duration

	// Extraction cache
	ExtractCacheTTL  time.Duration
	ExtractCacheSize int

	// Upstream profiles
	RefererProfilesFile string
	UTLSDomains         []string

	// Proxy settings
	GlobalProxies   []string
	TransportRoutes []TransportRoute

	// Logging
	LogLevel string
	LogJSON  bool
}

// TransportRoute defines URL-specific proxy routing.
type TransportRoute struct {
	URLPattern string
	Proxy      string
	DisableSSL bool
	Direct     bool // If true, bypass global proxy and connect directly
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	cfg := &Config{
		Port:                getEnvInt("PORT", 3001),
		APIPrefix:           strings.TrimSuffix(getEnvString("API_PREFIX", ""), "/"),
		ReadTimeout:         getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        getEnvDuration("WRITE_TIMEOUT", 0),
		IdleTimeout:         getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		TargetBaseURL:       strings.TrimSuffix(getEnvString("TARGET_BASE_URL", ""), "/"),
		AllowlistCSV:        os.Getenv("PROXY_ALLOWLIST_DOMAINS"),
		CORSOrigins:         getEnvStringSlice("CORS_ORIGINS", nil),
		HTTPSOnly:           getEnvBool("HTTPS_ONLY", false),
		MaxRedirects:        getEnvInt("MAX_REDIRECTS", 5),
		PinResolvedIPs:      getEnvBool("PIN_RESOLVED_IPS", true),
		DNSTimeout:          getEnvDuration("DNS_TIMEOUT", 5*time.Second),
		PageTimeout:         getEnvDuration("PAGE_TIMEOUT", 15*time.Second),
		PlaylistTimeout:     getEnvDuration("PLAYLIST_TIMEOUT", 15*time.Second),
		SegmentTimeout:      getEnvDuration("SEGMENT_TIMEOUT", 30*time.Second),
		ProbeTimeout:        getEnvDuration("PROBE_TIMEOUT", 5*time.Second),
		ExtractTimeout:      getEnvDuration("EXTRACT_TIMEOUT", 60*time.Second),
		BrowserEnabled:      getEnvBool("BROWSER_ENABLED", true),
		ChromePath:          getEnvString("CHROME_PATH", ""),
		BrowserNavTimeout:   getEnvDuration("BROWSER_NAV_TIMEOUT", 15*time.Second),
		BrowserSettle:       getEnvDuration("BROWSER_SETTLE", 5*time.Second),
		BrowserClickWait:    getEnvDuration("BROWSER_CLICK_WAIT", 3*time.Second),
		MaxBrowserSessions:  getEnvInt("MAX_BROWSER_SESSIONS", 2),
		FlareSolverrURL:     strings.TrimSuffix(getEnvString("FLARESOLVERR_URL", ""), "/"),
		FlareSolverrTimeout: getEnvDuration("FLARESOLVERR_TIMEOUT", 60*time.Second),
		ExtractCacheTTL:     getEnvDuration("EXTRACT_CACHE_TTL", 30*time.Minute),
		ExtractCacheSize:    getEnvInt("EXTRACT_CACHE_SIZE", 1000),
		RefererProfilesFile: getEnvString("REFERER_PROFILES_FILE", ""),
		UTLSDomains:         getEnvStringSlice("UTLS_DOMAINS", nil),
		GlobalProxies:       getEnvStringSlice("GLOBAL_PROXIES", nil),
		LogLevel:            getEnvString("LOG_LEVEL", "info"),
		LogJSON:             getEnvBool("LOG_JSON", false),
	}

	cfg.PlayerFrameAncestors = getEnvStringSlice("PLAYER_FRAME_ANCESTORS", nil)
	cfg.TransportRoutes = parseTransportRoutes(os.Getenv("TRANSPORT_ROUTES"))

	// Legacy single proxy support
	if globalProxy := os.Getenv("GLOBAL_PROXY"); globalProxy != "" && len(cfg.GlobalProxies) == 0 {
		cfg.GlobalProxies = []string{globalProxy}
	}

	return cfg
}

// Validate checks the settings that must be correct before the server
// starts. Every error wraps ErrConfiguration.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: PORT %d out of range", ErrConfiguration, c.Port)
	}
	if c.TargetBaseURL != "" {
		u, err := url.Parse(c.TargetBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
			return fmt.Errorf("%w: TARGET_BASE_URL %q must be an absolute http(s) URL", ErrConfiguration, c.TargetBaseURL)
		}
	}
	if c.MaxRedirects < 0 {
		return fmt.Errorf("%w: MAX_REDIRECTS must not be negative", ErrConfiguration)
	}
	if c.MaxBrowserSessions < 1 {
		return fmt.Errorf("%w: MAX_BROWSER_SESSIONS must be at least 1", ErrConfiguration)
	}
	if c.ExtractCacheSize < 1 {
		return fmt.Errorf("%w: EXTRACT_CACHE_SIZE must be at least 1", ErrConfiguration)
	}
	for _, o := range c.CORSOrigins {
		if o != "*" && !originPattern.MatchString(o) {
			return fmt.Errorf("%w: CORS_ORIGINS entry %q must look like scheme://host[:port]", ErrConfiguration, o)
		}
	}
	for _, o := range c.PlayerFrameAncestors {
		if !originPattern.MatchString(o) {
			return fmt.Errorf("%w: PLAYER_FRAME_ANCESTORS entry %q must look like scheme://host[:port]", ErrConfiguration, o)
		}
	}
	if c.ExtractTimeout <= 0 {
		return fmt.Errorf("%w: EXTRACT_TIMEOUT must be positive", ErrConfiguration)
	}
	if c.FlareSolverrURL != "" {
		u, err := url.Parse(c.FlareSolverrURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: FLARESOLVERR_URL %q must be an absolute http(s) URL", ErrConfiguration, c.FlareSolverrURL)
		}
	}
	for _, p := range c.GlobalProxies {
		if _, err := url.Parse(p); err != nil {
			return fmt.Errorf("%w: proxy %q: %v", ErrConfiguration, p, err)
		}
	}
	return nil
}

// AllowedOrigins returns the configured CORS origins merged with the defaults.
func (c *Config) AllowedOrigins() []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(DefaultCORSOrigins)+len(c.CORSOrigins))
	for _, o := range append(append([]string(nil), DefaultCORSOrigins...), c.CORSOrigins...) {
		o = strings.TrimSuffix(o, "/")
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	return out
}

// parseTransportRoutes parses the TRANSPORT_ROUTES env var.
// Format: {URL=pattern, PROXY=url, DISABLE_SSL=true}, {URL=pattern2}
func parseTransportRoutes(s string) []TransportRoute {
	if s == "" {
		return nil
	}

	var routes []TransportRoute
	s = strings.TrimSpace(s)

	parts := strings.Split(s, "}, {")
	for _, part := range parts {
		part = strings.Trim(part, "{} ")
		if part == "" {
			continue
		}

		route := TransportRoute{}
		for _, field := range strings.Split(part, ",") {
			key, value, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)

			switch strings.ToUpper(strings.TrimSpace(key)) {
			case "URL":
				route.URLPattern = value
			case "PROXY":
				route.Proxy = value
			case "DISABLE_SSL":
				route.DisableSSL = strings.EqualFold(value, "true")
			case "DIRECT":
				route.Direct = strings.EqualFold(value, "true")
			}
		}
		if route.URLPattern != "" {
			routes = append(routes, route)
		}
	}

	return routes
}

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return strings.ToLower(val) == "true" || val == "1"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		// Plain integers are seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultVal
}
