// Package referer maps embed and CDN hostnames to the Referer, Origin and
// User-Agent headers their upstreams expect.
package referer

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultUserAgent is sent on every outbound page and media request.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

const pageAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"

// Profile binds a hostname substring to request headers.
type Profile struct {
	Match     string `yaml:"match"`
	Referer   string `yaml:"referer"`
	Origin    string `yaml:"origin,omitempty"`
	UserAgent string `yaml:"user_agent,omitempty"`
}

// DefaultProfiles is checked in order; the first substring match wins, so
// more specific keys come before the keys they contain.
var DefaultProfiles = []Profile{
	{Match: "emturbovid", Referer: "https://turbovip.fun/"},
	{Match: "turbovid", Referer: "https://turboplay.stream/"},
	{Match: "turbo.cdn", Referer: "https://turboplay.stream/"},
	{Match: "turboplay", Referer: "https://turboplay.stream/"},
	{Match: "hydrax", Referer: "https://hydrax.net/"},
	{Match: "filelions", Referer: "https://filelions.live/"},
	{Match: "vidhide", Referer: "https://vidhide.com/"},
	{Match: "streamtape", Referer: "https://streamtape.com/"},
	{Match: "doodstream", Referer: "https://doodstream.com/"},
	{Match: "mp4upload", Referer: "https://mp4upload.com/"},
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// Table is an ordered, read-only set of profiles.
type Table struct {
	profiles    []Profile
	fallbackRef string
}

// New builds a table. targetBaseURL supplies the referer used when no
// profile matches; when empty, unmatched hosts get no Referer.
func New(profiles []Profile, targetBaseURL string) (*Table, error) {
	t := &Table{}
	if base := strings.TrimRight(strings.TrimSpace(targetBaseURL), "/"); base != "" {
		t.fallbackRef = base + "/"
	}
	for i, p := range profiles {
		p.Match = strings.ToLower(strings.TrimSpace(p.Match))
		if p.Match == "" {
			return nil, fmt.Errorf("referer profile %d: empty match", i)
		}
		if _, err := url.Parse(p.Referer); err != nil || p.Referer == "" {
			return nil, fmt.Errorf("referer profile %q: invalid referer %q", p.Match, p.Referer)
		}
		if p.Origin == "" {
			p.Origin = originOf(p.Referer)
		}
		if p.UserAgent == "" {
			p.UserAgent = DefaultUserAgent
		}
		t.profiles = append(t.profiles, p)
	}
	return t, nil
}

// LoadFile reads extra profiles from a YAML file. They take precedence over
// base.
func LoadFile(path string, base []Profile) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read referer profiles: %w", err)
	}
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse referer profiles %s: %w", path, err)
	}
	out := make([]Profile, 0, len(f.Profiles)+len(base))
	out = append(out, f.Profiles...)
	return append(out, base...), nil
}

// Lookup returns the first profile whose match key is contained in host.
func (t *Table) Lookup(host string) (Profile, bool) {
	host = strings.ToLower(host)
	for _, p := range t.profiles {
		if strings.Contains(host, p.Match) {
			return p, true
		}
	}
	return Profile{}, false
}

// Fallback returns the referer used when no profile matches.
func (t *Table) Fallback() string {
	return t.fallbackRef
}

// RefererFor returns the profile referer for host or the fallback.
func (t *Table) RefererFor(host string) string {
	if p, ok := t.Lookup(host); ok {
		return p.Referer
	}
	return t.fallbackRef
}

// Candidates lists the referers to try when fetching an embed page: the
// profile referer, the fallback, then the embed page's own origin.
func (t *Table) Candidates(embed *url.URL) []string {
	list := []string{t.RefererFor(embed.Hostname())}
	list = append(list, t.fallbackRef)
	if embed.Scheme != "" && embed.Host != "" {
		list = append(list, embed.Scheme+"://"+embed.Host+"/")
	}

	seen := make(map[string]struct{}, len(list))
	out := list[:0]
	for _, r := range list {
		if _, ok := seen[r]; ok || r == "" {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// PageHeaders returns browser-like navigation headers carrying referer.
func PageHeaders(referer string) http.Header {
	h := make(http.Header)
	if referer != "" {
		h.Set("Referer", referer)
		h.Set("Origin", originOf(referer))
	}
	h.Set("User-Agent", DefaultUserAgent)
	h.Set("Accept", pageAccept)
	h.Set("Accept-Language", "en-US,en;q=0.9,id;q=0.8")
	h.Set("Sec-Fetch-Dest", "iframe")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "cross-site")
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	return h
}

// MediaHeaders returns the headers sent when relaying playlists and
// segments from host.
func (t *Table) MediaHeaders(host string) http.Header {
	ref, origin, ua := t.fallbackRef, originOf(t.fallbackRef), DefaultUserAgent
	if p, ok := t.Lookup(host); ok {
		ref, origin, ua = p.Referer, p.Origin, p.UserAgent
	}
	h := make(http.Header)
	if ref != "" {
		h.Set("Referer", ref)
		h.Set("Origin", origin)
	}
	h.Set("User-Agent", ua)
	h.Set("Accept", "*/*")
	return h
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}
