// Package allowlist resolves and matches the set of upstream domains the
// gateway is permitted to contact.
package allowlist

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrEmptyAllowlist is returned when resolution produces no patterns.
var ErrEmptyAllowlist = errors.New("allowlist: no domains configured")

// ErrInvalidPattern is returned for malformed domain patterns.
var ErrInvalidPattern = errors.New("allowlist: invalid domain pattern")

// DefaultDomains are the embed and CDN hosts used when PROXY_ALLOWLIST_DOMAINS is unset.
// Wildcards only match subdomains, so each base domain is listed alongside its wildcard.
var DefaultDomains = []string{
	"turboplay.stream", "*.turboplay.stream",
	"turbovip.fun", "*.turbovip.fun",
	"emturbovid.com", "*.emturbovid.com",
	"turbovid.com", "*.turbovid.com",
	"hydrax.net", "*.hydrax.net",
	"short.icu", "*.short.icu",
	"filelions.live", "*.filelions.live",
	"filelions.to", "*.filelions.to",
	"vidhide.com", "*.vidhide.com",
	"streamtape.com", "*.streamtape.com",
	"doodstream.com", "*.doodstream.com",
	"mp4upload.com", "*.mp4upload.com",
}

// Pattern is a normalized domain pattern, either an exact host
// ("example.com") or a subdomain wildcard ("*.example.com").
type Pattern string

// Wildcard reports whether the pattern matches subdomains.
func (p Pattern) Wildcard() bool {
	return strings.HasPrefix(string(p), "*.")
}

// Matches reports whether host (already normalized) satisfies the pattern.
func (p Pattern) Matches(host string) bool {
	s := string(p)
	if p.Wildcard() {
		suffix := s[1:] // ".example.com"
		return len(host) > len(suffix) && strings.HasSuffix(host, suffix)
	}
	return host == s
}

// Allowlist is an immutable ordered set of patterns.
type Allowlist struct {
	patterns []Pattern
}

// New builds an allowlist from raw patterns, normalizing and deduplicating them.
func New(raw []string) (*Allowlist, error) {
	seen := make(map[Pattern]struct{}, len(raw))
	patterns := make([]Pattern, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		p, err := ParsePattern(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		patterns = append(patterns, p)
	}
	if len(patterns) == 0 {
		return nil, ErrEmptyAllowlist
	}
	return &Allowlist{patterns: patterns}, nil
}

// Resolve builds the effective allowlist. A non-empty envCSV is used
// exclusively; otherwise defaults are combined with the hostname of
// targetBaseURL.
func Resolve(envCSV, targetBaseURL string, defaults []string) (*Allowlist, error) {
	if strings.TrimSpace(envCSV) != "" {
		return New(strings.Split(envCSV, ","))
	}

	raw := append([]string(nil), defaults...)
	if targetBaseURL != "" {
		u, err := url.Parse(strings.TrimSpace(targetBaseURL))
		if err != nil || u.Hostname() == "" {
			return nil, fmt.Errorf("allowlist: invalid target base URL %q", targetBaseURL)
		}
		raw = append(raw, u.Hostname())
	}
	return New(raw)
}

// ParsePattern normalizes a single pattern: trimmed, lowercased, trailing
// dot removed, internationalized labels converted to ASCII.
func ParsePattern(raw string) (Pattern, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, ".")

	wildcard := false
	if strings.HasPrefix(s, "*.") {
		wildcard = true
		s = s[2:]
	}
	if s == "" || strings.ContainsAny(s, "*/:@?# \t") ||
		strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPattern, raw)
	}

	ascii, err := idna.ToASCII(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidPattern, raw, err)
	}
	if wildcard {
		return Pattern("*." + ascii), nil
	}
	return Pattern(ascii), nil
}

// NormalizeHost lowercases a hostname, strips a trailing dot and converts
// it to its ASCII form. Invalid IDNs are returned lowercased as-is so that
// they simply fail to match.
func NormalizeHost(host string) string {
	h := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if ascii, err := idna.ToASCII(h); err == nil {
		return ascii
	}
	return h
}

// Matches reports whether host is allowed by any pattern.
func (a *Allowlist) Matches(host string) bool {
	if a == nil {
		return false
	}
	h := NormalizeHost(host)
	if h == "" {
		return false
	}
	for _, p := range a.patterns {
		if p.Matches(h) {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the resolved patterns in order.
func (a *Allowlist) Patterns() []Pattern {
	out := make([]Pattern, len(a.patterns))
	copy(out, a.patterns)
	return out
}

// Len returns the number of patterns.
func (a *Allowlist) Len() int {
	return len(a.patterns)
}
