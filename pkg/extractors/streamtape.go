package extractors

import (
	"regexp"
	"strconv"
	"strings"
)

// streamtapeDomains are the hosts that serve Streamtape embeds.
var streamtapeDomains = []string{
	"streamtape.com",
	"streamtape.to",
	"streamtape.net",
	"streamtape.xyz",
	"streamtape.site",
}

// Streamtape splits the video link across the page: the robotlink element
// holds a protocol-relative base and a script appends the token, often
// through chained substring calls.
var (
	streamtapeTermRe      = regexp.MustCompile(`\(?\s*["']([^"']*)["']\s*\)?((?:\.substring\(\s*\d+\s*\))*)`)
	streamtapeSubstringRe = regexp.MustCompile(`\.substring\(\s*(\d+)\s*\)`)
)

// SiteStrategies run ahead of DefaultStrategies for the hosts they name.
var SiteStrategies = []Strategy{
	{
		Name:    "streamtape-script",
		Domains: streamtapeDomains,
		Pattern: regexp.MustCompile(`(?i)["']robotlink["']\)\.innerHTML\s*=\s*([^;\n]+)`),
		Decode:  decodeStreamtapeScript,
	},
	{
		Name:    "streamtape-element",
		Domains: streamtapeDomains,
		Pattern: regexp.MustCompile(`(?i)id\s*=\s*["']?robotlink["']?[^>]*>\s*([^<\s]+)\s*<`),
		Decode:  streamtapeLink,
	},
}

// decodeStreamtapeScript evaluates a concatenation of string literals,
// each optionally followed by .substring(n) calls.
func decodeStreamtapeScript(expr string) (string, bool) {
	var b strings.Builder
	for _, term := range streamtapeTermRe.FindAllStringSubmatch(expr, -1) {
		part := term[1]
		for _, call := range streamtapeSubstringRe.FindAllStringSubmatch(term[2], -1) {
			n, err := strconv.Atoi(call[1])
			if err != nil {
				return "", false
			}
			part = part[min(n, len(part)):]
		}
		b.WriteString(part)
	}
	return streamtapeLink(b.String())
}

// streamtapeLink turns the assembled link into an https URL. Anything that
// is not a get_video link is dropped.
func streamtapeLink(raw string) (string, bool) {
	raw = strings.Trim(strings.TrimSpace(raw), `'"`)
	if !strings.Contains(raw, "get_video") {
		return "", false
	}
	switch {
	case strings.HasPrefix(raw, "//"):
		raw = "https:" + raw
	case strings.HasPrefix(raw, "/"):
		raw = "https:/" + raw
	}
	return raw, true
}
