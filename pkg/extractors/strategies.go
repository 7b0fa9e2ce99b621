package extractors

import (
	"encoding/base64"
	"encoding/json"
	"html"
	"regexp"
	"strings"
)

// minCandidateLen filters out short false positives such as "http://a".
const minCandidateLen = 15

// maxMatchesPerStrategy bounds how many matches one strategy yields.
const maxMatchesPerStrategy = 16

// Strategy finds stream URL candidates in a page body.
type Strategy struct {
	Name    string
	Pattern *regexp.Regexp
	// Decode turns the captured group into a URL. Nil means identity.
	// Returning false drops the match.
	Decode func(raw string) (string, bool)
	// Domains limits the strategy to embeds served from these hosts or
	// their subdomains. Empty applies everywhere.
	Domains []string
}

// AppliesTo reports whether the strategy runs for an embed on host.
func (s Strategy) AppliesTo(host string) bool {
	if len(s.Domains) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, d := range s.Domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Find returns the accepted candidates in the order they appear.
func (s Strategy) Find(body string) []string {
	matches := s.Pattern.FindAllStringSubmatch(body, maxMatchesPerStrategy)
	var out []string
	for _, m := range matches {
		if len(m) < 2 {
			continue
		}
		raw := strings.TrimSpace(m[1])
		if s.Decode != nil {
			decoded, ok := s.Decode(raw)
			if !ok {
				continue
			}
			raw = decoded
		}
		if c, ok := cleanCandidate(raw); ok {
			out = append(out, c)
		}
	}
	return out
}

// quote is the class of characters that delimit string literals in
// scripts and attributes.
const quote = "[\"'`]"

const notQuote = "[^\"'`\\s]"

// DefaultStrategies is ordered by confidence. The first accepted candidate
// across all strategies wins.
var DefaultStrategies = []Strategy{
	{
		Name:    "quoted-m3u8",
		Pattern: regexp.MustCompile(`(?i)` + quote + `(https?://` + notQuote + `+\.m3u8` + notQuote + `*)` + quote),
	},
	{
		Name:    "quoted-mp4",
		Pattern: regexp.MustCompile(`(?i)` + quote + `(https?://` + notQuote + `+\.mp4` + notQuote + `*)` + quote),
	},
	{
		Name:    "player-file",
		Pattern: regexp.MustCompile(`(?i)(?:file|src)\s*:\s*["'](https?://[^"']+?(?:\.m3u8|\.mp4)[^"']*)["']`),
	},
	{
		Name:    "sources-array",
		Pattern: regexp.MustCompile(`(?is)sources\s*[=:]\s*\[\s*\{[^}]*?(?:file|src)\s*:\s*["'](https?://[^"']+)["']`),
	},
	{
		Name:    "data-attribute",
		Pattern: regexp.MustCompile(`(?i)data-(?:url|src|file)=["'](https?://[^"']+)["']`),
	},
	{
		Name:    "vjs-jwx-data",
		Pattern: regexp.MustCompile(`(?is)vjsJwxData\s*=\s*[^;]*?sources.*?file\s*:\s*["'](https?://[^"']+)["']`),
	},
	{
		Name:    "playerjs",
		Pattern: regexp.MustCompile(`(?i)Playerjs\(["'](.+?)["']\)`),
	},
	{
		Name:    "setup-object",
		Pattern: regexp.MustCompile(`(?is)setup\(\s*\{[^}]*?(?:file|source|src)\s*:\s*["'](https?://[^"']+)["']`),
	},
	{
		Name:    "atob",
		Pattern: regexp.MustCompile(`(?i)atob\(["']([A-Za-z0-9+/=]+)["']\)`),
		Decode:  decodeBase64,
	},
	{
		Name:    "json-parse",
		Pattern: regexp.MustCompile(`(?i)JSON\.parse\(["'](.+?)["']\)`),
		Decode:  decodeJSONSource,
	},
	{
		Name:    "bare-m3u8",
		Pattern: regexp.MustCompile(`(?i)(https?://[^\s"'<>]+/[^\s"'<>]+\.m3u8(?:\?[^\s"'<>]*)?)`),
	},
}

func decodeBase64(raw string) (string, bool) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		if b, err := enc.DecodeString(raw); err == nil {
			return string(b), true
		}
	}
	return "", false
}

// decodeJSONSource reads the first of file, src, url or source from a
// JSON object literal.
func decodeJSONSource(raw string) (string, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.ReplaceAll(raw, `\"`, `"`)), &obj); err != nil {
		return "", false
	}
	for _, k := range []string{"file", "src", "url", "source"} {
		if s, ok := obj[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func cleanCandidate(raw string) (string, bool) {
	c := strings.TrimSpace(html.UnescapeString(raw))
	if len(c) < minCandidateLen {
		return "", false
	}
	if !strings.HasPrefix(strings.ToLower(c), "http") {
		return "", false
	}
	return c, true
}

// buildCorpus appends unpacked scripts and a copy with JSON-escaped
// slashes removed, so strategies see every form the URL may take.
func buildCorpus(page string) string {
	var b strings.Builder
	b.WriteString(page)
	for _, script := range unpackAll(page) {
		b.WriteString("\n")
		b.WriteString(script)
	}
	out := b.String()
	if strings.Contains(out, `\/`) {
		out += "\n" + strings.ReplaceAll(out, `\/`, `/`)
	}
	return out
}
