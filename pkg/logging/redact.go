package logging

import (
	"net/url"
	"sort"
	"strings"
)

// Redacted replaces the value of sensitive query parameters.
const Redacted = "[redacted]"

var sensitiveParams = map[string]bool{
	"url":       true,
	"token":     true,
	"sig":       true,
	"signature": true,
	"auth":      true,
	"expires":   true,
	"key":       true,
}

// RedactURL reduces a URL to scheme, host and path; the query is dropped.
// Unparseable input is replaced wholesale.
func RedactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Redacted
	}
	return u.Scheme + "://" + u.Host + u.EscapedPath()
}

// SanitizeRequestURI keeps the path and query of an inbound request URI
// but replaces sensitive parameter values.
func SanitizeRequestURI(uri string) string {
	path, rawQuery, found := strings.Cut(uri, "?")
	if !found || rawQuery == "" {
		return path
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return path + "?" + Redacted
	}

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			if sensitiveParams[strings.ToLower(k)] {
				b.WriteString(Redacted)
			} else {
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	return path + "?" + b.String()
}
