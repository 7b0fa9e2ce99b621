// Package urlutil resolves playlist references without re-encoding them.
package urlutil

import (
	"strings"
)

// ResolveURL resolves ref against the directory of base using string
// operations. url.ResolveReference re-encodes characters such as
// parentheses and brackets, which breaks signed CDN paths. Dot segments
// are removed from the resulting path.
func ResolveURL(ref, base string) string {
	var joined string
	scheme, authority := splitOrigin(base)
	switch {
	case HasScheme(ref):
		joined = ref
	case strings.HasPrefix(ref, "//"):
		joined = scheme + ":" + ref
	case strings.HasPrefix(ref, "/"):
		joined = scheme + "://" + authority + ref
	default:
		joined = BaseDirectory(base) + ref
	}
	return cleanPath(joined)
}

// cleanPath removes dot segments from the path of an absolute URL,
// leaving the query and fragment untouched.
func cleanPath(u string) string {
	i := strings.Index(u, "://")
	if i < 0 {
		return u
	}
	j := strings.IndexByte(u[i+3:], '/')
	if j < 0 {
		return u
	}
	start := i + 3 + j
	end := len(u)
	if k := strings.IndexAny(u[start:], "?#"); k >= 0 {
		end = start + k
	}
	return u[:start] + removeDotSegments(u[start:end]) + u[end:]
}

// removeDotSegments applies RFC 3986 section 5.2.4 to a path starting
// with a slash.
func removeDotSegments(path string) string {
	if !strings.Contains(path, ".") {
		return path
	}
	segments := strings.Split(path[1:], "/")
	out := make([]string, 0, len(segments))
	for i, seg := range segments {
		last := i == len(segments)-1
		switch seg {
		case ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
			continue
		}
		if last {
			out = append(out, "")
		}
	}
	return "/" + strings.Join(out, "/")
}

// BaseDirectory returns base up to and including the last slash of its
// path, without query or fragment.
func BaseDirectory(base string) string {
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	scheme, authority := splitOrigin(base)
	root := scheme + "://" + authority
	if len(base) <= len(root) {
		return root + "/"
	}
	return base[:strings.LastIndex(base, "/")+1]
}

// HasScheme reports whether ref starts with an RFC 3986 scheme.
func HasScheme(ref string) bool {
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		switch {
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		case c == ':' && i > 0:
			return true
		default:
			return false
		}
	}
	return false
}

// IsHTTP reports whether ref is an absolute http or https URL.
func IsHTTP(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// splitOrigin returns the scheme and authority of an absolute URL.
func splitOrigin(u string) (scheme, authority string) {
	i := strings.Index(u, "://")
	if i < 0 {
		return "", ""
	}
	scheme = u[:i]
	rest := u[i+3:]
	if j := strings.IndexAny(rest, "/?#"); j >= 0 {
		rest = rest[:j]
	}
	return scheme, rest
}
