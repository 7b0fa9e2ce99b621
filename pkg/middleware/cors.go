package middleware

import (
	"net/http"
	"strings"
)

// OriginPolicy decides which browser origins may call the gateway.
type OriginPolicy struct {
	allowAny bool
	origins  map[string]bool
}

// NewOriginPolicy builds a policy from exact origins. A "*" entry allows
// every origin.
func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{origins: make(map[string]bool, len(origins))}
	for _, o := range origins {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o == "*" {
			p.allowAny = true
			continue
		}
		if o != "" {
			p.origins[o] = true
		}
	}
	return p
}

// AllowOrigin returns the Access-Control-Allow-Origin value for origin.
// Requests without an Origin header get "*"; allowed origins are echoed.
func (p *OriginPolicy) AllowOrigin(origin string) (string, bool) {
	if origin == "" {
		return "*", true
	}
	if p.allowAny || p.origins[origin] {
		return origin, true
	}
	return "", false
}

// CORS applies policy to every request. Disallowed origins get 403 and
// preflight requests are answered without reaching the router.
func CORS(policy *OriginPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			allowed, ok := policy.AllowOrigin(r.Header.Get("Origin"))
			if !ok {
				http.Error(w, "Origin not allowed by CORS", http.StatusForbidden)
				return
			}

			h.Set("Access-Control-Allow-Origin", allowed)
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Range, Content-Type, Accept")
			h.Set("Access-Control-Expose-Headers", "Content-Range, Content-Length")
			h.Set("Access-Control-Allow-Credentials", "true")

			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
