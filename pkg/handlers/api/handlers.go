// Package api provides HTTP handlers for the gateway API.
package api

import (
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"stream-gateway-go/pkg/appctx"
	"stream-gateway-go/pkg/logging"
	"stream-gateway-go/pkg/types"
	"stream-gateway-go/pkg/urlguard"
)

// Version is reported by /api/info.
const Version = "1.0.0"

// streamChunkSize is the copy buffer for relayed bodies. Each chunk is
// flushed to the client.
const streamChunkSize = 32 << 10

var playerTemplate = template.Must(template.New("player").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="referrer" content="no-referrer">
  <style>
    * { margin: 0; padding: 0; box-sizing: border-box; }
    html, body { width: 100%; height: 100%; background: #000; overflow: hidden; }
    iframe { width: 100%; height: 100%; border: none; }
  </style>
</head>
<body>
  <iframe src="{{.}}"
    allowfullscreen
    allow="autoplay; fullscreen; encrypted-media; picture-in-picture"
    referrerpolicy="no-referrer"
  ></iframe>
</body>
</html>
`))

// Handlers contains all API handlers.
type Handlers struct {
	ctx       *appctx.Context
	log       *logging.Logger
	playerCSP string
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(ctx *appctx.Context) *Handlers {
	return &Handlers{
		ctx:       ctx,
		log:       ctx.Log.WithComponent("api"),
		playerCSP: playerPolicy(ctx.Config.PlayerFrameAncestors, ctx.Config.AllowedOrigins()),
	}
}

// RelayPath returns the public path of the stream relay for prefix.
func RelayPath(prefix string) string {
	return prefix + "/stream-proxy"
}

// RegisterRoutes registers all API routes. OPTIONS requests are answered
// by the CORS middleware.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	prefix := h.ctx.Config.APIPrefix

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /api/info", h.handleAPIInfo)

	mux.HandleFunc("GET "+RelayPath(prefix), h.handleStreamProxy)
	mux.HandleFunc("GET "+prefix+"/extract-stream", h.handleExtractStream)
	mux.HandleFunc("GET "+prefix+"/player-proxy", h.handlePlayerProxy)
}

// handleHealth is the liveness probe.
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIInfo returns server status as JSON.
func (h *Handlers) handleAPIInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"status":           "running",
		"version":          Version,
		"uptimeSeconds":    int64(time.Since(h.ctx.StartedAt).Seconds()),
		"browserAvailable": h.ctx.BrowserAvailable,
	}
	if h.ctx.Validator != nil {
		info["allowlistSize"] = h.ctx.Validator.Allowlist().Len()
	}
	if h.ctx.Extraction != nil {
		info["cache"] = h.ctx.Extraction.CacheStats()
	}
	h.writeJSON(w, http.StatusOK, info)
}

// handleStreamProxy relays a playlist or segment. Any error before the
// first byte is written maps to a status code; after that the connection
// is aborted.
func (h *Handlers) handleStreamProxy(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "Missing url", http.StatusBadRequest)
		return
	}

	req, err := h.ctx.Relay.Resolve(r.Context(), target, r.Header.Get("Range"))
	if err != nil {
		log.WithError(err).Warn("stream target rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.ctx.Relay.Relay(r.Context(), req)
	if err != nil {
		if errors.Is(err, urlguard.ErrBlocked) {
			log.WithError(err).Warn("upstream redirect rejected", "url", logging.RedactURL(req.URL.String()))
		} else {
			log.WithError(err).Error("stream relay failed", "url", logging.RedactURL(req.URL.String()))
		}
		http.Error(w, "Upstream error: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	h.writeStreamHeaders(w, resp)
	if r.Method == http.MethodHead {
		return
	}
	copyStream(w, r, resp.Body, log)
}

// handleExtractStream resolves an embed page to its stream URL.
func (h *Handlers) handleExtractStream(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		h.writeJSON(w, http.StatusBadRequest, types.ExtractionFailure("Missing url", ""))
		return
	}

	embed, err := h.ctx.Extraction.Validate(r.Context(), raw)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("embed url rejected")
		h.writeJSON(w, http.StatusBadRequest, types.ExtractionFailure(err.Error(), ""))
		return
	}

	result, status := h.ctx.Extraction.Extract(r.Context(), embed)
	w.Header().Set("X-Cache", string(status))
	if !result.Success {
		logging.FromContext(r.Context()).Warn("extraction failed",
			"source", result.Source,
			"error", result.Error,
		)
		h.writeJSON(w, http.StatusBadGateway, result)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// handlePlayerProxy serves an embeddable page that frames the player with
// no referrer.
func (h *Handlers) handlePlayerProxy(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		http.Error(w, "Missing url parameter", http.StatusBadRequest)
		return
	}

	v, err := h.ctx.Validator.Validate(r.Context(), raw, urlguard.Options{Context: "player-proxy"})
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("player url rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Del("X-Frame-Options")
	w.Header().Set("Content-Security-Policy", h.playerCSP)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := playerTemplate.Execute(w, v.String()); err != nil {
		h.log.WithError(err).Error("render player page")
	}
}

// playerPolicy builds the player page CSP. Frame ancestors default to the
// allowed CORS origins.
func playerPolicy(ancestors, allowedOrigins []string) string {
	if len(ancestors) == 0 {
		ancestors = allowedOrigins
	}
	list := []string{"'self'"}
	seen := map[string]bool{}
	for _, a := range ancestors {
		if a == "*" || seen[a] {
			continue
		}
		seen[a] = true
		list = append(list, a)
	}
	return "default-src 'none'; style-src 'unsafe-inline'; frame-src https: http:; frame-ancestors " +
		strings.Join(list, " ") + "; base-uri 'none'; form-action 'none'"
}

// copyStream copies body to w in chunks, flushing each one. A read error
// after the headers went out aborts the connection.
func copyStream(w http.ResponseWriter, r *http.Request, body io.Reader, log *logging.Logger) {
	rc := http.NewResponseController(w)
	buf := make([]byte, streamChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			_ = rc.Flush()
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			log.WithError(err).Error("stream pipe error")
			panic(http.ErrAbortHandler)
		}
	}
}

// Helper methods

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.WithError(err).Debug("write json response")
	}
}

func (h *Handlers) writeStreamHeaders(w http.ResponseWriter, resp *types.StreamResponse) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
}
