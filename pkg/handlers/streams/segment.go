package streams

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"

	"stream-gateway-go/pkg/fetcher"
	"stream-gateway-go/pkg/interfaces"
	"stream-gateway-go/pkg/logging"
	"stream-gateway-go/pkg/referer"
	"stream-gateway-go/pkg/types"
	"stream-gateway-go/pkg/urlguard"
)

const segmentCacheControl = "public, max-age=600, s-maxage=600"

// segmentTypes maps media extensions to content types.
var segmentTypes = map[string]string{
	".ts":   "video/mp2t",
	".mp4":  "video/mp4",
	".m4s":  "video/iso.segment",
	".m4v":  "video/x-m4v",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".mp3":  "audio/mpeg",
}

// SegmentHandler streams media segments and progressive files through.
// It is the registry fallback and accepts any URL.
type SegmentHandler struct {
	fetcher  *fetcher.Fetcher
	referers *referer.Table
	timeout  time.Duration
	log      *logging.Logger
}

// NewSegmentHandler creates a segment handler. timeout bounds the wait for
// upstream response headers only.
func NewSegmentHandler(f *fetcher.Fetcher, referers *referer.Table, timeout time.Duration, log *logging.Logger) *SegmentHandler {
	return &SegmentHandler{
		fetcher:  f,
		referers: referers,
		timeout:  timeout,
		log:      log.WithComponent("segment-handler"),
	}
}

// Type returns the stream type.
func (h *SegmentHandler) Type() types.StreamType {
	return types.StreamTypeSegment
}

// CanHandle accepts everything.
func (h *SegmentHandler) CanHandle(string) bool {
	return true
}

// Relay opens the upstream segment. The returned body streams from the
// upstream connection and must be closed by the caller.
func (h *SegmentHandler) Relay(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	headers := h.referers.MediaHeaders(req.Host)
	// Raw bytes must reach the client unchanged.
	headers.Set("Accept-Encoding", "identity")
	if req.Range != "" {
		headers.Set("Range", req.Range)
	}

	target := validatedTarget(req)
	res, err := h.fetcher.FetchValidated(ctx, fetcher.RequestSpec{
		Method:       http.MethodGet,
		URL:          target.String(),
		Validated:    target,
		Headers:      headers,
		Timeout:      h.timeout,
		Stream:       true,
		AcceptStatus: func(s int) bool { return s == http.StatusOK || s == http.StatusPartialContent },
	}, urlguard.Options{Context: "stream-proxy.segment"})
	if err != nil {
		return nil, err
	}
	resp := res.Response

	out := map[string]string{
		"Cache-Control": segmentCacheControl,
		"Accept-Ranges": "bytes",
	}
	for _, k := range []string{"Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(k); v != "" {
			out[k] = v
		}
	}

	h.log.Debug("segment opened",
		"url", logging.RedactURL(res.FinalURL.String()),
		"status", resp.StatusCode,
		"range", req.Range,
	)

	return &types.StreamResponse{
		ContentType: segmentContentType(resp.Header.Get("Content-Type"), res.FinalURL.URL.Path),
		Body:        resp.Body,
		StatusCode:  resp.StatusCode,
		Headers:     out,
	}, nil
}

// segmentContentType keeps the upstream type unless it is missing or one
// that CDNs use to disguise media, in which case it is inferred from the
// path extension.
func segmentContentType(upstream, urlPath string) string {
	lower := strings.ToLower(upstream)
	if lower != "" &&
		!strings.HasPrefix(lower, "image/") &&
		!strings.Contains(lower, "octet-stream") &&
		!strings.HasPrefix(lower, "text/plain") &&
		!strings.HasPrefix(lower, "text/html") {
		return upstream
	}
	if ct, ok := segmentTypes[strings.ToLower(path.Ext(urlPath))]; ok {
		return ct
	}
	return "video/mp2t"
}

var _ interfaces.StreamHandler = (*SegmentHandler)(nil)
