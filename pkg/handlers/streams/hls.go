// Package streams provides stream handler implementations.
package streams

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"stream-gateway-go/pkg/fetcher"
	"stream-gateway-go/pkg/interfaces"
	"stream-gateway-go/pkg/logging"
	"stream-gateway-go/pkg/referer"
	"stream-gateway-go/pkg/types"
	"stream-gateway-go/pkg/urlguard"
	"stream-gateway-go/pkg/urlutil"
)

// PlaylistContentType is the content type of rewritten playlists.
const PlaylistContentType = "application/vnd.apple.mpegurl"

// maxPlaylistBytes caps upstream playlist bodies.
const maxPlaylistBytes = 5 << 20

var (
	playlistRe = regexp.MustCompile(`(?i)\.m3u8($|\?)`)
	uriAttrRe  = regexp.MustCompile(`URI="([^"]+)"`)
)

// PlaylistHandler fetches HLS playlists and rewrites every reference so
// the client fetches it back through the relay.
type PlaylistHandler struct {
	fetcher   *fetcher.Fetcher
	referers  *referer.Table
	relayPath string
	timeout   time.Duration
	log       *logging.Logger
}

// NewPlaylistHandler creates a playlist handler. relayPath is the public
// path of the relay endpoint, for example "/api/v1/stream-proxy".
func NewPlaylistHandler(f *fetcher.Fetcher, referers *referer.Table, relayPath string, timeout time.Duration, log *logging.Logger) *PlaylistHandler {
	return &PlaylistHandler{
		fetcher:   f,
		referers:  referers,
		relayPath: relayPath,
		timeout:   timeout,
		log:       log.WithComponent("playlist-handler"),
	}
}

// Type returns the stream type.
func (h *PlaylistHandler) Type() types.StreamType {
	return types.StreamTypeHLS
}

// CanHandle reports whether key, a URL path plus query, names a playlist.
func (h *PlaylistHandler) CanHandle(key string) bool {
	return playlistRe.MatchString(key)
}

// Relay fetches the playlist and returns it rewritten.
func (h *PlaylistHandler) Relay(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	target := validatedTarget(req)
	res, err := h.fetcher.FetchValidated(ctx, fetcher.RequestSpec{
		Method:    http.MethodGet,
		URL:       target.String(),
		Validated: target,
		Headers:   h.referers.MediaHeaders(req.Host),
		Timeout:   h.timeout,
	}, urlguard.Options{Context: "stream-proxy.m3u8"})
	if err != nil {
		return nil, err
	}

	body, err := fetcher.ReadBody(res.Response, maxPlaylistBytes)
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}

	rewritten := RewritePlaylist(body, res.FinalURL.String(), h.relayPath)
	h.log.Debug("playlist rewritten",
		"url", logging.RedactURL(res.FinalURL.String()),
		"hops", res.Hops,
		"bytes", len(rewritten),
	)

	return &types.StreamResponse{
		ContentType: PlaylistContentType,
		Body:        io.NopCloser(bytes.NewReader(rewritten)),
		StatusCode:  http.StatusOK,
		Headers: map[string]string{
			"Cache-Control":  "no-cache, no-store",
			"Content-Length": strconv.Itoa(len(rewritten)),
		},
	}, nil
}

var utf8BOM = []byte("\ufeff")

// RewritePlaylist rewrites URI attributes in tag lines and every URI line
// of playlist to relay URLs. References are resolved against the
// directory of finalURL. A leading byte order mark is dropped; line
// endings and all other bytes are kept.
func RewritePlaylist(playlist []byte, finalURL, relayPath string) []byte {
	playlist = bytes.TrimPrefix(playlist, utf8BOM)
	base := urlutil.BaseDirectory(finalURL)
	var out bytes.Buffer
	out.Grow(len(playlist) + len(playlist)/2)

	for _, line := range strings.SplitAfter(string(playlist), "\n") {
		content, ending := splitLineEnding(line)
		trimmed := strings.TrimSpace(content)
		switch {
		case trimmed == "":
			out.WriteString(content)
		case strings.HasPrefix(trimmed, "#"):
			out.WriteString(rewriteURIAttrs(content, base, relayPath))
		default:
			out.WriteString(relayURL(trimmed, base, relayPath, content))
		}
		out.WriteString(ending)
	}
	return out.Bytes()
}

func splitLineEnding(line string) (content, ending string) {
	switch {
	case strings.HasSuffix(line, "\r\n"):
		return line[:len(line)-2], "\r\n"
	case strings.HasSuffix(line, "\n"):
		return line[:len(line)-1], "\n"
	}
	return line, ""
}

// rewriteURIAttrs rewrites every URI="..." attribute in a tag line, for
// example in #EXT-X-KEY, #EXT-X-MAP and #EXT-X-MEDIA.
func rewriteURIAttrs(tag, base, relayPath string) string {
	if !strings.Contains(tag, `URI="`) {
		return tag
	}
	return uriAttrRe.ReplaceAllStringFunc(tag, func(attr string) string {
		uri := attr[len(`URI="`) : len(attr)-1]
		return `URI="` + relayURL(uri, base, relayPath, uri) + `"`
	})
}

// relayURL returns the relay form of ref, or unchanged when ref does not
// resolve to an http(s) URL.
func relayURL(ref, base, relayPath, unchanged string) string {
	abs := urlutil.ResolveURL(ref, base)
	if !urlutil.IsHTTP(abs) {
		return unchanged
	}
	return relayPath + "?url=" + url.QueryEscape(abs)
}

// validatedTarget rebuilds the validation result carried by req.
func validatedTarget(req *types.StreamRequest) *urlguard.ValidatedURL {
	return &urlguard.ValidatedURL{URL: req.URL, Hostname: req.Host, Addrs: req.Addrs}
}

// Ensure PlaylistHandler implements StreamHandler.
var _ interfaces.StreamHandler = (*PlaylistHandler)(nil)
