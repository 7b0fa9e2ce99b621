// Package types defines core domain types used throughout the application.
package types

import (
	"io"
	"net/netip"
	"net/url"
)

// StreamType identifies the type of stream being handled.
type StreamType string

const (
	StreamTypeHLS     StreamType = "hls"
	StreamTypeSegment StreamType = "segment"
)

// StreamRequest is a relay request for an already validated upstream URL.
type StreamRequest struct {
	URL   *url.URL
	Host  string       // validated hostname
	Addrs []netip.Addr // addresses the host resolved to at validation time
	Range string       // client Range header, forwarded to segment fetches
}

// StreamResponse represents the result of stream processing.
type StreamResponse struct {
	ContentType string
	Headers     map[string]string
	Body        io.ReadCloser
	StatusCode  int
}

// MediaKind is the container kind of an extracted stream.
type MediaKind string

const (
	MediaKindHLS MediaKind = "hls"
	MediaKindMP4 MediaKind = "mp4"
)

// ExtractionMethod records which tier found the stream.
type ExtractionMethod string

const (
	MethodRegex   ExtractionMethod = "regex"
	MethodSolver  ExtractionMethod = "solver"
	MethodBrowser ExtractionMethod = "browser"
)

// ExtractionResult is the outcome of stream extraction. Failures carry
// Error and leave the stream fields empty.
type ExtractionResult struct {
	Success  bool             `json:"success"`
	VideoURL string           `json:"videoUrl,omitempty"`
	Kind     MediaKind        `json:"type,omitempty"`
	Source   string           `json:"source"`
	Method   ExtractionMethod `json:"method,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// ExtractionSuccess builds a successful result.
func ExtractionSuccess(videoURL string, kind MediaKind, source string, method ExtractionMethod) ExtractionResult {
	return ExtractionResult{
		Success:  true,
		VideoURL: videoURL,
		Kind:     kind,
		Source:   source,
		Method:   method,
	}
}

// ExtractionFailure builds a failed result.
func ExtractionFailure(reason, source string) ExtractionResult {
	return ExtractionResult{Success: false, Error: reason, Source: source}
}
