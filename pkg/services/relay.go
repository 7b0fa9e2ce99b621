// Package services holds the request-level orchestration shared by the
// HTTP handlers: relaying validated streams and cached extraction.
package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"stream-gateway-go/pkg/logging"
	"stream-gateway-go/pkg/registry"
	"stream-gateway-go/pkg/types"
	"stream-gateway-go/pkg/urlguard"
	"stream-gateway-go/pkg/urlutil"
)

// RelayService validates relay targets and hands them to the matching
// stream handler.
type RelayService struct {
	log       *logging.Logger
	validator *urlguard.Validator
	handlers  *registry.StreamHandlerRegistry
}

// NewRelayService creates a relay service.
func NewRelayService(log *logging.Logger, validator *urlguard.Validator, handlers *registry.StreamHandlerRegistry) *RelayService {
	return &RelayService{
		log:       log.WithComponent("relay-service"),
		validator: validator,
		handlers:  handlers,
	}
}

// Resolve decodes and validates a client-supplied target. Validation
// failures match urlguard.ErrBlocked.
func (s *RelayService) Resolve(ctx context.Context, rawTarget, rangeHeader string) (*types.StreamRequest, error) {
	v, err := s.validator.Validate(ctx, decodeURL(rawTarget), urlguard.Options{Context: "stream-proxy"})
	if err != nil {
		return nil, err
	}
	return &types.StreamRequest{
		URL:   v.URL,
		Host:  v.Hostname,
		Addrs: v.Addrs,
		Range: rangeHeader,
	}, nil
}

// Relay opens the upstream resource for a resolved request. The caller
// closes the returned body.
func (s *RelayService) Relay(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	handler := s.handlers.Select(req.URL)
	if handler == nil {
		return nil, fmt.Errorf("no handler for %s", logging.RedactURL(req.URL.String()))
	}

	s.log.Debug("relaying", "type", handler.Type(), "url", logging.RedactURL(req.URL.String()))

	return handler.Relay(ctx, req)
}

// decodeURL accepts plain targets as well as base64 and base64url encoded
// ones, with or without padding.
func decodeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || urlutil.IsHTTP(raw) {
		return raw
	}

	padded := raw
	switch len(raw) % 4 {
	case 2:
		padded += "=="
	case 3:
		padded += "="
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding} {
		if decoded, err := enc.DecodeString(padded); err == nil && urlutil.IsHTTP(string(decoded)) {
			return string(decoded)
		}
	}
	return raw
}
