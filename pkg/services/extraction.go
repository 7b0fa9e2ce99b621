package services

import (
	"context"
	"time"

	"stream-gateway-go/pkg/cache"
	"stream-gateway-go/pkg/logging"
	"stream-gateway-go/pkg/types"
	"stream-gateway-go/pkg/urlguard"
)

// CacheStatus is reported to clients in the X-Cache header.
type CacheStatus string

const (
	CacheHit         CacheStatus = "HIT"
	CacheMiss        CacheStatus = "MISS"
	CacheRevalidated CacheStatus = "REVALIDATED"
)

const cacheKeyPrefix = "stream"

// Extractor is the extraction tier used by ExtractionService.
type Extractor interface {
	ExtractValidated(ctx context.Context, embed *urlguard.ValidatedURL) types.ExtractionResult
	IsAlive(ctx context.Context, videoURL, embedURL string) bool
}

// ExtractionService caches successful extractions and re-checks cached
// streams before serving them.
type ExtractionService struct {
	log       *logging.Logger
	validator *urlguard.Validator
	extractor Extractor
	cache     *cache.Store[types.ExtractionResult]
	timeout   time.Duration
}

// NewExtractionService creates an extraction service. timeout bounds one
// extraction; a client disconnecting does not cancel it.
func NewExtractionService(log *logging.Logger, validator *urlguard.Validator, extractor Extractor, store *cache.Store[types.ExtractionResult], timeout time.Duration) *ExtractionService {
	return &ExtractionService{
		log:       log.WithComponent("extraction-service"),
		validator: validator,
		extractor: extractor,
		cache:     store,
		timeout:   timeout,
	}
}

// Validate checks an embed URL before extraction.
func (s *ExtractionService) Validate(ctx context.Context, embedURL string) (*urlguard.ValidatedURL, error) {
	return s.validator.Validate(ctx, embedURL, urlguard.Options{Context: "extract-stream"})
}

// Extract returns the extraction result for embed and how the cache
// served it.
func (s *ExtractionService) Extract(ctx context.Context, embed *urlguard.ValidatedURL) (types.ExtractionResult, CacheStatus) {
	key := cache.Key(cacheKeyPrefix, embed.String())

	res, fromCache := s.load(ctx, key, embed)
	if !fromCache {
		return res, CacheMiss
	}

	if s.extractor.IsAlive(ctx, res.VideoURL, embed.String()) {
		return res, CacheHit
	}

	s.log.Info("cached stream is dead, re-extracting", "source", embed.Hostname)
	s.cache.Delete(key)
	res, _ = s.load(ctx, key, embed)
	return res, CacheRevalidated
}

func (s *ExtractionService) load(ctx context.Context, key string, embed *urlguard.ValidatedURL) (types.ExtractionResult, bool) {
	res, fromCache, err := s.cache.WithCache(key, func() (types.ExtractionResult, bool, error) {
		// Shared by every waiting caller.
		extractCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		r := s.extractor.ExtractValidated(extractCtx, embed)
		return r, r.Success, nil
	})
	if err != nil {
		return types.ExtractionFailure(err.Error(), embed.Hostname), false
	}
	return res, fromCache
}

// CacheStats returns the extraction cache counters.
func (s *ExtractionService) CacheStats() cache.Stats {
	return s.cache.Stats()
}
