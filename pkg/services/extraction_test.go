package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"stream-gateway-go/pkg/cache"
	"stream-gateway-go/pkg/logging"
	"stream-gateway-go/pkg/types"
	"stream-gateway-go/pkg/urlguard"
)

type fakeExtractor struct {
	results []types.ExtractionResult
	calls   int32
	alive   bool
}

func (f *fakeExtractor) ExtractValidated(_ context.Context, embed *urlguard.ValidatedURL) types.ExtractionResult {
	n := atomic.AddInt32(&f.calls, 1)
	if int(n) > len(f.results) {
		return types.ExtractionFailure("exhausted", embed.Hostname)
	}
	return f.results[n-1]
}

func (f *fakeExtractor) IsAlive(context.Context, string, string) bool { return f.alive }

func newTestExtraction(t *testing.T, ex *fakeExtractor) (*ExtractionService, *urlguard.ValidatedURL) {
	t.Helper()
	store, err := cache.New[types.ExtractionResult](10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(store.Close)
	v := newTestValidator(t)
	s := NewExtractionService(logging.Discard(), v, ex, store, time.Second)
	embed, err := s.Validate(context.Background(), "https://embed.example/e/1")
	if err != nil {
		t.Fatal(err)
	}
	return s, embed
}

func TestExtractionService_MissThenHit(t *testing.T) {
	ok := types.ExtractionSuccess("https://cdn.example/a.m3u8", types.MediaKindHLS, "embed.example", types.MethodRegex)
	ex := &fakeExtractor{results: []types.ExtractionResult{ok}, alive: true}
	s, embed := newTestExtraction(t, ex)
	ctx := context.Background()

	if res, status := s.Extract(ctx, embed); status != CacheMiss || res != ok {
		t.Fatalf("first Extract() = %+v, %s", res, status)
	}
	if res, status := s.Extract(ctx, embed); status != CacheHit || res != ok {
		t.Fatalf("second Extract() = %+v, %s", res, status)
	}
	if ex.calls != 1 {
		t.Errorf("extractor called %d times, want 1", ex.calls)
	}
}

func TestExtractionService_FailuresNotCached(t *testing.T) {
	fail := types.ExtractionFailure("Stream URL not found in embed page", "embed.example")
	ex := &fakeExtractor{results: []types.ExtractionResult{fail, fail}}
	s, embed := newTestExtraction(t, ex)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res, status := s.Extract(ctx, embed); status != CacheMiss || res.Success {
			t.Fatalf("Extract() #%d = %+v, %s", i, res, status)
		}
	}
	if ex.calls != 2 {
		t.Errorf("extractor called %d times, want 2", ex.calls)
	}
}

func TestExtractionService_RevalidatesDeadStream(t *testing.T) {
	stale := types.ExtractionSuccess("https://cdn.example/old.m3u8", types.MediaKindHLS, "embed.example", types.MethodRegex)
	fresh := types.ExtractionSuccess("https://cdn.example/new.m3u8", types.MediaKindHLS, "embed.example", types.MethodRegex)
	ex := &fakeExtractor{results: []types.ExtractionResult{stale, fresh}, alive: false}
	s, embed := newTestExtraction(t, ex)
	ctx := context.Background()

	s.Extract(ctx, embed)
	res, status := s.Extract(ctx, embed)
	if status != CacheRevalidated || res != fresh {
		t.Fatalf("Extract() = %+v, %s; want fresh REVALIDATED", res, status)
	}
	if st := s.CacheStats(); st.Size != 1 {
		t.Errorf("cache size = %d, want 1", st.Size)
	}
}
