package did

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCachingResolverCachesDocuments(t *testing.T) {
	var calls atomic.Int32
	upstream := ResolverFunc(func(ctx context.Context, id string) (*Document, error) {
		calls.Add(1)
		return doc(id), nil
	})
	r := NewCachingResolver(upstream, NewMemoryCache(MemoryCacheConfig{}), nil)

	for i := 0; i < 3; i++ {
		d, err := r.Resolve(context.Background(), "did:neo:alice")
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if d.ID != "did:neo:alice" {
			t.Fatalf("wrong document %+v", d)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream called %d times, want 1", got)
	}

	stats := r.Stats()
	if stats.Hits != 2 || stats.Misses != 1 || stats.UpstreamCalls != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCachingResolverNegativeCaching(t *testing.T) {
	var calls atomic.Int32
	upstream := ResolverFunc(func(ctx context.Context, id string) (*Document, error) {
		calls.Add(1)
		return nil, ErrNotFound
	})
	r := NewCachingResolver(upstream, NewMemoryCache(MemoryCacheConfig{}), nil)

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background(), "did:neo:ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("resolve %d: expected ErrNotFound, got %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("confirmed absence should be cached; upstream called %d times", got)
	}
	if r.Stats().NegativeHits != 2 {
		t.Fatalf("unexpected stats %+v", r.Stats())
	}
}

func TestCachingResolverDoesNotCacheTransientFailures(t *testing.T) {
	var calls atomic.Int32
	upstream := ResolverFunc(func(ctx context.Context, id string) (*Document, error) {
		calls.Add(1)
		return nil, fmt.Errorf("upstream unreachable")
	})
	r := NewCachingResolver(upstream, NewMemoryCache(MemoryCacheConfig{}), nil)

	for i := 0; i < 2; i++ {
		if _, err := r.Resolve(context.Background(), "did:neo:alice"); err == nil {
			t.Fatal("expected error")
		}
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("transient failures must not be cached; upstream called %d times", got)
	}
}

func TestCachingResolverCollapsesConcurrentMisses(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	upstream := ResolverFunc(func(ctx context.Context, id string) (*Document, error) {
		calls.Add(1)
		<-release
		return doc(id), nil
	})
	r := NewCachingResolver(upstream, NewMemoryCache(MemoryCacheConfig{}), nil)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Resolve(context.Background(), "did:neo:alice")
		}(i)
	}

	// Give every worker a chance to reach the resolver before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream called %d times under concurrent misses, want 1", got)
	}
}

func TestCachingResolverSurvivesFirstCallerCancellation(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	upstream := ResolverFunc(func(ctx context.Context, id string) (*Document, error) {
		calls.Add(1)
		close(entered)
		select {
		case <-release:
			return doc(id), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	r := NewCachingResolver(upstream, NewMemoryCache(MemoryCacheConfig{}), nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(firstCtx, "did:neo:alice")
		firstErr <- err
	}()
	<-entered

	// A second caller joins the in-flight resolution, then the first caller
	// gives up. The shared upstream call must not inherit that cancellation.
	secondErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), "did:neo:alice")
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelFirst()

	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller: expected context.Canceled, got %v", err)
	}

	close(release)
	if err := <-secondErr; err != nil {
		t.Fatalf("second caller failed after unrelated cancellation: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream called %d times, want 1", got)
	}
}

func TestCachingResolverInvalidate(t *testing.T) {
	var calls atomic.Int32
	upstream := ResolverFunc(func(ctx context.Context, id string) (*Document, error) {
		calls.Add(1)
		return doc(id), nil
	})
	r := NewCachingResolver(upstream, NewMemoryCache(MemoryCacheConfig{}), nil)

	if _, err := r.Resolve(context.Background(), "did:neo:alice"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	r.Invalidate("did:neo:alice")
	if _, err := r.Resolve(context.Background(), "did:neo:alice"); err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("invalidate did not evict; upstream called %d times", got)
	}
}
