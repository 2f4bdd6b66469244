package did

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/R3E-Network/payment_layer/pkg/logger"
)

// upstreamTimeout bounds one collapsed upstream resolution. The flight runs
// detached from any single caller's context, so a cancelled caller cannot
// poison the result for the others sharing the flight.
const upstreamTimeout = 10 * time.Second

// CachingResolver fronts an upstream resolver with a DocumentCache.
// Concurrent misses for the same identity are collapsed into a single
// upstream call. Confirmed-absent identities are cached negatively so
// repeated lookups stay off the network; transient upstream failures are
// never cached.
type CachingResolver struct {
	upstream Resolver
	cache    DocumentCache
	group    singleflight.Group
	log      *logger.Logger

	hits      atomic.Uint64
	negatives atomic.Uint64
	misses    atomic.Uint64
	upstreams atomic.Uint64
}

// NewCachingResolver wires a cache in front of an upstream resolver.
func NewCachingResolver(upstream Resolver, cache DocumentCache, log *logger.Logger) *CachingResolver {
	if cache == nil {
		cache = NewMemoryCache(MemoryCacheConfig{})
	}
	if log == nil {
		log = logger.NewDefault("did-resolver")
	}
	return &CachingResolver{upstream: upstream, cache: cache, log: log}
}

// Resolve returns the document for the identity, consulting the cache first.
func (r *CachingResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	if doc, state := r.cache.Get(did); state != CacheMiss {
		if state == CacheNegative {
			r.negatives.Add(1)
			return nil, ErrNotFound
		}
		r.hits.Add(1)
		return doc, nil
	}
	r.misses.Add(1)

	type result struct {
		doc *Document
	}
	ch := r.group.DoChan(did, func() (interface{}, error) {
		r.upstreams.Add(1)
		flightCtx, cancel := context.WithTimeout(context.Background(), upstreamTimeout)
		defer cancel()
		doc, err := r.upstream.Resolve(flightCtx, did)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				r.cache.PutNegative(did)
			}
			return nil, err
		}
		r.cache.Put(did, doc)
		return result{doc: doc}, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(result).doc, nil
	}
}

// Invalidate evicts one identity so the next lookup refetches it.
func (r *CachingResolver) Invalidate(did string) {
	r.cache.Delete(did)
	r.log.WithField("did", did).Info("cache entry invalidated")
}

// InvalidateAll empties the cache.
func (r *CachingResolver) InvalidateAll() {
	r.cache.Clear()
	r.log.Info("cache cleared")
}

// Stats is a snapshot of resolver cache effectiveness.
type Stats struct {
	Hits          uint64
	NegativeHits  uint64
	Misses        uint64
	UpstreamCalls uint64
}

// Stats returns cumulative lookup counters.
func (r *CachingResolver) Stats() Stats {
	return Stats{
		Hits:          r.hits.Load(),
		NegativeHits:  r.negatives.Load(),
		Misses:        r.misses.Load(),
		UpstreamCalls: r.upstreams.Load(),
	}
}

var _ Resolver = (*CachingResolver)(nil)
