// Package assets implements versioned static-asset caching. A group serves
// hash-pinned URLs from an immutable per-version cache and pattern-matched
// unhashed URLs under HTTP freshness rules, with stale responses served
// immediately and revalidated in the background.
package assets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/o-tero/swproxy/adapter"
	"github.com/o-tero/swproxy/db"
	"github.com/o-tero/swproxy/idle"
	"github.com/o-tero/swproxy/manifest"
	"github.com/o-tero/swproxy/metrics"
	"github.com/o-tero/swproxy/pkg/patterns"
)

// ErrHashMismatch reports that an asset body failed verification against the
// manifest hash table even after a cache-busted retry.
var ErrHashMismatch = errors.New("assets: content hash mismatch")

// Metadata is the per-URL record kept for unhashed resources, used to apply
// freshness rules. Ts is the epoch-millisecond time of the last cache write.
type Metadata struct {
	Ts int64 `json:"ts"`
}

// UnhashedResource pairs a previously cached response with its metadata so a
// new version can carry it over without refetching.
type UnhashedResource struct {
	Response *adapter.Response
	Metadata *Metadata
}

// UpdateSource is the narrow, read-only view a newly installing version gets
// of an older one, for reuse of already-cached resources.
type UpdateSource interface {
	// LookupResourceWithHash returns the cached response for url only if the
	// source's own hash table pins url to exactly hash.
	LookupResourceWithHash(ctx context.Context, url string, hash manifest.Hash) (*adapter.Response, error)
	// LookupResourceWithoutHash returns a cached unhashed resource with its
	// freshness metadata, or nil when not cached.
	LookupResourceWithoutHash(ctx context.Context, url string) (*UnhashedResource, error)
	// PreviouslyCachedResources lists the unhashed URLs the source has cached.
	PreviouslyCachedResources(ctx context.Context) ([]string, error)
}

// Group is one asset group bound to a specific application version.
type Group struct {
	config manifest.AssetGroupConfig
	// hashes is the version-wide URL to content hash lookup. URLs absent
	// from it are unhashed and governed by HTTP freshness headers.
	hashes   map[string]manifest.Hash
	urls     map[string]bool
	patterns *patterns.Set
	strategy initStrategy

	fetcher   adapter.Fetcher
	clock     adapter.Clock
	cache     adapter.Cache
	metaTable *db.Table
	scheduler *idle.Scheduler
	log       *zap.Logger
	metrics   *metrics.Metrics

	// inflight deduplicates concurrent network-and-cache operations per URL.
	inflight singleflight.Group

	mu          sync.Mutex
	initialized bool
}

// NewGroup opens the group's backing stores under the owning version's
// namespace prefix (the manifest hash).
func NewGroup(ctx context.Context, versionPrefix string, config manifest.AssetGroupConfig, hashes map[string]manifest.Hash, fetcher adapter.Fetcher, clock adapter.Clock, storage adapter.CacheStorage, database *db.Database, scheduler *idle.Scheduler, m *metrics.Metrics, log *zap.Logger) (*Group, error) {
	if log == nil {
		log = zap.NewNop()
	}
	set, err := patterns.Compile(config.Patterns)
	if err != nil {
		return nil, fmt.Errorf("asset group %q: %w", config.Name, err)
	}
	strategy, err := strategyFor(config.Mode)
	if err != nil {
		return nil, fmt.Errorf("asset group %q: %w", config.Name, err)
	}
	cache, err := storage.Open(ctx, versionPrefix+":assets:"+config.Name+":cache")
	if err != nil {
		return nil, fmt.Errorf("asset group %q: open cache: %w", config.Name, err)
	}
	metaTable, err := database.Open(ctx, versionPrefix+":assets:"+config.Name+":meta")
	if err != nil {
		return nil, fmt.Errorf("asset group %q: %w", config.Name, err)
	}
	urls := make(map[string]bool, len(config.URLs))
	for _, url := range config.URLs {
		urls[url] = true
	}
	return &Group{
		config:    config,
		hashes:    hashes,
		urls:      urls,
		patterns:  set,
		strategy:  strategy,
		fetcher:   fetcher,
		clock:     clock,
		cache:     cache,
		metaTable: metaTable,
		scheduler: scheduler,
		log:       log.Named("assets").With(zap.String("group", config.Name)),
		metrics:   m,
	}, nil
}

// Name returns the group name.
func (g *Group) Name() string { return g.config.Name }

// Matches reports whether the group claims url: either listed explicitly or
// matching one of the group's patterns.
func (g *Group) Matches(url string) bool {
	return g.urls[url] || g.patterns.Matches(url)
}

// InitializeFully runs the group's mode-specific installation, reusing
// hash-identical resources from updateFrom where possible. A failure here
// marks the owning version broken.
func (g *Group) InitializeFully(ctx context.Context, updateFrom UpdateSource) error {
	g.mu.Lock()
	if g.initialized {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()
	if err := g.strategy.initialize(ctx, g, updateFrom); err != nil {
		return fmt.Errorf("asset group %q: %w", g.config.Name, err)
	}
	g.mu.Lock()
	g.initialized = true
	g.mu.Unlock()
	return nil
}

// HandleFetch serves a matching request, or returns (nil, nil) to abstain.
func (g *Group) HandleFetch(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return nil, nil
	}
	if !g.Matches(req.URL) {
		return nil, nil
	}

	cached, err := g.cache.Match(ctx, adapter.NewRequest(http.MethodGet, req.URL))
	if err != nil {
		g.log.Warn("cache read failed, treating as miss", zap.String("url", req.URL), zap.Error(err))
		cached = nil
	}
	if cached != nil {
		if _, hashed := g.hashes[req.URL]; hashed {
			// Hash-pinned resources are immutable for the version's lifetime.
			g.metrics.RecordRequest(g.config.Name, metrics.ModeHit)
			return cached.Clone(), nil
		}
		if g.needsRevalidation(ctx, req.URL, cached) {
			g.scheduleRevalidation(req.URL)
			g.metrics.RecordRequest(g.config.Name, metrics.ModeStale)
		} else {
			g.metrics.RecordRequest(g.config.Name, metrics.ModeHit)
		}
		return cached.Clone(), nil
	}

	res, err := g.fetchAndCacheOnce(ctx, req.URL, nil)
	if err != nil {
		return nil, err
	}
	g.metrics.RecordRequest(g.config.Name, metrics.ModeFetched)
	return res.Clone(), nil
}

// LookupWithHash returns the cached response for url only when this group's
// hash table pins url to exactly hash.
func (g *Group) LookupWithHash(ctx context.Context, url string, hash manifest.Hash) (*adapter.Response, error) {
	if g.hashes[url] != hash || !g.Matches(url) {
		return nil, nil
	}
	res, err := g.cache.Match(ctx, adapter.NewRequest(http.MethodGet, url))
	if err != nil || res == nil {
		return nil, err
	}
	return res.Clone(), nil
}

// LookupUnhashed returns a cached unhashed resource with its metadata.
func (g *Group) LookupUnhashed(ctx context.Context, url string) (*UnhashedResource, error) {
	if _, hashed := g.hashes[url]; hashed {
		return nil, nil
	}
	res, err := g.cache.Match(ctx, adapter.NewRequest(http.MethodGet, url))
	if err != nil || res == nil {
		return nil, err
	}
	meta := &Metadata{}
	if err := g.metaTable.Read(ctx, url, meta); err != nil {
		meta = nil
	}
	return &UnhashedResource{Response: res, Metadata: meta}, nil
}

// UnhashedCachedURLs lists the unhashed URLs currently in the group's cache.
func (g *Group) UnhashedCachedURLs(ctx context.Context) ([]string, error) {
	reqs, err := g.cache.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("asset group %q: list cache: %w", g.config.Name, err)
	}
	var urls []string
	for _, req := range reqs {
		if _, hashed := g.hashes[req.URL]; !hashed {
			urls = append(urls, req.URL)
		}
	}
	return urls, nil
}

// fetchAndCacheOnce performs the single network-and-cache operation for url,
// joining an in-flight operation when one exists. With updateFrom set,
// hash-identical resources are copied from the older version instead of
// fetched.
func (g *Group) fetchAndCacheOnce(ctx context.Context, url string, updateFrom UpdateSource) (*adapter.Response, error) {
	res, err, _ := g.inflight.Do(url, func() (any, error) {
		hash, hashed := g.hashes[url]

		if hashed && updateFrom != nil {
			reused, err := updateFrom.LookupResourceWithHash(ctx, url, hash)
			if err == nil && reused != nil {
				if err := g.cache.Put(ctx, adapter.NewRequest(http.MethodGet, url), reused); err != nil {
					return nil, fmt.Errorf("cache %s: %w", url, err)
				}
				return reused, nil
			}
		}

		fetched, err := g.fetchFromNetwork(ctx, url)
		if err != nil {
			return nil, err
		}
		if !fetched.Ok() {
			return nil, fmt.Errorf("fetch %s: unexpected status %d", url, fetched.Status)
		}
		if err := g.cache.Put(ctx, adapter.NewRequest(http.MethodGet, url), fetched.Clone()); err != nil {
			return nil, fmt.Errorf("cache %s: %w", url, err)
		}
		if !hashed {
			now := g.clock.Now().UnixMilli()
			if err := g.metaTable.Write(ctx, url, Metadata{Ts: now}); err != nil {
				g.log.Warn("metadata write failed", zap.String("url", url), zap.Error(err))
			}
		}
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*adapter.Response), nil
}

// fetchFromNetwork retrieves url, verifying hashed bodies against the
// manifest. The first attempt allows intermediate HTTP caching; on hash
// mismatch a single cache-busted retry follows, and a second mismatch fails.
func (g *Group) fetchFromNetwork(ctx context.Context, url string) (*adapter.Response, error) {
	res, err := g.fetcher.Fetch(ctx, adapter.NewRequest(http.MethodGet, url))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	hash, hashed := g.hashes[url]
	if !hashed {
		return res, nil
	}
	if manifest.HashBytes(res.Body) == hash {
		return res, nil
	}
	// The HTTP cache is usually right; one busted retry is cheaper than
	// disabling it for every asset fetch.
	g.log.Info("hash mismatch, retrying with cache bust", zap.String("url", url))
	res, err = g.fetcher.Fetch(ctx, adapter.NewRequest(http.MethodGet, adapter.CacheBust(url)))
	if err != nil {
		return nil, fmt.Errorf("cache-busted fetch %s: %w", url, err)
	}
	if manifest.HashBytes(res.Body) != hash {
		return nil, fmt.Errorf("%s: %w", url, ErrHashMismatch)
	}
	return res, nil
}

// scheduleRevalidation queues a background refresh of an unhashed URL.
func (g *Group) scheduleRevalidation(url string) {
	if g.scheduler == nil {
		return
	}
	g.scheduler.Schedule("revalidate "+url, func(ctx context.Context) error {
		res, err := g.fetcher.Fetch(ctx, adapter.NewRequest(http.MethodGet, url))
		if err != nil {
			return fmt.Errorf("revalidate %s: %w", url, err)
		}
		if !res.Ok() {
			return fmt.Errorf("revalidate %s: unexpected status %d", url, res.Status)
		}
		if err := g.cache.Put(ctx, adapter.NewRequest(http.MethodGet, url), res); err != nil {
			return fmt.Errorf("revalidate %s: %w", url, err)
		}
		now := g.clock.Now().UnixMilli()
		if err := g.metaTable.Write(ctx, url, Metadata{Ts: now}); err != nil {
			return fmt.Errorf("revalidate %s: %w", url, err)
		}
		return nil
	})
}
