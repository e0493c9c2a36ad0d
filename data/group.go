package data

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/o-tero/swproxy/adapter"
	"github.com/o-tero/swproxy/db"
	"github.com/o-tero/swproxy/manifest"
	"github.com/o-tero/swproxy/metrics"
	"github.com/o-tero/swproxy/pkg/patterns"
)

// ageEntry records when a URL was last successfully cached, in epoch
// milliseconds.
type ageEntry struct {
	Age int64 `json:"age"`
}

const lruKey = "lru"

// Group is one data group: an LRU-bounded, age-expired cache for dynamic
// responses matching the group's URL patterns.
type Group struct {
	config   manifest.DataGroupConfig
	patterns *patterns.Set

	fetcher    adapter.Fetcher
	clock      adapter.Clock
	cache      adapter.Cache
	lruTable   *db.Table
	ageTable   *db.Table
	background func(func())
	log        *zap.Logger
	metrics    *metrics.Metrics

	// mu serializes LRU and age mutations within the group. There is no
	// cross-group locking.
	mu  sync.Mutex
	lru *LRU
}

// NewGroup opens the group's backing stores and compiles its patterns.
// The LRU state itself is loaded lazily on first use.
func NewGroup(ctx context.Context, config manifest.DataGroupConfig, fetcher adapter.Fetcher, clock adapter.Clock, storage adapter.CacheStorage, database *db.Database, background func(func()), m *metrics.Metrics, log *zap.Logger) (*Group, error) {
	if log == nil {
		log = zap.NewNop()
	}
	set, err := patterns.Compile(config.Patterns)
	if err != nil {
		return nil, fmt.Errorf("data group %q: %w", config.Name, err)
	}
	cache, err := storage.Open(ctx, "data:"+config.Name+":cache")
	if err != nil {
		return nil, fmt.Errorf("data group %q: open cache: %w", config.Name, err)
	}
	lruTable, err := database.Open(ctx, "data:"+config.Name+":lru")
	if err != nil {
		return nil, fmt.Errorf("data group %q: %w", config.Name, err)
	}
	ageTable, err := database.Open(ctx, "data:"+config.Name+":age")
	if err != nil {
		return nil, fmt.Errorf("data group %q: %w", config.Name, err)
	}
	if background == nil {
		background = func(fn func()) { go fn() }
	}
	return &Group{
		config:     config,
		patterns:   set,
		fetcher:    fetcher,
		clock:      clock,
		cache:      cache,
		lruTable:   lruTable,
		ageTable:   ageTable,
		background: background,
		log:        log.Named("data").With(zap.String("group", config.Name)),
		metrics:    m,
	}, nil
}

// Name returns the group name.
func (g *Group) Name() string { return g.config.Name }

// Matches reports whether the group claims the URL.
func (g *Group) Matches(url string) bool { return g.patterns.Matches(url) }

// HandleFetch serves a matching request per the group policy, or returns
// (nil, nil) to abstain.
func (g *Group) HandleFetch(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
	if !g.patterns.Matches(req.URL) {
		return nil, nil
	}
	switch req.Method {
	case http.MethodOptions:
		// Preflights are never cached and never invalidate.
		return nil, nil
	case http.MethodGet, http.MethodHead:
		return g.handleRead(ctx, req)
	default:
		return g.handleMutation(ctx, req)
	}
}

// handleMutation drops any cached state for the URL and forwards the request
// unchanged. A mutation makes the cached view unreliable regardless of age.
func (g *Group) handleMutation(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
	g.mu.Lock()
	lru, err := g.loadLRU(ctx)
	if err == nil {
		lru.Remove(req.URL)
		g.purgeLocked(ctx, req.URL)
		g.syncLRULocked(ctx, lru)
	}
	g.mu.Unlock()
	return g.fetcher.Fetch(ctx, req)
}

func (g *Group) handleRead(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
	now := g.clock.Now().UnixMilli()

	if res := g.lookupFresh(ctx, req, now); res != nil {
		g.metrics.RecordRequest(g.config.Name, metrics.ModeHit)
		return res, nil
	}

	// Miss (or expired): go to the network, optionally racing a timer.
	res, err := g.fetchWithTimeout(ctx, req, now)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// lookupFresh returns a cached response if one exists and is within maxAge;
// otherwise it scrubs any expired entry and returns nil.
func (g *Group) lookupFresh(ctx context.Context, req *adapter.Request, now int64) *adapter.Response {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, err := g.cache.Match(ctx, req)
	if err != nil || res == nil {
		if err != nil {
			g.log.Warn("cache read failed, treating as miss", zap.String("url", req.URL), zap.Error(err))
		}
		return nil
	}

	var age ageEntry
	readErr := g.ageTable.Read(ctx, req.URL, &age)
	if readErr == nil && now-age.Age <= g.config.MaxAge {
		lru, lruErr := g.loadLRU(ctx)
		if lruErr == nil {
			lru.Accessed(req.URL)
			g.syncLRULocked(ctx, lru)
		}
		return res.Clone()
	}

	// Expired, or the age record is gone: either way the entry is dead.
	if lru, lruErr := g.loadLRU(ctx); lruErr == nil {
		lru.Remove(req.URL)
		g.purgeLocked(ctx, req.URL)
		g.syncLRULocked(ctx, lru)
	}
	return nil
}

// fetchWithTimeout performs the network fetch for a miss. When the group has
// a timeout and the timer wins, the caller gets a synthetic 504 while the
// real fetch keeps running in the background so its response can still
// populate the cache.
func (g *Group) fetchWithTimeout(ctx context.Context, req *adapter.Request, now int64) (*adapter.Response, error) {
	if g.config.TimeoutMs <= 0 {
		res, err := g.fetcher.Fetch(ctx, req)
		if err != nil {
			g.log.Debug("network fetch failed", zap.String("url", req.URL), zap.Error(err))
			return gatewayTimeout(), nil
		}
		g.cacheResponse(ctx, req, res, now)
		g.metrics.RecordRequest(g.config.Name, metrics.ModeFetched)
		return res.Clone(), nil
	}

	// Detach the fetch from request cancellation: it must be able to outlive
	// the synthetic response.
	fetchCtx := context.WithoutCancel(ctx)
	resCh := make(chan *adapter.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := g.fetcher.Fetch(fetchCtx, req)
		if err != nil {
			errCh <- err
			return
		}
		resCh <- res
	}()

	select {
	case res := <-resCh:
		g.cacheResponse(ctx, req, res, now)
		g.metrics.RecordRequest(g.config.Name, metrics.ModeFetched)
		return res.Clone(), nil
	case err := <-errCh:
		g.log.Debug("network fetch failed", zap.String("url", req.URL), zap.Error(err))
		return gatewayTimeout(), nil
	case <-g.clock.After(msToDuration(g.config.TimeoutMs)):
		g.metrics.RecordRequest(g.config.Name, metrics.ModeTimeout)
		g.background(func() {
			select {
			case res := <-resCh:
				g.cacheResponse(fetchCtx, req, res, now)
			case err := <-errCh:
				g.log.Debug("background fetch failed", zap.String("url", req.URL), zap.Error(err))
			}
		})
		return gatewayTimeout(), nil
	}
}

// cacheResponse records a successful network response: evict to stay within
// maxSize, mark the URL accessed, store body and age, persist the LRU.
func (g *Group) cacheResponse(ctx context.Context, req *adapter.Request, res *adapter.Response, now int64) {
	if !res.Ok() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	lru, err := g.loadLRU(ctx)
	if err != nil {
		g.log.Warn("lru unavailable, skipping cache write", zap.Error(err))
		return
	}
	if lru.Size() >= g.config.MaxSize {
		if victim, ok := lru.Pop(); ok {
			g.purgeLocked(ctx, victim)
			g.metrics.RecordEviction(g.config.Name)
		}
	}
	lru.Accessed(req.URL)
	if err := g.cache.Put(ctx, req, res.Clone()); err != nil {
		g.log.Warn("cache write failed", zap.String("url", req.URL), zap.Error(err))
		lru.Remove(req.URL)
		g.syncLRULocked(ctx, lru)
		return
	}
	if err := g.ageTable.Write(ctx, req.URL, ageEntry{Age: now}); err != nil {
		g.log.Warn("age write failed", zap.String("url", req.URL), zap.Error(err))
	}
	g.syncLRULocked(ctx, lru)
}

// purgeLocked removes the GET and HEAD cache entries and the age record for
// url. Caller holds g.mu.
func (g *Group) purgeLocked(ctx context.Context, url string) {
	for _, method := range []string{http.MethodGet, http.MethodHead} {
		if _, err := g.cache.Delete(ctx, adapter.NewRequest(method, url)); err != nil {
			g.log.Warn("cache purge failed", zap.String("url", url), zap.Error(err))
		}
	}
	if _, err := g.ageTable.Delete(ctx, url); err != nil {
		g.log.Warn("age purge failed", zap.String("url", url), zap.Error(err))
	}
}

// loadLRU lazily rehydrates the LRU state from the lru table. A missing or
// corrupt snapshot starts a fresh list. Caller holds g.mu.
func (g *Group) loadLRU(ctx context.Context) (*LRU, error) {
	if g.lru != nil {
		return g.lru, nil
	}
	state := NewLRUState()
	if err := g.lruTable.Read(ctx, lruKey, state); err != nil {
		state = NewLRUState()
	}
	g.lru = NewLRU(state)
	return g.lru, nil
}

// syncLRULocked snapshots the list to persistent storage. Caller holds g.mu,
// so the snapshot is consistent even if it briefly trails other groups.
func (g *Group) syncLRULocked(ctx context.Context, lru *LRU) {
	if err := g.lruTable.Write(ctx, lruKey, lru.State()); err != nil {
		g.log.Warn("lru sync failed", zap.Error(err))
	}
}

func gatewayTimeout() *adapter.Response {
	res := adapter.NewResponse(http.StatusGatewayTimeout, []byte("Gateway Timeout"))
	res.Header.Set("Content-Type", "text/plain")
	return res
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
