// Package driver orchestrates the caching core: it loads and persists
// control state, pins clients to application versions, routes every
// intercepted request to the right version, detects updates and degrades
// gracefully when a version breaks.
//
// The driver is process-wide state with lifecycle equal to the worker's.
// There is no teardown path; re-initialization on the next cold start is the
// recovery mechanism, driven entirely by what reached persistent storage.
package driver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/o-tero/swproxy/adapter"
	"github.com/o-tero/swproxy/db"
	"github.com/o-tero/swproxy/idle"
	"github.com/o-tero/swproxy/manifest"
	"github.com/o-tero/swproxy/metrics"
	"github.com/o-tero/swproxy/version"
)

// ReadyState is the driver's degradation level.
type ReadyState int32

const (
	// Normal accepts new clients onto the latest version.
	Normal ReadyState = iota
	// ExistingClientsOnly keeps serving assigned clients; new clients fall
	// through to the network.
	ExistingClientsOnly
	// SafeMode declines every request until the worker restarts.
	SafeMode
)

func (s ReadyState) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case ExistingClientsOnly:
		return "EXISTING_CLIENTS_ONLY"
	case SafeMode:
		return "SAFE_MODE"
	default:
		return fmt.Sprintf("ReadyState(%d)", int32(s))
	}
}

const (
	controlTable   = "control"
	keyManifests   = "manifests"
	keyAssignments = "assignments"
	keyLatest      = "latest"
)

// latestRecord is the persisted form of the latest-version pointer.
type latestRecord struct {
	Latest manifest.Hash `json:"latest"`
}

// Config carries the driver's tunables.
type Config struct {
	// ManifestURL is where the manifest is served. Default "/ngsw.json".
	ManifestURL string
	// UpdateInterval gates opportunistic idle update checks. Default 12s.
	UpdateInterval time.Duration
	// IdleThreshold is the idle scheduler debounce. Default 500ms.
	IdleThreshold time.Duration
	// InlineInit initializes versions inline instead of on the idle queue,
	// easing local development and debugging.
	InlineInit bool
	// Background extends the process's lifetime for a deferred function,
	// mirroring the interceptor's waitUntil hook. The default runs the
	// function on a goroutine tracked by Quiesce.
	Background func(func())
}

func (c *Config) applyDefaults() {
	if c.ManifestURL == "" {
		c.ManifestURL = "/ngsw.json"
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = 12 * time.Second
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 500 * time.Millisecond
	}
}

// Deps carries the runtime collaborators.
type Deps struct {
	Fetcher adapter.Fetcher
	Clock   adapter.Clock
	Storage adapter.CacheStorage
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// Driver is the singleton version manager and request router.
type Driver struct {
	config  Config
	fetcher adapter.Fetcher
	clock   adapter.Clock
	storage adapter.CacheStorage
	db      *db.Database
	idle    *idle.Scheduler
	metrics *metrics.Metrics
	log     *zap.Logger

	// updateLimiter paces idle update checks to one per UpdateInterval.
	updateLimiter *rate.Limiter

	bg sync.WaitGroup

	// initMu serializes one-shot initialization across concurrent first
	// requests.
	initMu sync.Mutex

	mu                sync.Mutex
	state             ReadyState
	initialized       bool
	manifests         map[manifest.Hash]*manifest.Manifest
	versions          map[manifest.Hash]*version.AppVersion
	latestHash        manifest.Hash
	clientVersionMap  map[string]manifest.Hash
	updateCheckQueued bool

	eventsMu    sync.Mutex
	subscribers []chan UpdateEvent
	eventLog    []LogEntry
}

// New builds a driver. Nothing touches storage until the first request.
func New(config Config, deps Deps) *Driver {
	config.applyDefaults()
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("driver")

	d := &Driver{
		config:           config,
		fetcher:          deps.Fetcher,
		clock:            deps.Clock,
		storage:          deps.Storage,
		db:               db.New(deps.Storage, log),
		idle:             idle.NewScheduler(config.IdleThreshold, deps.Clock, log),
		metrics:          deps.Metrics,
		log:              log,
		updateLimiter:    rate.NewLimiter(rate.Every(config.UpdateInterval), 1),
		manifests:        make(map[manifest.Hash]*manifest.Manifest),
		versions:         make(map[manifest.Hash]*version.AppVersion),
		clientVersionMap: make(map[string]manifest.Hash),
	}
	if d.config.Background == nil {
		d.config.Background = func(fn func()) {
			d.bg.Add(1)
			go func() {
				defer d.bg.Done()
				fn()
			}()
		}
	}
	// Start with the token spent, so the first opportunistic check is only
	// due one full interval after the driver is built.
	d.updateLimiter.AllowN(deps.Clock.Now(), 1)
	return d
}

// Idle exposes the idle scheduler so the host can poke it and tests can
// drain it.
func (d *Driver) Idle() *idle.Scheduler { return d.idle }

// State returns the current ready state.
func (d *Driver) State() ReadyState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Quiesce blocks until all background work started via the default
// Background hook has settled.
func (d *Driver) Quiesce() { d.bg.Wait() }

// HandleFetch routes one intercepted request. clientID is empty for
// navigation preloads. A nil return means the caller must go to the network
// unmodified; the driver never panics or errors out of this path.
func (d *Driver) HandleFetch(ctx context.Context, req *adapter.Request, clientID string) *adapter.Response {
	res := d.handleFetch(ctx, req, clientID)

	// Wake the idle machinery on every delivery, and queue an update probe
	// that will only hit the network once the interval limiter allows.
	// Idle work must not die with the request, so it runs detached from the
	// request's cancellation.
	idleCtx := context.WithoutCancel(ctx)
	d.scheduleUpdateCheckAtIdle(idleCtx)
	d.idle.Trigger(idleCtx)
	return res
}

func (d *Driver) handleFetch(ctx context.Context, req *adapter.Request, clientID string) (res *adapter.Response) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("unexpected panic while handling fetch, entering safe mode", zap.Any("panic", r))
			d.enterSafeMode()
			res = nil
		}
	}()
	if d.State() == SafeMode {
		d.metrics.RecordRequest("driver", metrics.ModeSafeMode)
		return nil
	}
	if err := d.ensureInitialized(ctx); err != nil {
		d.log.Error("initialization failed, entering safe mode", zap.Error(err))
		d.enterSafeMode()
		d.metrics.RecordRequest("driver", metrics.ModeSafeMode)
		return nil
	}

	appVersion := d.assignVersion(ctx, clientID)
	if appVersion == nil {
		d.metrics.RecordRequest("driver", metrics.ModeBypass)
		return nil
	}

	res, err := appVersion.HandleFetch(ctx, req)
	if err != nil {
		// Runtime fetch failures are non-fatal; the caller falls back to
		// the network.
		d.log.Warn("version fetch failed", zap.String("url", req.URL), zap.Error(err))
		return nil
	}
	if res == nil {
		d.metrics.RecordRequest("driver", metrics.ModeBypass)
	}
	return res
}

// assignVersion applies the per-request routing rules and returns the
// version to serve from, or nil to fall through to the network.
func (d *Driver) assignVersion(ctx context.Context, clientID string) *version.AppVersion {
	d.mu.Lock()
	defer d.mu.Unlock()

	if clientID != "" {
		if hash, ok := d.clientVersionMap[clientID]; ok {
			// A pinned client keeps its version even when broken: the
			// version's cache is immutable and safe for resource reads.
			return d.versions[hash]
		}
		if d.state != Normal {
			return nil
		}
		d.clientVersionMap[clientID] = d.latestHash
		d.scheduleSyncLocked()
		return d.versions[d.latestHash]
	}

	if d.state != Normal {
		return nil
	}
	return d.versions[d.latestHash]
}

// ensureInitialized performs the one-shot load of persisted state, falling
// back to a fresh install when the control table is missing or corrupt.
func (d *Driver) ensureInitialized(ctx context.Context) error {
	d.initMu.Lock()
	defer d.initMu.Unlock()

	d.mu.Lock()
	if d.initialized {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	table, err := d.db.Open(ctx, controlTable)
	if err != nil {
		return fmt.Errorf("open control table: %w", err)
	}

	manifests := make(map[manifest.Hash]*manifest.Manifest)
	assignments := make(map[string]manifest.Hash)
	latest := latestRecord{}

	loadErr := func() error {
		if err := table.Read(ctx, keyManifests, &manifests); err != nil {
			return err
		}
		if err := table.Read(ctx, keyAssignments, &assignments); err != nil {
			return err
		}
		return table.Read(ctx, keyLatest, &latest)
	}()
	if loadErr != nil {
		// Missing or corrupt state reads as a fresh install.
		d.log.Info("no usable control state, performing fresh install", zap.Error(loadErr))
		m, hash, err := d.fetchLatestManifest(ctx)
		if err != nil {
			return fmt.Errorf("fresh install: %w", err)
		}
		manifests = map[manifest.Hash]*manifest.Manifest{hash: m}
		assignments = map[string]manifest.Hash{}
		latest = latestRecord{Latest: hash}
		if err := table.Write(ctx, keyManifests, manifests); err != nil {
			return err
		}
		if err := table.Write(ctx, keyAssignments, assignments); err != nil {
			return err
		}
		if err := table.Write(ctx, keyLatest, latest); err != nil {
			return err
		}
	}

	versions := make(map[manifest.Hash]*version.AppVersion, len(manifests))
	for hash, m := range manifests {
		v, err := version.New(ctx, m, hash, d.versionDeps())
		if err != nil {
			return fmt.Errorf("construct version %s: %w", hash, err)
		}
		versions[hash] = v
	}

	// Invariants: latest must be installed, and so must every assignment.
	if _, ok := versions[latest.Latest]; !ok {
		return fmt.Errorf("latest hash %s not among installed manifests", latest.Latest)
	}
	for clientID, hash := range assignments {
		if _, ok := versions[hash]; !ok {
			return fmt.Errorf("client %s assigned to unknown version %s", clientID, hash)
		}
	}

	d.mu.Lock()
	d.manifests = manifests
	d.versions = versions
	d.latestHash = latest.Latest
	d.clientVersionMap = assignments
	d.initialized = true
	d.mu.Unlock()
	d.metrics.SetVersions(len(versions))

	for _, v := range versions {
		d.scheduleVersionInit(ctx, v)
	}
	return nil
}

// scheduleVersionInit runs a version's full initialization inline or on the
// idle queue, funneling failures into versionFailed.
func (d *Driver) scheduleVersionInit(ctx context.Context, v *version.AppVersion) {
	initialize := func(ctx context.Context) error {
		if err := v.InitializeFully(ctx, nil); err != nil {
			d.versionFailed(ctx, v, err)
			return err
		}
		return nil
	}
	if d.config.InlineInit {
		if err := initialize(ctx); err != nil {
			d.log.Warn("inline version init failed", zap.Error(err))
		}
		return
	}
	d.idle.Schedule("init version "+string(v.Hash()), initialize)
}

func (d *Driver) versionDeps() version.Deps {
	return version.Deps{
		Fetcher:    d.fetcher,
		Clock:      d.clock,
		Storage:    d.storage,
		Database:   d.db,
		Scheduler:  d.idle,
		Background: d.config.Background,
		Metrics:    d.metrics,
		Log:        d.log,
	}
}

// fetchLatestManifest retrieves and parses the manifest with cache busting.
func (d *Driver) fetchLatestManifest(ctx context.Context) (*manifest.Manifest, manifest.Hash, error) {
	req := adapter.NewRequest(http.MethodGet, adapter.CacheBust(d.config.ManifestURL))
	res, err := d.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch manifest: %w", err)
	}
	if !res.Ok() {
		return nil, "", fmt.Errorf("fetch manifest: unexpected status %d", res.Status)
	}
	m, err := manifest.Parse(res.Body)
	if err != nil {
		return nil, "", err
	}
	hash, err := manifest.HashManifest(m)
	if err != nil {
		return nil, "", err
	}
	return m, hash, nil
}

// versionFailed handles a broken version: the latest drops the driver to
// EXISTING_CLIENTS_ONLY, any other version has its clients re-pinned to the
// latest.
func (d *Driver) versionFailed(ctx context.Context, v *version.AppVersion, cause error) {
	d.metrics.RecordVersionFailure()

	d.mu.Lock()
	hash := v.Hash()
	if _, known := d.versions[hash]; !known {
		d.mu.Unlock()
		return
	}
	if hash == d.latestHash {
		d.log.Error("latest version failed, restricting to existing clients",
			zap.String("hash", string(hash)), zap.Error(cause))
		d.state = ExistingClientsOnly
		d.clientVersionMap = make(map[string]manifest.Hash)
	} else {
		d.log.Error("version failed, re-pinning clients to latest",
			zap.String("hash", string(hash)), zap.Error(cause))
		for clientID, assigned := range d.clientVersionMap {
			if assigned == hash {
				d.clientVersionMap[clientID] = d.latestHash
			}
		}
	}
	d.scheduleSyncLocked()
	state := d.state
	d.mu.Unlock()

	d.recordEvent(UpdateEvent{
		Type:    EventVersionFailed,
		Current: hash,
		Detail:  cause.Error(),
	})
	if state == ExistingClientsOnly {
		d.recordEvent(UpdateEvent{Type: EventDegraded, Detail: state.String()})
	}
}

// LookupResourceWithHash folds over all installed versions and returns the
// first cached response whose owning version pins url to exactly hash.
func (d *Driver) LookupResourceWithHash(ctx context.Context, url string, hash manifest.Hash) (*adapter.Response, error) {
	d.mu.Lock()
	versions := make([]*version.AppVersion, 0, len(d.versions))
	for _, v := range d.versions {
		versions = append(versions, v)
	}
	d.mu.Unlock()

	for _, v := range versions {
		res, err := v.LookupResourceWithHash(ctx, url, hash)
		if err != nil {
			continue
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

func (d *Driver) enterSafeMode() {
	d.mu.Lock()
	d.state = SafeMode
	d.mu.Unlock()
}

// scheduleSyncLocked queues a control-state write on the idle queue. Caller
// holds d.mu. The write is idempotent, so scheduling is cheap to repeat.
func (d *Driver) scheduleSyncLocked() {
	d.idle.Schedule("sync control state", d.syncState)
}

// syncState persists manifests, assignments and latest to the control table.
func (d *Driver) syncState(ctx context.Context) error {
	d.mu.Lock()
	manifests := make(map[manifest.Hash]*manifest.Manifest, len(d.manifests))
	for h, m := range d.manifests {
		manifests[h] = m
	}
	assignments := make(map[string]manifest.Hash, len(d.clientVersionMap))
	for c, h := range d.clientVersionMap {
		assignments[c] = h
	}
	latest := latestRecord{Latest: d.latestHash}
	d.mu.Unlock()

	table, err := d.db.Open(ctx, controlTable)
	if err != nil {
		return err
	}
	if err := table.Write(ctx, keyManifests, manifests); err != nil {
		return err
	}
	if err := table.Write(ctx, keyAssignments, assignments); err != nil {
		return err
	}
	return table.Write(ctx, keyLatest, latest)
}

// cleanupCaches removes stores belonging to versions no longer referenced by
// the latest pointer or any assigned client.
func (d *Driver) cleanupCaches(ctx context.Context) error {
	d.mu.Lock()
	live := map[manifest.Hash]bool{d.latestHash: true}
	for _, hash := range d.clientVersionMap {
		live[hash] = true
	}
	var obsolete []manifest.Hash
	for hash := range d.versions {
		if !live[hash] {
			obsolete = append(obsolete, hash)
		}
	}
	for _, hash := range obsolete {
		delete(d.versions, hash)
		delete(d.manifests, hash)
	}
	versionCount := len(d.versions)
	d.mu.Unlock()

	if len(obsolete) == 0 {
		return nil
	}
	d.metrics.SetVersions(versionCount)

	names, err := d.storage.List(ctx)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	for _, hash := range obsolete {
		for _, name := range names {
			if hasVersionPrefix(name, hash) {
				if err := d.storage.Delete(ctx, name); err != nil {
					d.log.Warn("cleanup delete failed", zap.String("store", name), zap.Error(err))
				}
			}
		}
		d.log.Info("removed obsolete version", zap.String("hash", string(hash)))
	}
	return d.syncState(ctx)
}

// hasVersionPrefix reports whether a store name belongs to the version's
// namespace, either as a raw asset cache or as one of its db tables.
func hasVersionPrefix(name string, hash manifest.Hash) bool {
	return strings.HasPrefix(name, string(hash)+":") ||
		strings.HasPrefix(name, "ngsw:db:"+string(hash)+":")
}
