// Package version binds one manifest to its runtime caches. An AppVersion
// owns the asset and data groups built from its manifest, dispatches fetches
// through them in declaration order, and offers older-version resources to
// newer versions through the update-source contract.
package version

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/o-tero/swproxy/adapter"
	"github.com/o-tero/swproxy/assets"
	"github.com/o-tero/swproxy/data"
	"github.com/o-tero/swproxy/db"
	"github.com/o-tero/swproxy/idle"
	"github.com/o-tero/swproxy/manifest"
	"github.com/o-tero/swproxy/metrics"
)

// AppVersion is the runtime binding of one manifest, identified by the
// manifest hash.
type AppVersion struct {
	manifest *manifest.Manifest
	hash     manifest.Hash
	hashes   map[string]manifest.Hash

	assetGroups []*assets.Group
	dataGroups  []*data.Group

	log *zap.Logger

	mu          sync.Mutex
	okay        bool
	initialized bool
}

// Deps carries the shared collaborators an AppVersion wires into its groups.
type Deps struct {
	Fetcher    adapter.Fetcher
	Clock      adapter.Clock
	Storage    adapter.CacheStorage
	Database   *db.Database
	Scheduler  *idle.Scheduler
	Background func(func())
	Metrics    *metrics.Metrics
	Log        *zap.Logger
}

// New constructs the version's groups from the manifest. The version starts
// okay; only a failed initialization clears the flag.
func New(ctx context.Context, m *manifest.Manifest, hash manifest.Hash, deps Deps) (*AppVersion, error) {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("version").With(zap.String("hash", shortHash(hash)))

	hashes := make(map[string]manifest.Hash, len(m.HashTable))
	for url, h := range m.HashTable {
		hashes[url] = h
	}

	v := &AppVersion{
		manifest: m,
		hash:     hash,
		hashes:   hashes,
		log:      log,
		okay:     true,
	}
	for _, cfg := range m.AssetGroups {
		group, err := assets.NewGroup(ctx, hash, cfg, hashes, deps.Fetcher, deps.Clock, deps.Storage, deps.Database, deps.Scheduler, deps.Metrics, log)
		if err != nil {
			return nil, fmt.Errorf("version %s: %w", shortHash(hash), err)
		}
		v.assetGroups = append(v.assetGroups, group)
	}
	for _, cfg := range m.DataGroups {
		group, err := data.NewGroup(ctx, cfg, deps.Fetcher, deps.Clock, deps.Storage, deps.Database, deps.Background, deps.Metrics, log)
		if err != nil {
			return nil, fmt.Errorf("version %s: %w", shortHash(hash), err)
		}
		v.dataGroups = append(v.dataGroups, group)
	}
	return v, nil
}

// Hash returns the manifest hash identifying this version.
func (v *AppVersion) Hash() manifest.Hash { return v.hash }

// Manifest returns the manifest this version was built from.
func (v *AppVersion) Manifest() *manifest.Manifest { return v.manifest }

// AppData returns the manifest's opaque application data.
func (v *AppVersion) AppData() map[string]string { return v.manifest.AppData }

// Okay reports whether the version is serviceable. It is true until an
// initialization failure and never recovers within a process lifetime.
func (v *AppVersion) Okay() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.okay
}

// InitializeFully installs every asset group serially in declaration order,
// offering updateFrom for hash-identical resource reuse. Data groups need no
// installation. A failure marks the version broken and propagates.
func (v *AppVersion) InitializeFully(ctx context.Context, updateFrom assets.UpdateSource) error {
	v.mu.Lock()
	if v.initialized {
		v.mu.Unlock()
		return nil
	}
	v.mu.Unlock()

	for _, group := range v.assetGroups {
		if err := group.InitializeFully(ctx, updateFrom); err != nil {
			v.mu.Lock()
			v.okay = false
			v.mu.Unlock()
			return fmt.Errorf("version %s: %w", shortHash(v.hash), err)
		}
	}

	v.mu.Lock()
	v.initialized = true
	v.mu.Unlock()
	return nil
}

// HandleFetch dispatches the request through asset groups then data groups
// in declaration order; the first non-nil response wins. (nil, nil) means no
// group claimed the request.
func (v *AppVersion) HandleFetch(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
	for _, group := range v.assetGroups {
		res, err := group.HandleFetch(ctx, req)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	for _, group := range v.dataGroups {
		res, err := group.HandleFetch(ctx, req)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

// LookupResourceWithHash returns the cached response for url only when this
// version's hash table pins url to exactly hash. The cache is authoritative
// because contents were hash-verified at install time.
func (v *AppVersion) LookupResourceWithHash(ctx context.Context, url string, hash manifest.Hash) (*adapter.Response, error) {
	if v.hashes[url] != hash {
		return nil, nil
	}
	for _, group := range v.assetGroups {
		res, err := group.LookupWithHash(ctx, url, hash)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

// LookupResourceWithoutHash returns a cached unhashed resource with its
// metadata from the first group that has it.
func (v *AppVersion) LookupResourceWithoutHash(ctx context.Context, url string) (*assets.UnhashedResource, error) {
	for _, group := range v.assetGroups {
		resource, err := group.LookupUnhashed(ctx, url)
		if err != nil {
			return nil, err
		}
		if resource != nil {
			return resource, nil
		}
	}
	return nil, nil
}

// PreviouslyCachedResources lists the unhashed URLs cached by any of this
// version's asset groups.
func (v *AppVersion) PreviouslyCachedResources(ctx context.Context) ([]string, error) {
	var urls []string
	seen := make(map[string]bool)
	for _, group := range v.assetGroups {
		groupURLs, err := group.UnhashedCachedURLs(ctx)
		if err != nil {
			return nil, err
		}
		for _, url := range groupURLs {
			if !seen[url] {
				seen[url] = true
				urls = append(urls, url)
			}
		}
	}
	return urls, nil
}

// GroupNames returns the asset and data group names, for the debug report.
func (v *AppVersion) GroupNames() (assetGroups, dataGroups []string) {
	for _, g := range v.assetGroups {
		assetGroups = append(assetGroups, g.Name())
	}
	for _, g := range v.dataGroups {
		dataGroups = append(dataGroups, g.Name())
	}
	return assetGroups, dataGroups
}

func shortHash(hash manifest.Hash) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
