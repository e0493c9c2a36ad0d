package assets

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/o-tero/swproxy/adapter"
	"github.com/o-tero/swproxy/manifest"
)

// initStrategy is the only behavior that differs between asset group modes:
// what installation does. Runtime serving is shared.
type initStrategy interface {
	name() string
	initialize(ctx context.Context, g *Group, updateFrom UpdateSource) error
}

func strategyFor(mode string) (initStrategy, error) {
	switch mode {
	case manifest.ModePrefetch:
		return prefetchStrategy{}, nil
	case manifest.ModeLazy:
		return lazyStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

// prefetchStrategy fetches and verifies every listed URL at install time,
// then carries over matching unhashed resources from the previous version.
type prefetchStrategy struct{}

func (prefetchStrategy) name() string { return manifest.ModePrefetch }

func (prefetchStrategy) initialize(ctx context.Context, g *Group, updateFrom UpdateSource) error {
	for _, url := range g.config.URLs {
		cached, err := g.cache.Match(ctx, adapter.NewRequest(http.MethodGet, url))
		if err != nil {
			return fmt.Errorf("probe %s: %w", url, err)
		}
		if cached != nil {
			continue
		}
		if _, err := g.fetchAndCacheOnce(ctx, url, updateFrom); err != nil {
			return err
		}
	}
	if updateFrom != nil {
		g.carryOverUnhashed(ctx, updateFrom)
	}
	return nil
}

// lazyStrategy copies hash-identical listed resources from the previous
// version but never fetches missing ones; they are cached on first request.
type lazyStrategy struct{}

func (lazyStrategy) name() string { return manifest.ModeLazy }

func (lazyStrategy) initialize(ctx context.Context, g *Group, updateFrom UpdateSource) error {
	if updateFrom == nil {
		return nil
	}
	for _, url := range g.config.URLs {
		cached, err := g.cache.Match(ctx, adapter.NewRequest(http.MethodGet, url))
		if err != nil || cached != nil {
			continue
		}
		hash, hashed := g.hashes[url]
		if !hashed {
			continue
		}
		reused, err := updateFrom.LookupResourceWithHash(ctx, url, hash)
		if err != nil || reused == nil {
			continue
		}
		if err := g.cache.Put(ctx, adapter.NewRequest(http.MethodGet, url), reused); err != nil {
			g.log.Debug("lazy carry-over failed", zap.String("url", url), zap.Error(err))
		}
	}
	return nil
}

// carryOverUnhashed copies unhashed resources the previous version had
// cached, if they still match this group, preserving their metadata so
// freshness evaluation carries forward. Best effort throughout.
func (g *Group) carryOverUnhashed(ctx context.Context, updateFrom UpdateSource) {
	urls, err := updateFrom.PreviouslyCachedResources(ctx)
	if err != nil {
		g.log.Debug("carry-over enumeration failed", zap.Error(err))
		return
	}
	for _, url := range urls {
		if !g.Matches(url) {
			continue
		}
		if _, hashed := g.hashes[url]; hashed {
			continue
		}
		cached, err := g.cache.Match(ctx, adapter.NewRequest(http.MethodGet, url))
		if err != nil || cached != nil {
			continue
		}
		resource, err := updateFrom.LookupResourceWithoutHash(ctx, url)
		if err != nil || resource == nil {
			continue
		}
		if err := g.cache.Put(ctx, adapter.NewRequest(http.MethodGet, url), resource.Response); err != nil {
			g.log.Debug("carry-over failed", zap.String("url", url), zap.Error(err))
			continue
		}
		if resource.Metadata != nil {
			if err := g.metaTable.Write(ctx, url, resource.Metadata); err != nil {
				g.log.Debug("carry-over metadata failed", zap.String("url", url), zap.Error(err))
			}
		}
	}
}
