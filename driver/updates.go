package driver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/o-tero/swproxy/version"
)

// CheckForUpdate fetches the manifest and, when its hash is new, installs it
// as a fully initialized version and promotes it to latest. Returns true iff
// a new version was activated. Failure during candidate initialization
// leaves all prior state unchanged.
func (d *Driver) CheckForUpdate(ctx context.Context) (bool, error) {
	if err := d.ensureInitialized(ctx); err != nil {
		d.enterSafeMode()
		d.metrics.RecordUpdateCheck("error")
		return false, fmt.Errorf("check for update: %w", err)
	}

	m, hash, err := d.fetchLatestManifest(ctx)
	if err != nil {
		d.metrics.RecordUpdateCheck("error")
		return false, fmt.Errorf("check for update: %w", err)
	}

	d.mu.Lock()
	_, known := d.manifests[hash]
	previousHash := d.latestHash
	previous := d.versions[previousHash]
	d.mu.Unlock()
	if known {
		d.metrics.RecordUpdateCheck("none")
		return false, nil
	}

	candidate, err := version.New(ctx, m, hash, d.versionDeps())
	if err != nil {
		d.metrics.RecordUpdateCheck("error")
		return false, fmt.Errorf("construct candidate %s: %w", hash, err)
	}

	d.recordEvent(UpdateEvent{
		Type:      EventUpdateAvailable,
		Current:   previousHash,
		Available: hash,
	})

	// Initialize the candidate inline, reusing hash-identical resources
	// from the previous latest version where possible.
	if err := candidate.InitializeFully(ctx, previous); err != nil {
		d.metrics.RecordUpdateCheck("error")
		return false, fmt.Errorf("initialize candidate %s: %w", hash, err)
	}

	d.mu.Lock()
	d.manifests[hash] = m
	d.versions[hash] = candidate
	d.latestHash = hash
	versionCount := len(d.versions)
	d.mu.Unlock()
	d.metrics.SetVersions(versionCount)
	d.metrics.RecordUpdateCheck("update")

	if err := d.syncState(ctx); err != nil {
		d.log.Warn("state sync after update failed", zap.Error(err))
	}
	d.recordEvent(UpdateEvent{
		Type:      EventUpdateActivated,
		Current:   hash,
		Available: hash,
	})
	d.idle.Schedule("cleanup caches", d.cleanupCaches)
	d.log.Info("update activated", zap.String("hash", string(hash)))
	return true, nil
}

// scheduleUpdateCheckAtIdle queues at most one pending opportunistic update
// probe. The probe itself only fetches once the interval limiter has
// accumulated a token, so request volume never shortens the cadence.
func (d *Driver) scheduleUpdateCheckAtIdle(ctx context.Context) {
	d.mu.Lock()
	if d.updateCheckQueued || d.state == SafeMode {
		d.mu.Unlock()
		return
	}
	d.updateCheckQueued = true
	d.mu.Unlock()

	d.idle.Schedule("check for update", func(ctx context.Context) error {
		d.mu.Lock()
		d.updateCheckQueued = false
		d.mu.Unlock()

		if !d.updateLimiter.AllowN(d.clock.Now(), 1) {
			return nil
		}
		if _, err := d.CheckForUpdate(ctx); err != nil {
			return err
		}
		return nil
	})
}
