// Package metrics instruments the caching core with Prometheus collectors.
//
// All record helpers are nil-safe: a component handed a nil *Metrics simply
// skips instrumentation, so the library carries no registry of its own.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Request outcome labels.
const (
	ModeHit      = "hit"       // served from cache, fresh
	ModeStale    = "stale"     // served from cache past freshness, revalidation queued
	ModeFetched  = "fetched"   // cache miss, fetched and cached
	ModeBypass   = "bypass"    // no version or group claimed the request, fell through to network
	ModeTimeout  = "timeout"   // data-group fetch lost the timeout race
	ModeSafeMode = "safe_mode" // driver declined because it is in safe mode
)

// Metrics bundles the collectors the core reports into.
type Metrics struct {
	requests        *prometheus.CounterVec
	updateChecks    *prometheus.CounterVec
	versionFailures prometheus.Counter
	evictions       *prometheus.CounterVec
	versions        prometheus.Gauge
}

// New builds and registers the collector set. Registration panics on
// duplicate registration, same as raw prometheus usage.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swproxy_requests_total",
			Help: "Requests handled, by owning group and cache outcome.",
		}, []string{"group", "mode"}),
		updateChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swproxy_update_checks_total",
			Help: "Manifest update checks, by result.",
		}, []string{"result"}),
		versionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swproxy_version_failures_total",
			Help: "Application versions whose initialization failed.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swproxy_data_evictions_total",
			Help: "LRU evictions from data groups.",
		}, []string{"group"}),
		versions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swproxy_versions",
			Help: "Application versions currently registered with the driver.",
		}),
	}
	reg.MustRegister(m.requests, m.updateChecks, m.versionFailures, m.evictions, m.versions)
	return m
}

// RecordRequest counts one handled request for group with the given outcome.
func (m *Metrics) RecordRequest(group, mode string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(group, mode).Inc()
}

// RecordUpdateCheck counts one update check: "update", "none" or "error".
func (m *Metrics) RecordUpdateCheck(result string) {
	if m == nil {
		return
	}
	m.updateChecks.WithLabelValues(result).Inc()
}

// RecordVersionFailure counts one failed version initialization.
func (m *Metrics) RecordVersionFailure() {
	if m == nil {
		return
	}
	m.versionFailures.Inc()
}

// RecordEviction counts one LRU eviction in a data group.
func (m *Metrics) RecordEviction(group string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(group).Inc()
}

// SetVersions records the current number of registered versions.
func (m *Metrics) SetVersions(n int) {
	if m == nil {
		return
	}
	m.versions.Set(float64(n))
}
