package driver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// eventLogLimit bounds the in-memory event log backing the state report.
const eventLogLimit = 50

// LogEntry is one line of the bounded driver event log.
type LogEntry struct {
	Type   EventType `json:"type"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// VersionReport describes one installed version in a state report.
type VersionReport struct {
	Hash        string   `json:"hash"`
	Okay        bool     `json:"okay"`
	Latest      bool     `json:"latest"`
	Clients     int      `json:"clients"`
	AssetGroups []string `json:"assetGroups"`
	DataGroups  []string `json:"dataGroups"`
}

// StateReport is a point-in-time snapshot of the driver for debugging.
type StateReport struct {
	State       string          `json:"state"`
	Latest      string          `json:"latest"`
	Clients     int             `json:"clients"`
	Versions    []VersionReport `json:"versions"`
	RecentLog   []LogEntry      `json:"recentLog"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

// DebugState assembles the driver's current state report. It forces
// initialization so a cold worker still reports something meaningful.
func (d *Driver) DebugState(ctx context.Context) (*StateReport, error) {
	if err := d.ensureInitialized(ctx); err != nil {
		d.enterSafeMode()
	}

	d.mu.Lock()
	report := &StateReport{
		State:       d.state.String(),
		Latest:      string(d.latestHash),
		Clients:     len(d.clientVersionMap),
		GeneratedAt: d.clock.Now(),
	}
	clientCounts := make(map[string]int)
	for _, hash := range d.clientVersionMap {
		clientCounts[string(hash)]++
	}
	for hash, v := range d.versions {
		assetGroups, dataGroups := v.GroupNames()
		report.Versions = append(report.Versions, VersionReport{
			Hash:        string(hash),
			Okay:        v.Okay(),
			Latest:      hash == d.latestHash,
			Clients:     clientCounts[string(hash)],
			AssetGroups: assetGroups,
			DataGroups:  dataGroups,
		})
	}
	d.mu.Unlock()
	sort.Slice(report.Versions, func(i, j int) bool {
		return report.Versions[i].Hash < report.Versions[j].Hash
	})

	d.eventsMu.Lock()
	report.RecentLog = append(report.RecentLog, d.eventLog...)
	d.eventsMu.Unlock()
	return report, nil
}

// Render formats the report as the plain-text page served at /debug/state.
func (r *StateReport) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "SWPROXY DEBUG INFO\n\nDriver state: %s\nLatest manifest hash: %s\nAssigned clients: %d\n\n", r.State, r.Latest, r.Clients)
	for _, v := range r.Versions {
		marker := ""
		if v.Latest {
			marker = " (latest)"
		}
		fmt.Fprintf(&b, "=== Version %s%s ===\nokay: %t\nclients: %d\nasset groups: %s\ndata groups: %s\n\n",
			v.Hash, marker, v.Okay, v.Clients,
			strings.Join(v.AssetGroups, ", "), strings.Join(v.DataGroups, ", "))
	}
	if len(r.RecentLog) > 0 {
		b.WriteString("=== Recent log ===\n")
		for _, entry := range r.RecentLog {
			fmt.Fprintf(&b, "[%s] %s %s\n", entry.At.Format(time.RFC3339), entry.Type, entry.Detail)
		}
	}
	return b.String()
}

func eventDetail(event UpdateEvent) string {
	switch event.Type {
	case EventUpdateAvailable:
		return fmt.Sprintf("current=%s available=%s", event.Current, event.Available)
	case EventUpdateActivated:
		return fmt.Sprintf("activated=%s", event.Current)
	default:
		return event.Detail
	}
}
