// Package manifest defines the versioned description of an application's
// cacheable surface and its content-addressed identity.
//
// A manifest lists asset groups (static, hash-pinned resources), data groups
// (dynamic, pattern-matched resources) and a hash table binding every listed
// asset URL to the SHA-1 of its body. The manifest itself is identified by
// the SHA-1 of its JSON encoding.
package manifest

import (
	"encoding/json"
	"fmt"
)

// Asset group caching modes.
const (
	ModePrefetch = "prefetch"
	ModeLazy     = "lazy"
)

// Manifest describes one application version.
type Manifest struct {
	ConfigVersion int                `json:"configVersion"`
	AppData       map[string]string  `json:"appData,omitempty"`
	AssetGroups   []AssetGroupConfig `json:"assetGroups"`
	DataGroups    []DataGroupConfig  `json:"dataGroups"`
	HashTable     map[string]string  `json:"hashTable"`
}

// AssetGroupConfig configures one named group of static resources. URLs are
// hash-pinned via the manifest hash table; Patterns match unhashed resources
// at request time.
type AssetGroupConfig struct {
	Name     string   `json:"name"`
	Mode     string   `json:"mode"`
	URLs     []string `json:"urls"`
	Patterns []string `json:"patterns,omitempty"`
}

// DataGroupConfig configures one named group of dynamic resources with an
// LRU bound, a freshness window and an optional network timeout.
type DataGroupConfig struct {
	Name      string   `json:"name"`
	Patterns  []string `json:"patterns"`
	MaxSize   int      `json:"maxSize"`
	MaxAge    int64    `json:"maxAge"`              // milliseconds
	TimeoutMs int64    `json:"timeoutMs,omitempty"` // 0 means no timeout
}

// Parse decodes and validates a manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest's structural invariants: group modes and
// bounds are legal and every asset-group URL has a hash table entry.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.AssetGroups))
	for _, group := range m.AssetGroups {
		if group.Name == "" {
			return fmt.Errorf("asset group with empty name")
		}
		if seen[group.Name] {
			return fmt.Errorf("duplicate asset group %q", group.Name)
		}
		seen[group.Name] = true
		if group.Mode != ModePrefetch && group.Mode != ModeLazy {
			return fmt.Errorf("asset group %q: unknown mode %q", group.Name, group.Mode)
		}
		for _, url := range group.URLs {
			if _, ok := m.HashTable[url]; !ok {
				return fmt.Errorf("asset group %q: url %s missing from hash table", group.Name, url)
			}
		}
	}
	for _, group := range m.DataGroups {
		if group.Name == "" {
			return fmt.Errorf("data group with empty name")
		}
		if group.MaxSize <= 0 {
			return fmt.Errorf("data group %q: maxSize must be positive, got %d", group.Name, group.MaxSize)
		}
	}
	return nil
}
