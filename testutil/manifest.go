package testutil

import (
	"encoding/json"

	"github.com/o-tero/swproxy/manifest"
)

// HashOf returns the content hash the manifest hash table must carry for a
// body the MockServer serves.
func HashOf(body string) manifest.Hash {
	return manifest.HashBytes([]byte(body))
}

// ManifestJSON serializes a manifest exactly as a producer would.
func ManifestJSON(m *manifest.Manifest) string {
	data, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// HashTableFor builds a hash table from url to served body.
func HashTableFor(bodies map[string]string) map[string]manifest.Hash {
	table := make(map[string]manifest.Hash, len(bodies))
	for url, body := range bodies {
		table[url] = HashOf(body)
	}
	return table
}
