package manifest

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash is the hex-encoded SHA-1 identifying a manifest or a resource body.
type Hash = string

// HashManifest computes the manifest's identity: SHA-1 of its JSON encoding.
// encoding/json is deterministic (struct fields in declaration order, map
// keys sorted), so producer and consumer agree on the bytes being hashed.
func HashManifest(m *Manifest) (Hash, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode manifest for hashing: %w", err)
	}
	return HashBytes(data), nil
}

// HashBytes returns the hex SHA-1 of data. Used for both manifest identity
// and asset body verification against the manifest hash table.
func HashBytes(data []byte) Hash {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
