// Package util holds small helpers shared across the service.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID mints a random identifier like "proj_9f2c…". The prefix makes IDs
// self-describing in logs and URLs; an empty prefix yields a bare token,
// used where the ID itself is the secret (preview links, asset keys).
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
