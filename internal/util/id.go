package util

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// NewID returns a sortable identifier: millisecond timestamp in base36
// followed by a random hex suffix. Collisions are treated as negligible.
func NewID(prefix string) string {
	suffix := make([]byte, 8)
	_, _ = rand.Read(suffix)
	id := strconv.FormatInt(time.Now().UnixMilli(), 36) + hex.EncodeToString(suffix)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
