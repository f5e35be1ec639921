// Package idgen mints record IDs and secrets.
//
// Record IDs are UUIDv7, so attempts, incidents and audit entries sort by
// creation time within a prefix.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Record prefixes.
const (
	Attempt  = "att_"
	Incident = "raid_"
	Audit    = "aud_"
	Webhook  = "wh_"
	Event    = "evt_"
)

// New returns a dashed UUIDv7.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// WithPrefix returns prefix + 32 hex chars of a UUIDv7.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(New(), "-", "")
}

// Secret returns numBytes of crypto/rand as hex, for signing keys.
func Secret(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
