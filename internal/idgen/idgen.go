// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixes used across the service so IDs are recognisable in logs.
const (
	PrefixSession = "cfs_"
	PrefixEvent   = "evt_"
	PrefixRun     = "run_"
	PrefixAPIKey  = "ak_"
)

// WithPrefix returns prefix + 24 hex chars (12 random bytes), e.g. "cfs_9f2c...".
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Session returns a new cancel-flow session ID.
func Session() string { return WithPrefix(PrefixSession) }

// Event returns a new churn event ID.
func Event() string { return WithPrefix(PrefixEvent) }

// Run returns a new batch run ID.
func Run() string { return WithPrefix(PrefixRun) }

// APIKey returns a new API key record ID.
func APIKey() string { return WithPrefix(PrefixAPIKey) }
