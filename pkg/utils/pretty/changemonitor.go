// Package pretty contains small helpers for keeping logs and audit streams
// readable.
package pretty

import (
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
)

// ChangeMonitor reduces repeated diagnostics for conditions that persist
// across many ticks. Recorded values expire so a still-standing condition is
// re-reported occasionally rather than only once at startup.
type ChangeMonitor struct {
	lastSeen *cache.Cache
}

func NewChangeMonitor(expiry time.Duration) *ChangeMonitor {
	return &ChangeMonitor{
		lastSeen: cache.New(expiry, expiry/2+time.Second),
	}
}

// HasChanged returns true if the hash of value differs from the last value
// recorded under key, and records the new hash.
func (c *ChangeMonitor) HasChanged(key string, value any) bool {
	hv, _ := hashstructure.Hash(value, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	existing, ok := c.lastSeen.Get(key)
	var existingHash uint64
	if ok {
		existingHash = existing.(uint64)
	}
	if !ok || existingHash != hv {
		c.lastSeen.SetDefault(key, hv)
		return true
	}
	return false
}
