// Package config holds the per-peer tunables recognized throughout the
// overlay and storage engine, per spec §6.
package config

import (
	"fmt"
	"time"
)

// ConflictResolution selects the non-CRDT conflict strategy.
type ConflictResolution string

const (
	LastWriteWins ConflictResolution = "last-write-wins"
	CRDTMerge     ConflictResolution = "crdt-merge"
)

// Config is the full set of per-peer options from spec §6. Every field has a
// spec-mandated default, applied by Default().
type Config struct {
	MaxValueSize                 int64
	DefaultTTL                   time.Duration // zero means no default TTL
	EncryptionEnabled            bool
	EnableCRDT                   bool
	ConflictResolution           ConflictResolution
	SpaceEnforcement             bool
	ReplicationFactor            int
	MaxHops                      int // 0 means "derive from network size"
	RPCTimeout                   time.Duration
	RetryAttempts                int
	RetryBackoff                 time.Duration
	SubscriptionRepublishInterval time.Duration
	TombstoneGrace               time.Duration
	CryptoInitTimeout            time.Duration
	BulkFanout                   int
}

// Default returns the spec-mandated defaults.
func Default() Config {
	return Config{
		MaxValueSize:                  1 << 20, // 1 MiB
		DefaultTTL:                    0,
		EncryptionEnabled:             true,
		EnableCRDT:                    true,
		ConflictResolution:            LastWriteWins,
		SpaceEnforcement:              true,
		ReplicationFactor:             3,
		MaxHops:                       0,
		RPCTimeout:                    5 * time.Second,
		RetryAttempts:                 3,
		RetryBackoff:                  200 * time.Millisecond,
		SubscriptionRepublishInterval: 60 * time.Second,
		TombstoneGrace:                24 * time.Hour,
		CryptoInitTimeout:             5 * time.Second,
		BulkFanout:                    32,
	}
}

// Quorum returns ceil(K/2)+1, the number of replica acks required for a
// DHT_STORE to be considered successful (spec §4.2).
func (c Config) Quorum() int {
	return (c.ReplicationFactor+1)/2 + 1
}

// Validate rejects obviously broken configuration before a peer starts,
// in the same fail-fast spirit as the teacher's W+R>N check in cmd/server.
func (c Config) Validate() error {
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("config: replicationFactor must be >= 1, got %d", c.ReplicationFactor)
	}
	if c.MaxValueSize <= 0 {
		return fmt.Errorf("config: maxValueSize must be > 0, got %d", c.MaxValueSize)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("config: retryAttempts must be >= 1, got %d", c.RetryAttempts)
	}
	if c.ConflictResolution != LastWriteWins && c.ConflictResolution != CRDTMerge {
		return fmt.Errorf("config: unknown conflictResolution %q", c.ConflictResolution)
	}
	return nil
}

// HopBudget computes H = ceil(log2(N)) + 2 for a mesh of n currently-known
// peers, per spec §4.2, when MaxHops is not explicitly configured.
func (c Config) HopBudget(n int) int {
	if c.MaxHops > 0 {
		return c.MaxHops
	}
	h := 2
	for p := 1; p < n; p *= 2 {
		h++
	}
	return h
}
