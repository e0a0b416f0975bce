// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package server

import (
	"time"

	"github.com/featurebasedb/plantx"
	"github.com/featurebasedb/plantx/errors"
	"github.com/featurebasedb/plantx/plancache"
	"github.com/featurebasedb/plantx/toml"
	"github.com/featurebasedb/plantx/transaction"
)

// Config represents the configuration for the command.
type Config struct {
	// DataDir is the directory where the transaction journal is kept.
	DataDir string `toml:"data-dir"`

	// LogPath configures where logs are written. Empty means stderr.
	LogPath string `toml:"log-path"`

	// Verbose toggles verbose logging which can be useful for debugging.
	Verbose bool `toml:"verbose"`

	// JSONLogs writes structured JSON log lines instead of plain text.
	JSONLogs bool `toml:"json-logs"`

	PlanCache struct {
		Enabled          bool          `toml:"enabled"`
		MaxEntries       int           `toml:"max-entries"`
		MaxMemoryUsage   toml.ByteSize `toml:"max-memory-usage"`
		MaxEntrySize     toml.ByteSize `toml:"max-entry-size"`
		InvalidationTime toml.Duration `toml:"invalidation-time"`

		// PruneInterval is how often expired plans are dropped.
		PruneInterval toml.Duration `toml:"prune-interval"`
	} `toml:"plan-cache"`

	Transactions struct {
		// IdleTimeout aborts transactions left unused this long. Zero keeps
		// them until they are finished.
		IdleTimeout        toml.Duration `toml:"idle-timeout"`
		LockTimeout        toml.Duration `toml:"lock-timeout"`
		TombstoneTTL       toml.Duration `toml:"tombstone-ttl"`
		GCInterval         toml.Duration `toml:"gc-interval"`
		MaxTransactionSize toml.ByteSize `toml:"max-transaction-size"`
	} `toml:"transactions"`

	Storage struct {
		// Journal persists transaction status in DataDir. When off,
		// transactions only live in memory.
		Journal bool `toml:"journal"`

		// Retention is how long finished transactions stay in the journal.
		Retention toml.Duration `toml:"retention"`

		// PruneInterval is how often the journal is pruned.
		PruneInterval toml.Duration `toml:"prune-interval"`
	} `toml:"storage"`

	Auth struct {
		// Enable checks every request against the permissions file.
		Enable bool `toml:"enable"`

		// PermissionsFile is a YAML file mapping groups to permissions.
		PermissionsFile string `toml:"permissions"`
	} `toml:"auth"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	c := &Config{
		DataDir: "~/.plantx",
	}

	cache := plancache.DefaultOptions()
	c.PlanCache.Enabled = cache.Enabled
	c.PlanCache.MaxEntries = cache.MaxEntries
	c.PlanCache.MaxMemoryUsage = toml.ByteSize(cache.MaxMemoryUsage)
	c.PlanCache.MaxEntrySize = toml.ByteSize(cache.MaxEntrySize)
	c.PlanCache.InvalidationTime = toml.Duration(cache.InvalidationTime)
	c.PlanCache.PruneInterval = toml.Duration(time.Minute)

	trx := transaction.DefaultConfig()
	c.Transactions.IdleTimeout = toml.Duration(trx.IdleTimeout)
	c.Transactions.LockTimeout = toml.Duration(trx.LockTimeout)
	c.Transactions.TombstoneTTL = toml.Duration(trx.TombstoneTTL)
	c.Transactions.GCInterval = toml.Duration(trx.GCInterval)
	c.Transactions.MaxTransactionSize = toml.ByteSize(trx.MaxTransactionSize)

	c.Storage.Journal = true
	c.Storage.Retention = toml.Duration(24 * time.Hour)
	c.Storage.PruneInterval = toml.Duration(time.Hour)

	return c
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DataDir == "" && c.Storage.Journal {
		return errors.New(errors.ErrBadParameter, "data-dir is required when storage.journal is on")
	}
	if c.Auth.Enable && c.Auth.PermissionsFile == "" {
		return errors.New(errors.ErrBadParameter, "auth.permissions is required when auth is enabled")
	}
	if c.PlanCache.MaxEntries < 0 {
		return errors.Newf(errors.ErrBadParameter, "plan-cache.max-entries must not be negative: %d", c.PlanCache.MaxEntries)
	}
	for name, b := range map[string]toml.ByteSize{
		"plan-cache.max-memory-usage":       c.PlanCache.MaxMemoryUsage,
		"plan-cache.max-entry-size":         c.PlanCache.MaxEntrySize,
		"transactions.max-transaction-size": c.Transactions.MaxTransactionSize,
	} {
		if b < 0 {
			return errors.Newf(errors.ErrBadParameter, "%s must not be negative: %s", name, b)
		}
	}
	for name, d := range map[string]toml.Duration{
		"plan-cache.invalidation-time": c.PlanCache.InvalidationTime,
		"plan-cache.prune-interval":    c.PlanCache.PruneInterval,
		"transactions.idle-timeout":    c.Transactions.IdleTimeout,
		"transactions.lock-timeout":    c.Transactions.LockTimeout,
		"transactions.tombstone-ttl":   c.Transactions.TombstoneTTL,
		"transactions.gc-interval":     c.Transactions.GCInterval,
		"storage.retention":            c.Storage.Retention,
		"storage.prune-interval":       c.Storage.PruneInterval,
	} {
		if d < 0 {
			return errors.Newf(errors.ErrBadParameter, "%s must not be negative: %s", name, d)
		}
	}
	return nil
}

// HolderConfig converts the configuration into the holder's.
func (c *Config) HolderConfig() *plantx.HolderConfig {
	hc := plantx.DefaultHolderConfig()
	hc.PlanCache = plancache.Options{
		Enabled:          c.PlanCache.Enabled,
		MaxEntries:       c.PlanCache.MaxEntries,
		MaxMemoryUsage:   int64(c.PlanCache.MaxMemoryUsage),
		MaxEntrySize:     int64(c.PlanCache.MaxEntrySize),
		InvalidationTime: time.Duration(c.PlanCache.InvalidationTime),
	}
	hc.Transactions = transaction.Config{
		IdleTimeout:        time.Duration(c.Transactions.IdleTimeout),
		LockTimeout:        time.Duration(c.Transactions.LockTimeout),
		TombstoneTTL:       time.Duration(c.Transactions.TombstoneTTL),
		GCInterval:         time.Duration(c.Transactions.GCInterval),
		MaxTransactionSize: uint64(c.Transactions.MaxTransactionSize),
	}
	hc.MaintenanceInterval = time.Duration(c.PlanCache.PruneInterval)
	return hc
}
