// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package ctl holds the implementations of the plantx subcommands which are
// independent of cobra.
package ctl

import (
	"github.com/spf13/cobra"

	"github.com/featurebasedb/plantx/server"
)

// BuildServerFlags attaches a set of flags to the command for a server instance.
func BuildServerFlags(cmd *cobra.Command, srv *server.Command) {
	flags := cmd.Flags()
	c := srv.Config
	flags.StringVarP(&c.DataDir, "data-dir", "d", c.DataDir, "Directory to store the transaction journal in.")
	flags.StringVar(&c.LogPath, "log-path", c.LogPath, "Log path")
	flags.BoolVar(&c.Verbose, "verbose", c.Verbose, "Enable verbose logging")
	flags.BoolVar(&c.JSONLogs, "json-logs", c.JSONLogs, "Write structured JSON logs")

	// Plan cache
	flags.BoolVar(&c.PlanCache.Enabled, "plan-cache.enabled", c.PlanCache.Enabled, "Cache query plans.")
	flags.IntVar(&c.PlanCache.MaxEntries, "plan-cache.max-entries", c.PlanCache.MaxEntries, "Maximum number of plans cached per database. Zero for no limit.")
	flags.Var(&c.PlanCache.MaxMemoryUsage, "plan-cache.max-memory-usage", "Maximum memory used by the cached plans of a database. Zero for no limit.")
	flags.Var(&c.PlanCache.MaxEntrySize, "plan-cache.max-entry-size", "Plans larger than this are not cached. Zero for no limit.")
	flags.Var(&c.PlanCache.InvalidationTime, "plan-cache.invalidation-time", "How long a cached plan stays usable. Zero to keep plans until they are evicted.")
	flags.Var(&c.PlanCache.PruneInterval, "plan-cache.prune-interval", "Interval at which expired plans are dropped. Zero to disable.")

	// Transactions
	flags.Var(&c.Transactions.IdleTimeout, "transactions.idle-timeout", "Idle transactions are aborted after this long. Zero keeps them until finished.")
	flags.Var(&c.Transactions.LockTimeout, "transactions.lock-timeout", "Maximum time to wait for a transaction lease.")
	flags.Var(&c.Transactions.TombstoneTTL, "transactions.tombstone-ttl", "How long the outcome of a finished transaction is remembered.")
	flags.Var(&c.Transactions.GCInterval, "transactions.gc-interval", "Interval at which idle transactions are collected. Zero to disable.")
	flags.Var(&c.Transactions.MaxTransactionSize, "transactions.max-transaction-size", "Largest total size of the write plans one transaction may run. Zero for no limit.")

	// Storage
	flags.BoolVar(&c.Storage.Journal, "storage.journal", c.Storage.Journal, "Persist transaction status in the data directory.")
	flags.Var(&c.Storage.Retention, "storage.retention", "How long finished transactions stay in the journal.")
	flags.Var(&c.Storage.PruneInterval, "storage.prune-interval", "Interval at which the journal is pruned. Zero to disable.")

	// Auth
	flags.BoolVar(&c.Auth.Enable, "auth.enable", c.Auth.Enable, "Check requests against the permissions file.")
	flags.StringVar(&c.Auth.PermissionsFile, "auth.permissions", c.Auth.PermissionsFile, "YAML file mapping groups to database and collection permissions.")
}
