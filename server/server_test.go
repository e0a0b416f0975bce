// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package server_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featurebasedb/plantx"
	"github.com/featurebasedb/plantx/errors"
	"github.com/featurebasedb/plantx/server"
	"github.com/featurebasedb/plantx/toml"
	"github.com/featurebasedb/plantx/transaction"
)

// mustStartCommand starts a command writing into a fresh data directory
// and closes it when the test ends.
func mustStartCommand(t *testing.T, configure func(c *server.Config)) (*server.Command, *bytes.Buffer) {
	t.Helper()
	var stderr bytes.Buffer
	cmd := server.NewCommand(&stderr)
	cmd.Config.DataDir = t.TempDir()
	cmd.Config.Transactions.GCInterval = 0
	if configure != nil {
		configure(cmd.Config)
	}
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { cmd.Close() })
	return cmd, &stderr
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, server.NewConfig().Validate())

	for name, mutate := range map[string]func(c *server.Config){
		"NoDataDir":        func(c *server.Config) { c.DataDir = "" },
		"NoPermissions":    func(c *server.Config) { c.Auth.Enable = true },
		"NegativeEntries":  func(c *server.Config) { c.PlanCache.MaxEntries = -1 },
		"NegativeSize":     func(c *server.Config) { c.PlanCache.MaxEntrySize = -1 },
		"NegativeDuration": func(c *server.Config) { c.Transactions.LockTimeout = toml.Duration(-time.Second) },
	} {
		t.Run(name, func(t *testing.T) {
			c := server.NewConfig()
			mutate(c)
			if err := c.Validate(); !errors.Is(err, errors.ErrBadParameter) {
				t.Fatalf("expected bad parameter, got: %v", err)
			}
		})
	}

	t.Run("ZeroIdleTimeout", func(t *testing.T) {
		c := server.NewConfig()
		c.Transactions.IdleTimeout = 0
		require.NoError(t, c.Validate())
		assert.Equal(t, time.Duration(0), c.HolderConfig().Transactions.IdleTimeout)
	})

	t.Run("NoDataDirWithoutJournal", func(t *testing.T) {
		c := server.NewConfig()
		c.DataDir = ""
		c.Storage.Journal = false
		require.NoError(t, c.Validate())
	})
}

func TestConfig_HolderConfig(t *testing.T) {
	c := server.NewConfig()
	c.PlanCache.MaxEntries = 7
	c.PlanCache.MaxMemoryUsage = 1 << 20
	c.Transactions.IdleTimeout = toml.Duration(time.Second)

	hc := c.HolderConfig()
	assert.True(t, hc.PlanCache.Enabled)
	assert.Equal(t, 7, hc.PlanCache.MaxEntries)
	assert.Equal(t, int64(1<<20), hc.PlanCache.MaxMemoryUsage)
	assert.Equal(t, time.Second, hc.Transactions.IdleTimeout)
	assert.Equal(t, time.Minute, hc.MaintenanceInterval)
}

func TestCommand_Journal(t *testing.T) {
	ctx := context.Background()
	cmd, _ := mustStartCommand(t, nil)
	require.NotNil(t, cmd.Journal())
	assert.Equal(t, cmd.Config.DataDir, filepath.Dir(cmd.Journal().Path()))

	db, err := cmd.Holder.CreateDatabase("shop")
	require.NoError(t, err)
	_, err = db.CreateCollection("users")
	require.NoError(t, err)

	id, err := cmd.Holder.BeginTransaction(ctx, "shop", cmd.ExecContext("alice", false), []byte(`{"collections": {"write": "users"}}`), "test")
	require.NoError(t, err)

	rec, err := cmd.Journal().Record(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusRunning, rec.Status)
	assert.Equal(t, "alice", rec.User)

	// Closing aborts what is still running.
	journal := cmd.Journal()
	require.NoError(t, cmd.Close())
	require.NoError(t, cmd.Close())
	assert.Equal(t, transaction.StatusAborted, cmd.Holder.Manager().GetManagedTrxStatus(id, "shop"))
	_, err = journal.Record(ctx, id)
	require.Error(t, err)
}

func TestCommand_NoJournal(t *testing.T) {
	cmd, _ := mustStartCommand(t, func(c *server.Config) {
		c.Storage.Journal = false
	})
	assert.Nil(t, cmd.Journal())
	entries, err := os.ReadDir(cmd.Config.DataDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCommand_Permissions(t *testing.T) {
	ctx := context.Background()
	perms := filepath.Join(t.TempDir(), "permissions.yaml")
	require.NoError(t, os.WriteFile(perms, []byte(`user-groups:
  "readers":
    "shop": "read"
members:
  "alice": ["readers"]
`), 0600))

	cmd, _ := mustStartCommand(t, func(c *server.Config) {
		c.Auth.Enable = true
		c.Auth.PermissionsFile = perms
	})
	db, err := cmd.Holder.CreateDatabase("shop")
	require.NoError(t, err)
	_, err = db.CreateCollection("users")
	require.NoError(t, err)

	alice := cmd.ExecContext("alice", false)
	_, err = cmd.Holder.BeginTransaction(ctx, "shop", alice, []byte(`{"collections": {"read": "users"}}`), "test")
	require.NoError(t, err)
	_, err = cmd.Holder.BeginTransaction(ctx, "shop", alice, []byte(`{"collections": {"write": "users"}}`), "test")
	if !errors.Is(err, errors.ErrForbidden) {
		t.Fatalf("expected forbidden, got: %v", err)
	}

	t.Run("MissingFile", func(t *testing.T) {
		cmd := server.NewCommand(&bytes.Buffer{})
		cmd.Config.DataDir = t.TempDir()
		cmd.Config.Auth.Enable = true
		cmd.Config.Auth.PermissionsFile = filepath.Join(t.TempDir(), "nope.yaml")
		require.Error(t, cmd.Start())
		require.NoError(t, cmd.Close())
	})
}

func TestCommand_Logging(t *testing.T) {
	t.Run("Stderr", func(t *testing.T) {
		_, stderr := mustStartCommand(t, nil)
		assert.Contains(t, stderr.String(), "plantx started")
	})

	t.Run("JSON", func(t *testing.T) {
		_, stderr := mustStartCommand(t, func(c *server.Config) { c.JSONLogs = true })
		assert.Contains(t, stderr.String(), `"msg":"plantx started"`)
	})

	t.Run("File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plantx.log")
		cmd, stderr := mustStartCommand(t, func(c *server.Config) { c.LogPath = path })
		require.NoError(t, cmd.Close())
		assert.Empty(t, stderr.String())
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "plantx started")
	})
}

func TestCommand_Metrics(t *testing.T) {
	cmd, _ := mustStartCommand(t, func(c *server.Config) { c.Storage.Journal = false })
	_, err := cmd.Holder.CreateDatabase("shop")
	require.NoError(t, err)
	_, err = cmd.Holder.Prepare(context.Background(), "shop", nil, plantx.Query{
		Text:    "return 1",
		Options: plantx.QueryOptions{UsePlanCache: true},
	})
	require.NoError(t, err)

	families, err := cmd.Registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["plantx_plan_cache_misses_total"])
	assert.True(t, names["plantx_transactions_running"])
}
