// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/featurebasedb/plantx/cmd"
)

// execNewRootCommand executes the root command with the given arguments and
// returns its combined output.
func execNewRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rc := cmd.NewRootCommand(strings.NewReader(""), &out, &out)
	rc.SetArgs(args)
	err := rc.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	outStr, err := execNewRootCommand(t, "--help")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(outStr, "Usage:") ||
		!strings.Contains(outStr, "Available Commands:") ||
		!strings.Contains(outStr, "generate-config") {
		t.Fatalf("Expected standard usage message from RootCommand, but got: %s", outStr)
	}
}

func TestGenerateConfig(t *testing.T) {
	outStr, err := execNewRootCommand(t, "generate-config")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(outStr, "[plan-cache]") || !strings.Contains(outStr, `data-dir = "~/.plantx"`) {
		t.Fatalf("unexpected config: %s", outStr)
	}
}

func TestServerHelp(t *testing.T) {
	output, err := execNewRootCommand(t, "server", "--help")
	if !strings.Contains(output, "Usage:") ||
		!strings.Contains(output, "--plan-cache.max-entries") || err != nil {
		t.Fatalf("Command 'server --help' not working, err: '%v', output: '%s'", err, output)
	}
}

type commandTest struct {
	args           []string
	env            map[string]string
	cfgFileContent string
	expErr         string
	validation     func(t *testing.T)
}

func (ct commandTest) run(t *testing.T) {
	t.Helper()
	for k, v := range ct.env {
		t.Setenv(k, v)
	}
	args := ct.args
	if ct.cfgFileContent != "" {
		path := filepath.Join(t.TempDir(), "plantx.toml")
		if err := os.WriteFile(path, []byte(ct.cfgFileContent), 0600); err != nil {
			t.Fatal(err)
		}
		args = append(args, "--config", path)
	}
	_, err := execNewRootCommand(t, append(args, "--dry-run")...)
	if ct.expErr == "" {
		ct.expErr = "dry run"
	}
	if err == nil || !strings.Contains(err.Error(), ct.expErr) {
		t.Fatalf("expected error containing %q, got: %v", ct.expErr, err)
	}
	if ct.validation != nil {
		ct.validation(t)
	}
}

func TestServerConfig(t *testing.T) {
	dataDir := t.TempDir()

	t.Run("Precedence", func(t *testing.T) {
		commandTest{
			args: []string{"server", "--data-dir", dataDir, "--plan-cache.max-entries", "10"},
			env: map[string]string{
				"PLANTX_DATA_DIR":                  "/tmp/myEnvDatadir",
				"PLANTX_PLAN_CACHE_MAX_ENTRIES":    "20",
				"PLANTX_TRANSACTIONS_LOCK_TIMEOUT": "7s",
			},
			cfgFileContent: `
data-dir = "/tmp/myFileDatadir"
verbose = true

[plan-cache]
	max-entries = 30
	max-memory-usage = "2MiB"

[transactions]
	lock-timeout = "9s"
	idle-timeout = "1m30s"

[storage]
	journal = false
`,
			validation: func(t *testing.T) {
				c := cmd.Server.Config
				if c.DataDir != dataDir {
					t.Errorf("data dir: %s", c.DataDir)
				}
				if c.PlanCache.MaxEntries != 10 {
					t.Errorf("max entries: %d", c.PlanCache.MaxEntries)
				}
				if c.PlanCache.MaxMemoryUsage != 2<<20 {
					t.Errorf("max memory usage: %s", c.PlanCache.MaxMemoryUsage)
				}
				if time.Duration(c.Transactions.LockTimeout) != 7*time.Second {
					t.Errorf("lock timeout: %s", c.Transactions.LockTimeout)
				}
				if time.Duration(c.Transactions.IdleTimeout) != 90*time.Second {
					t.Errorf("idle timeout: %s", c.Transactions.IdleTimeout)
				}
				if !c.Verbose || c.Storage.Journal {
					t.Errorf("verbose %v, journal %v", c.Verbose, c.Storage.Journal)
				}
			},
		}.run(t)
	})

	t.Run("Defaults", func(t *testing.T) {
		commandTest{
			args: []string{"server"},
			validation: func(t *testing.T) {
				c := cmd.Server.Config
				if c.DataDir != "~/.plantx" || !c.PlanCache.Enabled || !c.Storage.Journal {
					t.Errorf("unexpected defaults: %+v", c)
				}
			},
		}.run(t)
	})

	t.Run("InvalidOption", func(t *testing.T) {
		commandTest{
			args:           []string{"server"},
			cfgFileContent: "bind = \"localhost:10101\"\n",
			expErr:         "invalid option in configuration file: bind",
		}.run(t)
	})

	t.Run("BadDuration", func(t *testing.T) {
		commandTest{
			args:   []string{"server"},
			env:    map[string]string{"PLANTX_STORAGE_RETENTION": "forever"},
			expErr: "invalid duration",
		}.run(t)
	})
}
