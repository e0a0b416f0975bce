// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package server contains the `plantx server` subcommand. The purpose of
// this package is to define an easily tested Command object which handles
// interpreting configuration and setting up all the objects the holder
// needs: logging, the transaction journal, permissions and metrics.
package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/featurebasedb/plantx"
	"github.com/featurebasedb/plantx/authz"
	"github.com/featurebasedb/plantx/errors"
	"github.com/featurebasedb/plantx/logger"
	"github.com/featurebasedb/plantx/storage/boltdb"
)

// Command represents the state of the plantx server command.
type Command struct {
	Holder *plantx.Holder

	// Configuration.
	Config *Config

	// Optimizer plans queries. It must be set before Start to serve
	// anything but empty plans.
	Optimizer plantx.Optimizer

	// Registry holds the plan cache and transaction metrics.
	Registry *prometheus.Registry

	journal    *boltdb.Journal
	authorizer authz.Authorizer

	logger  logger.Logger
	logFile io.Closer
	stderr  io.Writer

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	// Started will be closed once Command.Start is finished.
	Started chan struct{}
	// Done will be closed when Command.Close() is called
	Done chan struct{}
}

// NewCommand returns a new instance of Command.
func NewCommand(stderr io.Writer) *Command {
	ctx, cancel := context.WithCancel(context.Background())
	return &Command{
		Config:   NewConfig(),
		Registry: prometheus.NewRegistry(),

		stderr: stderr,
		ctx:    ctx,
		cancel: cancel,

		Started: make(chan struct{}),
		Done:    make(chan struct{}),
	}
}

// Logger returns the command's logger, valid after Start.
func (m *Command) Logger() logger.Logger { return m.logger }

// Journal returns the transaction journal, or nil if journaling is off.
func (m *Command) Journal() *boltdb.Journal { return m.journal }

// ExecContext returns the context of user checked against the configured
// permissions.
func (m *Command) ExecContext(user string, readOnly bool) *authz.ExecContext {
	return authz.NewExecContext(user, readOnly, m.authorizer)
}

// Start sets up and opens the holder and its background work.
func (m *Command) Start() (err error) {
	defer close(m.Started)

	if err := m.Config.Validate(); err != nil {
		return errors.Wrap(err, "validating config")
	}
	m.Config.DataDir, err = expandDir(m.Config.DataDir)
	if err != nil {
		return err
	}
	if err := m.setupLogger(); err != nil {
		return errors.Wrap(err, "setting up logger")
	}
	if err := m.setupAuth(); err != nil {
		return errors.Wrap(err, "setting up permissions")
	}

	cfg := m.Config.HolderConfig()
	cfg.Logger = m.logger
	cfg.Registerer = m.Registry
	if m.Optimizer != nil {
		cfg.Optimizer = m.Optimizer
	}

	if m.Config.Storage.Journal {
		if err := os.MkdirAll(m.Config.DataDir, 0750); err != nil {
			return errors.Wrap(err, "creating data directory")
		}
		m.journal, err = boltdb.OpenJournal(m.ctx, m.Config.DataDir, m.logger.WithPrefix("[journal] "))
		if err != nil {
			return errors.Wrap(err, "opening journal")
		}
		cfg.Engine = m.journal
		m.logger.Infof("using transaction journal %s (server %s)", m.journal.Path(), m.journal.ServerID())
	}

	m.Holder, err = plantx.NewHolder(cfg)
	if err != nil {
		return errors.Wrap(err, "creating holder")
	}
	if err := m.Holder.Open(); err != nil {
		return errors.Wrap(err, "opening holder")
	}

	m.eg, m.ctx = errgroup.WithContext(m.ctx)
	if m.journal != nil && m.Config.Storage.PruneInterval > 0 {
		m.eg.Go(m.pruneJournal)
	}
	m.logger.Infof("plantx started")
	return nil
}

func expandDir(dir string) (string, error) {
	prefix := "~" + string(filepath.Separator)
	if !strings.HasPrefix(dir, prefix) {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "data directory not specified and no home dir available")
	}
	return filepath.Join(home, strings.TrimPrefix(dir, prefix)), nil
}

func (m *Command) setupLogger() error {
	var w io.Writer = m.stderr
	if m.Config.LogPath != "" {
		f := logger.NewRotatingWriter(m.Config.LogPath, 100, 10)
		m.logFile = f
		w = f
	}

	switch {
	case m.Config.JSONLogs:
		m.logger = logger.NewJSONLogger(w, m.Config.Verbose)
	case m.Config.Verbose:
		m.logger = logger.NewVerboseLogger(w)
	default:
		m.logger = logger.NewStandardLogger(w)
	}
	return nil
}

func (m *Command) setupAuth() error {
	if !m.Config.Auth.Enable {
		m.authorizer = authz.AllowAll
		return nil
	}
	f, err := os.Open(m.Config.Auth.PermissionsFile)
	if err != nil {
		return err
	}
	defer f.Close()

	perms := &authz.GroupPermissions{}
	if err := perms.ReadPermissionsFile(f); err != nil {
		return err
	}
	m.authorizer = perms
	m.logger.Infof("loaded permissions from %s", m.Config.Auth.PermissionsFile)
	return nil
}

// pruneJournal drops old finished transactions from the journal until the
// command is closed.
func (m *Command) pruneJournal() error {
	ticker := time.NewTicker(time.Duration(m.Config.Storage.PruneInterval))
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return nil
		case now := <-ticker.C:
			cutoff := now.Add(-time.Duration(m.Config.Storage.Retention))
			n, err := m.journal.Prune(m.ctx, cutoff)
			if err != nil {
				if m.ctx.Err() != nil {
					return nil
				}
				m.logger.Errorf("pruning journal: %v", err)
				continue
			}
			if n > 0 {
				m.logger.Debugf("pruned %d journal records", n)
			}
		}
	}
}

// Wait blocks until the command is closed.
func (m *Command) Wait() error {
	<-m.Done
	return nil
}

// Close shuts down the server.
func (m *Command) Close() error {
	select {
	case <-m.Done:
		return nil
	default:
	}
	defer close(m.Done)

	m.cancel()
	var errs []string
	if m.eg != nil {
		if err := m.eg.Wait(); err != nil {
			errs = append(errs, fmt.Sprintf("background work: %v", err))
		}
	}
	if m.Holder != nil {
		if err := m.Holder.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("closing holder: %v", err))
		}
	}
	if m.journal != nil {
		if err := m.journal.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("closing journal: %v", err))
		}
	}
	if m.logFile != nil {
		if err := m.logFile.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("closing logs: %v", err))
		}
	}
	if len(errs) > 0 {
		return errors.New(errors.ErrUncoded, strings.Join(errs, "; "))
	}
	return nil
}
