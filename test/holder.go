// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package test

import (
	"context"
	"testing"

	"github.com/featurebasedb/plantx"
	"github.com/featurebasedb/plantx/authz"
	"github.com/featurebasedb/plantx/logger"
)

// Holder is a test wrapper for plantx.Holder.
type Holder struct {
	*plantx.Holder

	Optimizer *Optimizer
	Log       *logger.BufferLogger
}

// HolderOption alters the configuration of a test holder.
type HolderOption func(cfg *plantx.HolderConfig)

// NewHolder returns a holder using a counting Optimizer and a buffer
// logger. Background work is disabled so tests control time.
func NewHolder(tb testing.TB, opts ...HolderOption) *Holder {
	tb.Helper()
	opt := NewOptimizer()
	log := logger.NewBufferLogger()

	cfg := plantx.DefaultHolderConfig()
	cfg.Optimizer = opt
	cfg.Logger = log
	cfg.MaintenanceInterval = 0
	cfg.Transactions.GCInterval = 0
	for _, o := range opts {
		o(cfg)
	}

	h, err := plantx.NewHolder(cfg)
	if err != nil {
		tb.Fatalf("creating holder: %v", err)
	}
	return &Holder{Holder: h, Optimizer: opt, Log: log}
}

// MustOpenHolder returns a new, open holder which is closed when the test
// ends. Fatal on error.
func MustOpenHolder(tb testing.TB, opts ...HolderOption) *Holder {
	tb.Helper()
	h := NewHolder(tb, opts...)
	if err := h.Open(); err != nil {
		tb.Fatalf("opening holder: %v", err)
	}
	tb.Cleanup(func() { h.Close() })
	return h
}

// MustCreateDatabase creates a database with the given collections. Fatal
// on error.
func (h *Holder) MustCreateDatabase(tb testing.TB, name string, collections ...string) *plantx.Database {
	tb.Helper()
	db, err := h.CreateDatabase(name)
	if err != nil {
		tb.Fatalf("creating database %s: %v", name, err)
	}
	for _, c := range collections {
		if _, err := db.CreateCollection(c); err != nil {
			tb.Fatalf("creating collection %s/%s: %v", name, c, err)
		}
	}
	return db
}

// MustPrepare prepares a query as the superuser. Fatal on error.
func (h *Holder) MustPrepare(tb testing.TB, database string, q plantx.Query) *plantx.PreparedQuery {
	tb.Helper()
	pq, err := h.Prepare(context.Background(), database, authz.Superuser, q)
	if err != nil {
		tb.Fatalf("preparing %q: %v", q.Text, err)
	}
	return pq
}
