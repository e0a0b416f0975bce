// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package transaction manages multi-statement transactions which outlive a
// single request.
//
// A managed transaction is registered with EnsureManagedTrx, used through
// leases, and finished with CommitManagedTrx or AbortManagedTrx. At most one
// write lease exists at a time; read leases share. Finished transactions are
// remembered as tombstones for a while so repeated commit, abort and status
// requests keep getting consistent answers.
package transaction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/featurebasedb/plantx/authz"
	"github.com/featurebasedb/plantx/errors"
	"github.com/featurebasedb/plantx/logger"
)

// Config holds the manager wide defaults and intervals.
type Config struct {
	// IdleTimeout is how long an unleased transaction may sit idle before
	// the garbage collector aborts it, unless the transaction sets its own.
	// Zero means idle transactions are kept until finished.
	IdleTimeout time.Duration

	// LockTimeout bounds waits for held transactions and for leases,
	// unless the transaction sets its own.
	LockTimeout time.Duration

	// TombstoneTTL is how long the final status of a finished transaction
	// is kept.
	TombstoneTTL time.Duration

	// GCInterval is the period of the background garbage collector. Zero
	// disables it.
	GCInterval time.Duration

	// MaxTransactionSize caps how many bytes of work a transaction may
	// accumulate through Lease.Grow, also when the transaction asks for
	// more. Zero means no cap.
	MaxTransactionSize uint64
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:  60 * time.Second,
		LockTimeout:  30 * time.Second,
		TombstoneTTL: 10 * time.Minute,
		GCInterval:   2 * time.Second,
	}
}

type phase int

const (
	phaseStarting phase = iota
	phaseRunning
	phaseFinishing
	phaseFinished
)

// managed is the manager's bookkeeping for one transaction id. Once the
// transaction is finished only the summary, the final status and the
// tombstone expiry remain.
type managed struct {
	info  Summary
	state *State

	phase       phase
	finishingTo Status
	expires     time.Time

	readers   int
	writer    bool
	sideUsers int
}

func (e *managed) leased() bool {
	return e.readers > 0 || e.writer || e.sideUsers > 0
}

// Manager is the registry of managed transactions of a server.
type Manager struct {
	mu      sync.RWMutex
	trxs    map[uint64]*managed
	changed chan struct{}
	held    bool
	commits int

	engine Engine
	cfg    Config

	nextID       atomic.Uint64
	shuttingDown atomic.Bool

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Now returns the current time. Tests replace it.
	Now func() time.Time

	Logger  logger.Logger
	metrics *managerMetrics
}

// NewManager returns a manager which begins and finishes transactions on
// engine.
func NewManager(engine Engine, cfg Config) *Manager {
	if engine == nil {
		engine = NopEngine{}
	}
	m := &Manager{
		trxs:    make(map[uint64]*managed),
		changed: make(chan struct{}),
		engine:  engine,
		cfg:     cfg,
		closing: make(chan struct{}),
		Now:     time.Now,
		Logger:  logger.NopLogger,
		metrics: newManagerMetrics(),
	}
	m.nextID.Store(uint64(time.Now().UnixNano()))
	return m
}

// NextID returns a transaction id not currently registered.
func (m *Manager) NextID() uint64 {
	for {
		id := m.nextID.Inc()
		m.mu.RLock()
		_, exists := m.trxs[id]
		m.mu.RUnlock()
		if id != 0 && !exists {
			return id
		}
	}
}

// broadcast wakes everybody waiting in waitUntil. m.mu must be held.
func (m *Manager) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// waitUntil blocks until ready returns true, re-evaluating it after every
// change to the manager. m.mu must be held for writing; it is held again on
// return. An expired ctx yields ErrLockTimeout.
func (m *Manager) waitUntil(ctx context.Context, what string, ready func() bool) error {
	for !ready() {
		ch := m.changed
		m.mu.Unlock()
		var err error
		select {
		case <-ch:
		case <-ctx.Done():
			err = ctx.Err()
		}
		m.mu.Lock()
		if err != nil {
			if ready() {
				return nil
			}
			if err == context.DeadlineExceeded {
				return NewErrLockTimeout(what)
			}
			return errors.Wrapf(err, "waiting for %s", what)
		}
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (m *Manager) resolveOptions(o Options) Options {
	if o.LockTimeout == 0 {
		o.LockTimeout = m.cfg.LockTimeout
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = m.cfg.IdleTimeout
	}
	if max := m.cfg.MaxTransactionSize; max > 0 && (o.MaxTransactionSize == 0 || o.MaxTransactionSize > max) {
		o.MaxTransactionSize = max
	}
	return o
}

// EnsureManagedTrx registers transaction id on db with the collections and
// options given in spec, or confirms that an identical transaction is
// already running under that id.
//
// All validation and permission checks happen before anything is
// registered. An id which is or was bound to a different database or
// collection set yields ErrTransactionInternal and leaves the existing
// transaction untouched.
func (m *Manager) EnsureManagedTrx(ctx context.Context, db Vocbase, exec *authz.ExecContext, id uint64, spec []byte, origin string, isFollower bool) error {
	if id == 0 {
		return errors.New(errors.ErrBadParameter, "transaction id must not be 0")
	}
	if m.shuttingDown.Load() {
		return NewErrShuttingDown()
	}

	parsed, err := ParseSpec(spec)
	if err != nil {
		return err
	}

	collections := make(map[string]CollectionAccess)
	for name, mode := range parsed.modes() {
		c, ok := db.LookupCollection(name)
		if !ok {
			return NewErrCollectionNotFound(db.Name(), name)
		}
		perm := authz.Read
		if mode >= AccessWrite {
			perm = authz.Write
		}
		if err := exec.CheckCollection(db.Name(), c.Name, perm); err != nil {
			return err
		}
		if prev, ok := collections[c.ID]; ok && prev.Mode >= mode {
			continue
		}
		collections[c.ID] = CollectionAccess{Collection: c, Mode: mode}
	}

	s := newState(id, db.Name(), collections)
	s.origin = origin
	s.user = exec.Username()
	s.created = m.Now()
	s.options = m.resolveOptions(parsed.Options)
	if isFollower {
		s.hints |= HintFollower
	}

	waitCtx, cancel := withTimeout(ctx, s.options.LockTimeout)
	defer cancel()

	m.mu.Lock()
	if err := m.waitUntil(waitCtx, "held transactions to be released", func() bool { return !m.held }); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.shuttingDown.Load() {
		m.mu.Unlock()
		return NewErrShuttingDown()
	}
	if e, ok := m.trxs[id]; ok {
		err := m.checkReuse(e, s)
		m.mu.Unlock()
		return err
	}
	e := &managed{
		info: Summary{
			ID:       id,
			Database: s.database,
			Origin:   s.origin,
			User:     s.user,
			Created:  s.created,
		},
		state: s,
		phase: phaseStarting,
	}
	m.trxs[id] = e
	m.mu.Unlock()

	if err := m.engine.BeginTransaction(ctx, s); err != nil {
		m.mu.Lock()
		delete(m.trxs, id)
		m.broadcast()
		m.mu.Unlock()
		return errors.Wrapf(err, "beginning transaction %d", id)
	}

	m.mu.Lock()
	e.phase = phaseRunning
	e.expires = m.Now().Add(s.options.IdleTimeout)
	m.broadcast()
	m.mu.Unlock()

	m.metrics.started.Inc()
	m.metrics.running.Inc()
	m.Logger.Debugf("began transaction %d on database %s (%d collections, origin %q)", id, s.database, len(collections), origin)
	return nil
}

// checkReuse decides what an ensure of an id which is already registered
// returns. m.mu must be held.
func (m *Manager) checkReuse(e *managed, s *State) error {
	id := s.id
	switch {
	case e.phase == phaseFinished:
		return NewErrTransactionInternal(id, fmt.Sprintf("id is used by a %s transaction", e.info.Status))
	case e.info.Database != s.database:
		return NewErrTransactionInternal(id, fmt.Sprintf("id is bound to database '%s'", e.info.Database))
	case !e.state.sameCollections(s):
		return NewErrTransactionInternal(id, "id is bound to a different set of collections")
	case e.phase == phaseStarting:
		return NewErrLocked(id, "transaction is starting")
	case e.phase == phaseFinishing:
		return NewErrLocked(id, "transaction is finishing")
	case e.state.AbortRequested():
		return NewErrTransactionAborted(id)
	}
	return nil
}

// lookup returns the transaction id of database. m.mu must be held.
func (m *Manager) lookup(id uint64, database string) (*managed, error) {
	e, ok := m.trxs[id]
	if !ok || e.info.Database != database {
		return nil, NewErrTransactionNotFound(id)
	}
	return e, nil
}

// CommitManagedTrx commits a transaction nobody holds a lease on.
// Committing a committed transaction succeeds again; committing an aborted
// one fails with ErrTransactionDisallowedOperation. If the engine fails to
// commit, the transaction is aborted and the error returned.
func (m *Manager) CommitManagedTrx(ctx context.Context, id uint64, database string) error {
	waitCtx, cancel := withTimeout(ctx, m.cfg.LockTimeout)
	defer cancel()

	m.mu.Lock()
	if err := m.waitUntil(waitCtx, "held transactions to be released", func() bool { return !m.held }); err != nil {
		m.mu.Unlock()
		return err
	}
	e, err := m.lookup(id, database)
	if err == nil {
		err = m.checkCommit(e)
	}
	if err != nil || e.phase == phaseFinished {
		m.mu.Unlock()
		return err
	}
	e.phase = phaseFinishing
	e.finishingTo = StatusCommitted
	m.commits++
	m.mu.Unlock()

	err = m.finish(ctx, e, StatusCommitted)

	m.mu.Lock()
	m.commits--
	m.broadcast()
	m.mu.Unlock()
	return err
}

// checkCommit returns nil if e may be committed or is already committed.
func (m *Manager) checkCommit(e *managed) error {
	id := e.info.ID
	switch e.phase {
	case phaseFinished:
		if e.info.Status == StatusCommitted {
			return nil
		}
		return NewErrTransactionDisallowedOperation(id, "commit", e.info.Status)
	case phaseStarting:
		return NewErrLocked(id, "transaction is starting")
	case phaseFinishing:
		if e.finishingTo == StatusAborted {
			return NewErrTransactionDisallowedOperation(id, "commit", StatusAborted)
		}
		return NewErrLocked(id, "commit in progress")
	}
	if e.state.AbortRequested() {
		return NewErrTransactionDisallowedOperation(id, "commit", StatusAborted)
	}
	if e.leased() {
		return NewErrLocked(id, "transaction is in use")
	}
	return nil
}

// AbortManagedTrx aborts a transaction. Aborting an aborted transaction
// succeeds again; aborting a committed one fails with
// ErrTransactionDisallowedOperation. If the transaction is leased the abort
// is only requested: it succeeds, lease holders see State.AbortRequested,
// and the abort completes when the last lease is released.
func (m *Manager) AbortManagedTrx(ctx context.Context, id uint64, database string) error {
	m.mu.Lock()
	e, err := m.lookup(id, database)
	var finishNow bool
	if err == nil {
		finishNow, err = m.requestAbort(e)
	}
	m.mu.Unlock()
	if err != nil || !finishNow {
		return err
	}
	return m.finish(ctx, e, StatusAborted)
}

// requestAbort marks e for abort. It returns true if the caller must
// complete the abort now. m.mu must be held.
func (m *Manager) requestAbort(e *managed) (bool, error) {
	id := e.info.ID
	switch e.phase {
	case phaseFinished:
		if e.info.Status == StatusAborted {
			return false, nil
		}
		return false, NewErrTransactionDisallowedOperation(id, "abort", e.info.Status)
	case phaseStarting:
		return false, NewErrLocked(id, "transaction is starting")
	case phaseFinishing:
		if e.finishingTo == StatusAborted {
			return false, nil
		}
		return false, NewErrLocked(id, "commit in progress")
	}
	if e.state.AbortRequested() {
		return false, nil
	}
	if e.leased() {
		e.state.abortRequested.Store(true)
		m.Logger.Infof("abort of transaction %d requested while it is in use", id)
		return false, nil
	}
	e.phase = phaseFinishing
	e.finishingTo = StatusAborted
	return true, nil
}

// finish runs the engine side of a commit or abort of e, which must be in
// phaseFinishing, and turns e into a tombstone.
func (m *Manager) finish(ctx context.Context, e *managed, to Status) error {
	s := e.state
	var err error
	if to == StatusCommitted {
		if err = m.engine.CommitTransaction(ctx, s); err != nil {
			to = StatusAborted
			err = errors.Wrapf(err, "committing transaction %d", s.id)
			if aerr := m.engine.AbortTransaction(ctx, s); aerr != nil {
				m.Logger.Errorf("aborting transaction %d after failed commit: %v", s.id, aerr)
			}
		}
	} else if err = m.engine.AbortTransaction(ctx, s); err != nil {
		err = errors.Wrapf(err, "aborting transaction %d", s.id)
	}
	s.setStatus(to)

	m.mu.Lock()
	e.info.Status = to
	e.phase = phaseFinished
	e.state = nil
	e.expires = m.Now().Add(m.cfg.TombstoneTTL)
	m.broadcast()
	m.mu.Unlock()

	m.metrics.running.Dec()
	if to == StatusCommitted {
		m.metrics.committed.Inc()
	} else {
		m.metrics.aborted.Inc()
	}
	m.Logger.Debugf("transaction %d %s", s.id, to)
	return err
}

// AbortManagedTrxWhere aborts every running transaction for which pred
// returns true and returns how many were aborted or asked to abort. pred is
// called with the manager locked and must not call back into it.
func (m *Manager) AbortManagedTrxWhere(ctx context.Context, pred func(s *State, user string) bool) (int, error) {
	m.mu.Lock()
	var finishNow []*managed
	n := 0
	for _, e := range m.trxs {
		if e.phase != phaseRunning || e.state.AbortRequested() {
			continue
		}
		if !pred(e.state, e.info.User) {
			continue
		}
		n++
		if now, _ := m.requestAbort(e); now {
			finishNow = append(finishNow, e)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, e := range finishNow {
		if err := m.finish(ctx, e, StatusAborted); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return n, firstErr
}

// GetManagedTrxStatus returns the status of transaction id of database, or
// StatusUndefined if there is none.
func (m *Manager) GetManagedTrxStatus(id uint64, database string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.lookup(id, database)
	if err != nil {
		return StatusUndefined
	}
	if e.phase == phaseFinished {
		return e.info.Status
	}
	return StatusRunning
}

// Summary describes a transaction for introspection.
type Summary struct {
	ID       uint64    `json:"id"`
	Status   Status    `json:"status"`
	Database string    `json:"database"`
	Origin   string    `json:"origin,omitempty"`
	User     string    `json:"user,omitempty"`
	Created  time.Time `json:"created"`
	Leased   bool      `json:"leased"`
}

// List returns the transactions of database, or of every database if
// database is empty, that exec may see: the superuser sees all, other users
// their own. The result is ordered by id.
func (m *Manager) List(database string, exec *authz.ExecContext) []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Summary
	for _, e := range m.trxs {
		if e.phase == phaseStarting {
			continue
		}
		if database != "" && e.info.Database != database {
			continue
		}
		if !exec.IsSuperuser() && (e.info.User != exec.Username() || !exec.CanUseDatabase(e.info.Database, authz.Read)) {
			continue
		}
		sum := e.info
		if e.phase != phaseFinished {
			sum.Status = StatusRunning
		}
		sum.Leased = e.leased()
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts are the numbers of registered transactions by status.
type Counts struct {
	Running   int `json:"running"`
	Committed int `json:"committed"`
	Aborted   int `json:"aborted"`
}

func (m *Manager) Counts() Counts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var c Counts
	for _, e := range m.trxs {
		switch {
		case e.phase != phaseFinished:
			c.Running++
		case e.info.Status == StatusCommitted:
			c.Committed++
		default:
			c.Aborted++
		}
	}
	return c
}

// HoldTransactions stops new transactions from starting and commits from
// running, and waits for running commits to finish. It fails with
// ErrLockTimeout if that takes longer than timeout, in which case nothing is
// held. Every successful hold must be followed by ReleaseTransactions.
func (m *Manager) HoldTransactions(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.waitUntil(ctx, "previous transaction hold", func() bool { return !m.held }); err != nil {
		return err
	}
	m.held = true
	if err := m.waitUntil(ctx, "running commits to finish", func() bool { return m.commits == 0 }); err != nil {
		m.held = false
		m.broadcast()
		return err
	}
	m.Logger.Infof("holding transactions")
	return nil
}

// ReleaseTransactions ends a hold.
func (m *Manager) ReleaseTransactions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return
	}
	m.held = false
	m.broadcast()
	m.Logger.Infof("released transaction hold")
}

// BeginShutdown makes every later EnsureManagedTrx fail with
// ErrShuttingDown. Existing transactions can still be used and finished.
func (m *Manager) BeginShutdown() {
	if m.shuttingDown.CAS(false, true) {
		m.Logger.Infof("transaction manager shutting down")
	}
}

func (m *Manager) IsShuttingDown() bool { return m.shuttingDown.Load() }
