// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package transaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/featurebasedb/plantx/errors"
)

// Lease is temporary use of a managed transaction. It must be released,
// usually with defer, as soon as the request using it is done.
type Lease struct {
	m        *Manager
	entry    *managed
	state    *State
	mode     AccessMode
	sideUser bool
	once     sync.Once
}

func (l *Lease) State() *State         { return l.state }
func (l *Lease) Mode() AccessMode      { return l.mode }
func (l *Lease) IsSideUser() bool      { return l.sideUser }
func (l *Lease) TransactionID() uint64 { return l.state.id }

// Release gives the lease back. Releasing twice is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() { l.m.release(l) })
}

// Grow adds n bytes of work to the transaction. It fails with
// ErrResourceLimit, leaving the size unchanged, if that would take the
// transaction past its MaxTransactionSize. Only write and exclusive leases
// can grow a transaction.
func (l *Lease) Grow(n uint64) error {
	if l.sideUser || l.mode < AccessWrite {
		return errors.Newf(errors.ErrBadParameter, "transaction %d: a %s lease cannot grow the transaction", l.state.id, l.mode)
	}
	max := l.state.options.MaxTransactionSize
	for {
		cur := l.state.size.Load()
		next := cur + n
		if next < cur || (max > 0 && next > max) {
			return NewErrResourceLimit(l.state.id, next, max)
		}
		if l.state.size.CAS(cur, next) {
			return nil
		}
	}
}

// LeaseManagedTrx leases transaction id. Read leases share with each other;
// write and exclusive leases exclude every other lease. A conflicting lease
// fails immediately with ErrLocked. Side-user leases are read-only, never
// conflict and are meant for work done on behalf of the current lease holder.
func (m *Manager) LeaseManagedTrx(id uint64, mode AccessMode, isSideUser bool) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tryLease(id, mode, isSideUser)
}

// LeaseManagedTrxContext is LeaseManagedTrx, except that it waits for
// conflicting leases to be released. The wait is bounded by the
// transaction's lock timeout and by ctx.
func (m *Manager) LeaseManagedTrxContext(ctx context.Context, id uint64, mode AccessMode, isSideUser bool) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	timeout := m.cfg.LockTimeout
	if e, ok := m.trxs[id]; ok && e.state != nil {
		timeout = e.state.options.LockTimeout
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	var lease *Lease
	var leaseErr error
	err := m.waitUntil(ctx, fmt.Sprintf("lease on transaction %d", id), func() bool {
		lease, leaseErr = m.tryLease(id, mode, isSideUser)
		return !errors.Is(leaseErr, ErrLocked)
	})
	if err != nil {
		return nil, err
	}
	return lease, leaseErr
}

// tryLease takes a lease without waiting. m.mu must be held.
func (m *Manager) tryLease(id uint64, mode AccessMode, isSideUser bool) (*Lease, error) {
	if mode < AccessRead || mode > AccessExclusive {
		return nil, errors.Newf(errors.ErrBadParameter, "invalid lease mode %s", mode)
	}
	if isSideUser && mode != AccessRead {
		return nil, errors.Newf(errors.ErrBadParameter, "side-user lease must be read-only, not %s", mode)
	}
	e, ok := m.trxs[id]
	if !ok {
		return nil, NewErrTransactionNotFound(id)
	}
	switch e.phase {
	case phaseStarting:
		return nil, NewErrLocked(id, "transaction is starting")
	case phaseFinishing:
		if e.finishingTo == StatusAborted {
			return nil, NewErrTransactionAborted(id)
		}
		return nil, NewErrLocked(id, "commit in progress")
	case phaseFinished:
		if e.info.Status == StatusAborted {
			return nil, NewErrTransactionAborted(id)
		}
		return nil, NewErrTransactionNotFound(id)
	}
	if e.state.AbortRequested() {
		return nil, NewErrTransactionAborted(id)
	}

	switch {
	case isSideUser:
		e.sideUsers++
	case mode == AccessRead:
		if e.writer {
			return nil, NewErrLocked(id, "a write lease is held")
		}
		e.readers++
	default:
		if e.writer || e.readers > 0 {
			return nil, NewErrLocked(id, "transaction is in use")
		}
		e.writer = true
	}
	return &Lease{m: m, entry: e, state: e.state, mode: mode, sideUser: isSideUser}, nil
}

// release ends a lease, refreshes the idle expiry and completes a pending
// abort once the last lease is gone.
func (m *Manager) release(l *Lease) {
	m.mu.Lock()
	e := l.entry
	switch {
	case l.sideUser:
		e.sideUsers--
	case l.mode == AccessRead:
		e.readers--
	default:
		e.writer = false
	}
	if e.readers < 0 || e.sideUsers < 0 {
		m.mu.Unlock()
		panic(fmt.Sprintf("transaction %d: lease count below zero", l.state.id))
	}
	e.expires = m.Now().Add(l.state.options.IdleTimeout)
	complete := e.phase == phaseRunning && l.state.AbortRequested() && !e.leased()
	if complete {
		e.phase = phaseFinishing
		e.finishingTo = StatusAborted
	}
	m.broadcast()
	m.mu.Unlock()

	if complete {
		if err := m.finish(context.Background(), e, StatusAborted); err != nil {
			m.Logger.Errorf("completing requested abort: %v", err)
		}
	}
}
