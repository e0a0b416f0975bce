// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package transaction

import (
	"context"
	"time"
)

// GarbageCollect aborts running transactions which are unleased and idle
// past their expiry, and forgets tombstones past theirs. Transactions with a
// zero idle timeout never expire. With abortAll every
// running transaction is aborted; leased ones are asked to abort. It returns
// true if anything was done.
func (m *Manager) GarbageCollect(ctx context.Context, abortAll bool) bool {
	now := m.Now()

	m.mu.Lock()
	var abort []*managed
	didWork := false
	tombstones := 0
	for id, e := range m.trxs {
		switch e.phase {
		case phaseFinished:
			if !now.Before(e.expires) {
				delete(m.trxs, id)
				tombstones++
				didWork = true
			}
		case phaseRunning:
			if e.state.AbortRequested() {
				continue
			}
			idle := e.state.options.IdleTimeout > 0 && !now.Before(e.expires)
			if !abortAll && (e.leased() || !idle) {
				continue
			}
			didWork = true
			if finishNow, _ := m.requestAbort(e); finishNow {
				abort = append(abort, e)
			}
		}
	}
	m.mu.Unlock()

	if tombstones > 0 {
		m.Logger.Debugf("removed %d transaction tombstones", tombstones)
	}
	for _, e := range abort {
		m.Logger.Infof("aborting transaction %d (database %s)", e.info.ID, e.info.Database)
		if err := m.finish(ctx, e, StatusAborted); err != nil {
			m.Logger.Errorf("garbage collecting transaction: %v", err)
		}
	}
	return didWork
}

// StartGC runs GarbageCollect every Config.GCInterval until Close.
func (m *Manager) StartGC() {
	if m.cfg.GCInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.closing:
				return
			case <-ticker.C:
				m.GarbageCollect(context.Background(), false)
			}
		}
	}()
}

// Close stops the background garbage collector.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.closing) })
	m.wg.Wait()
	return nil
}
