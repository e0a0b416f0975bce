// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package plantx

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/featurebasedb/plantx/authz"
	"github.com/featurebasedb/plantx/errors"
	"github.com/featurebasedb/plantx/logger"
	"github.com/featurebasedb/plantx/plancache"
	"github.com/featurebasedb/plantx/transaction"
)

// HolderConfig holds configuration details that need to be set up at
// initial holder creation. NewHolder takes a *HolderConfig, which can be
// nil. Use DefaultHolderConfig to get a default-valued HolderConfig you
// can then alter.
type HolderConfig struct {
	PlanCache    plancache.Options
	Transactions transaction.Config

	// Engine begins and finishes managed transactions.
	Engine transaction.Engine

	// Optimizer turns queries into plans on a plan cache miss.
	Optimizer Optimizer

	// MaintenanceInterval is how often expired plans are pruned from
	// every plan cache. Zero disables pruning.
	MaintenanceInterval time.Duration

	// Registerer receives the plan cache and transaction metrics. Nil
	// means no metrics are exported.
	Registerer prometheus.Registerer

	Logger logger.Logger
}

func DefaultHolderConfig() *HolderConfig {
	return &HolderConfig{
		PlanCache:           plancache.DefaultOptions(),
		Transactions:        transaction.DefaultConfig(),
		Engine:              transaction.NopEngine{},
		Optimizer:           nopOptimizer{},
		MaintenanceInterval: time.Minute,
		Logger:              logger.NopLogger,
	}
}

// Holder represents a container for databases. It owns the transaction
// manager shared by all of them.
type Holder struct {
	mu        sync.RWMutex
	databases map[string]*Database

	cfg       *HolderConfig
	manager   *transaction.Manager
	optimizer Optimizer
	plans     singleflight.Group

	cacheMetrics *plancache.Metrics

	// Close management
	wg        sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once

	Logger logger.Logger
}

// NewHolder returns a new instance of Holder.
func NewHolder(cfg *HolderConfig) (*Holder, error) {
	if cfg == nil {
		cfg = DefaultHolderConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NopLogger
	}
	if cfg.Optimizer == nil {
		cfg.Optimizer = nopOptimizer{}
	}

	m := transaction.NewManager(cfg.Engine, cfg.Transactions)
	m.Logger = cfg.Logger.WithPrefix("[transactions] ")

	h := &Holder{
		databases:    make(map[string]*Database),
		cfg:          cfg,
		manager:      m,
		optimizer:    cfg.Optimizer,
		cacheMetrics: plancache.NewMetrics(),
		closing:      make(chan struct{}),
		Logger:       cfg.Logger,
	}

	if cfg.Registerer != nil {
		if err := h.cacheMetrics.Register(cfg.Registerer); err != nil {
			return nil, errors.Wrap(err, "registering plan cache metrics")
		}
		if err := m.RegisterMetrics(cfg.Registerer); err != nil {
			return nil, errors.Wrap(err, "registering transaction metrics")
		}
	}
	return h, nil
}

// Open starts the background work of the holder: transaction garbage
// collection and plan cache pruning.
func (h *Holder) Open() error {
	h.manager.StartGC()
	if h.cfg.MaintenanceInterval > 0 {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.monitorPlanCaches()
		}()
	}
	h.Logger.Infof("holder opened")
	return nil
}

// Close aborts every running transaction and stops the background work.
func (h *Holder) Close() error {
	h.manager.BeginShutdown()
	h.manager.GarbageCollect(context.Background(), true)

	h.closeOnce.Do(func() { close(h.closing) })
	h.wg.Wait()
	return h.manager.Close()
}

func (h *Holder) monitorPlanCaches() {
	ticker := time.NewTicker(h.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.closing:
			return
		case <-ticker.C:
			h.prunePlanCaches()
		}
	}
}

func (h *Holder) prunePlanCaches() {
	for _, db := range h.Databases() {
		if n := db.cache.Prune(); n > 0 {
			h.Logger.Debugf("pruned %d expired plans from %s", n, db.Name())
		}
	}
}

// Manager returns the transaction manager.
func (h *Holder) Manager() *transaction.Manager { return h.manager }

// Database returns the database by name, or nil.
func (h *Holder) Database(name string) *Database {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.databases[name]
}

func (h *Holder) database(name string) (*Database, error) {
	db := h.Database(name)
	if db == nil {
		return nil, NewErrDatabaseNotFound(name)
	}
	return db, nil
}

// Databases returns all databases sorted by name.
func (h *Holder) Databases() []*Database {
	h.mu.RLock()
	out := make([]*Database, 0, len(h.databases))
	for _, db := range h.databases {
		out = append(out, db)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// CreateDatabase creates a database with an empty plan cache.
// An error is returned if the database already exists.
func (h *Holder) CreateDatabase(name string) (*Database, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.databases[name]; ok {
		return nil, NewErrDatabaseExists(name)
	}

	cache := plancache.New(h.cfg.PlanCache)
	cache.Logger = h.Logger.WithPrefix("[plancache] ")
	cache.Instrument(h.cacheMetrics, name)

	db := newDatabase(name, cache, h.manager, h.Logger)
	h.databases[name] = db
	return db, nil
}

// DropDatabase removes a database and aborts its transactions.
func (h *Holder) DropDatabase(ctx context.Context, name string) error {
	h.mu.Lock()
	db, ok := h.databases[name]
	if ok {
		delete(h.databases, name)
	}
	h.mu.Unlock()
	if !ok {
		return NewErrDatabaseNotFound(name)
	}

	db.cache.InvalidateAll()
	h.cacheMetrics.Forget(name)
	_, err := h.manager.AbortManagedTrxWhere(ctx, func(s *transaction.State, _ string) bool {
		return s.Database() == name
	})
	return errors.Wrapf(err, "aborting transactions of %s", name)
}

// ClearPlanCache empties the plan cache of a database.
func (h *Holder) ClearPlanCache(name string) error {
	db, err := h.database(name)
	if err != nil {
		return err
	}
	db.cache.InvalidateAll()
	h.Logger.Infof("cleared plan cache of %s", name)
	return nil
}

// PlanCacheEntries describes the cached plans of a database which exec may
// see: those whose every collection exec may read.
func (h *Holder) PlanCacheEntries(name string, exec *authz.ExecContext) ([]plancache.EntryInfo, error) {
	db, err := h.database(name)
	if err != nil {
		return nil, err
	}
	if !exec.CanUseDatabase(name, authz.Read) {
		return nil, authz.NewErrForbidden(exec.Username(), "database '"+name+"'", authz.Read)
	}
	return db.cache.Snapshot(func(_ *plancache.Key, v *plancache.Value) bool {
		for _, src := range v.DataSources() {
			if !exec.CanUseCollection(name, src.Name, authz.Read) {
				return false
			}
		}
		return true
	}), nil
}

// BeginTransaction registers a new managed transaction on a database and
// returns its id.
func (h *Holder) BeginTransaction(ctx context.Context, database string, exec *authz.ExecContext, spec []byte, origin string) (uint64, error) {
	db, err := h.database(database)
	if err != nil {
		return 0, err
	}
	id := h.manager.NextID()
	if err := h.manager.EnsureManagedTrx(ctx, db, exec, id, spec, origin, false); err != nil {
		return 0, err
	}
	return id, nil
}
