// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package plantx

import (
	"context"
	"fmt"

	"github.com/featurebasedb/plantx/authz"
	"github.com/featurebasedb/plantx/errors"
	"github.com/featurebasedb/plantx/plancache"
	"github.com/featurebasedb/plantx/transaction"
)

// Query is a query request against a database.
type Query struct {
	Text     string
	BindVars map[string]interface{}
	Options  QueryOptions
}

// QueryOptions are the per-request options.
type QueryOptions struct {
	plancache.QueryOptions

	// UsePlanCache looks plans up in, and stores them to, the plan cache.
	UsePlanCache bool

	// TransactionID runs the query inside a managed transaction. Zero
	// means no transaction.
	TransactionID uint64
}

// Plan is an optimized query plan.
type Plan struct {
	// Body is the serialized plan.
	Body []byte

	// DataSources are the collections the plan uses, keyed by collection
	// id.
	DataSources map[string]plancache.DataSource
}

// Optimizer parses and optimizes queries.
type Optimizer interface {
	Optimize(ctx context.Context, db *Database, q Query) (*Plan, error)
}

// OptimizerFunc adapts a function to the Optimizer interface.
type OptimizerFunc func(ctx context.Context, db *Database, q Query) (*Plan, error)

func (f OptimizerFunc) Optimize(ctx context.Context, db *Database, q Query) (*Plan, error) {
	return f(ctx, db, q)
}

// nopOptimizer plans every query as an empty plan using nothing.
type nopOptimizer struct{}

func (nopOptimizer) Optimize(context.Context, *Database, Query) (*Plan, error) {
	return &Plan{Body: []byte{}}, nil
}

// PreparedQuery is a planned query ready for execution. Close must be
// called when execution is done.
type PreparedQuery struct {
	Database string
	Plan     []byte

	// DataSources are the collections the plan uses, keyed by id.
	DataSources map[string]plancache.DataSource

	// Cached is set when the plan came from the plan cache.
	Cached bool

	// Warnings are coded errors which did not stop the query.
	Warnings []error

	// Lease is the lease on the query's transaction, if it has one.
	Lease *transaction.Lease
}

// Close releases the transaction lease, if any.
func (p *PreparedQuery) Close() {
	if p.Lease != nil {
		p.Lease.Release()
	}
}

// Prepare plans q for execution on a database: it looks the plan up in the
// database's plan cache, optimizing and caching it on a miss, checks that
// exec may use every collection the plan touches, and leases q's
// transaction. Concurrent misses on the same key are optimized once.
func (h *Holder) Prepare(ctx context.Context, database string, exec *authz.ExecContext, q Query) (*PreparedQuery, error) {
	if q.Text == "" {
		return nil, errors.New(ErrQueryRequired, "query required")
	}
	db, err := h.database(database)
	if err != nil {
		return nil, err
	}
	if !exec.CanUseDatabase(database, authz.Read) {
		return nil, authz.NewErrForbidden(exec.Username(), "database '"+database+"'", authz.Read)
	}

	pq := &PreparedQuery{Database: database}
	if err := h.plan(ctx, db, q, pq); err != nil {
		return nil, err
	}

	for _, src := range pq.DataSources {
		perm := authz.Read
		if src.Level == plancache.AccessWrite {
			perm = authz.Write
		}
		if err := exec.CheckCollection(database, src.Name, perm); err != nil {
			return nil, err
		}
	}

	if id := q.Options.TransactionID; id != 0 {
		lease, err := h.leaseFor(id, database, pq.DataSources)
		if err != nil {
			return nil, err
		}
		// Write plans count towards the transaction's size.
		if lease.Mode() != transaction.AccessRead {
			if err := lease.Grow(uint64(len(pq.Plan))); err != nil {
				lease.Release()
				return nil, err
			}
		}
		pq.Lease = lease
	}
	return pq, nil
}

// plan fills in the plan of pq, from the cache if possible.
func (h *Holder) plan(ctx context.Context, db *Database, q Query, pq *PreparedQuery) error {
	useCache := q.Options.UsePlanCache
	if useCache && !db.cache.Options().Enabled {
		pq.Warnings = append(pq.Warnings, NewErrPlanCacheDisabled(db.name))
		useCache = false
	}
	if !useCache {
		plan, err := h.optimize(ctx, db, q)
		if err != nil {
			return err
		}
		pq.Plan, pq.DataSources = plan.Body, plan.DataSources
		return nil
	}

	key, err := plancache.CreateCacheKey(q.Text, q.BindVars, q.Options.QueryOptions)
	if err != nil {
		return err
	}
	if v, ok := db.cache.Lookup(key); ok {
		pq.Plan, pq.DataSources, pq.Cached = v.Plan(), v.DataSources(), true
		return nil
	}

	flightKey := fmt.Sprintf("%s\x00%s\x00%s\x00%t\x00%t", db.name, key.Query(), key.BindParameters(), key.FullCount(), key.ForceOneShard())
	res, err, _ := h.plans.Do(flightKey, func() (interface{}, error) {
		gen := db.cache.Generation()
		plan, err := h.optimize(ctx, db, q)
		if err != nil {
			return nil, err
		}
		db.cache.StoreSince(gen, key, plan.DataSources, plan.Body)
		return plan, nil
	})
	if err != nil {
		return err
	}
	plan := res.(*Plan)
	pq.Plan, pq.DataSources = plan.Body, copyDataSources(plan.DataSources)
	return nil
}

func (h *Holder) optimize(ctx context.Context, db *Database, q Query) (*Plan, error) {
	plan, err := h.optimizer.Optimize(ctx, db, q)
	if err != nil {
		return nil, errors.Wrap(err, "optimizing query")
	}
	if plan == nil || plan.Body == nil {
		return nil, errors.New(errors.ErrUncoded, "optimizer returned no plan")
	}
	return plan, nil
}

func copyDataSources(in map[string]plancache.DataSource) map[string]plancache.DataSource {
	out := make(map[string]plancache.DataSource, len(in))
	for id, src := range in {
		out[id] = src
	}
	return out
}

// leaseFor leases transaction id for a plan using sources. The lease is a
// write lease if the plan writes anything.
func (h *Holder) leaseFor(id uint64, database string, sources map[string]plancache.DataSource) (*transaction.Lease, error) {
	mode := transaction.AccessRead
	for _, src := range sources {
		if src.Level == plancache.AccessWrite {
			mode = transaction.AccessWrite
		}
	}

	lease, err := h.manager.LeaseManagedTrx(id, mode, false)
	if err != nil {
		return nil, err
	}
	s := lease.State()
	if s.Database() != database {
		lease.Release()
		return nil, transaction.NewErrTransactionNotFound(id)
	}
	for colID, src := range sources {
		want := transaction.AccessRead
		if src.Level == plancache.AccessWrite {
			want = transaction.AccessWrite
		}
		if !s.CanAccess(colID, want) {
			lease.Release()
			return nil, NewErrCollectionNotInTransaction(id, src.Name)
		}
	}
	return lease, nil
}
