// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package plantx

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/featurebasedb/plantx/errors"
	"github.com/featurebasedb/plantx/logger"
	"github.com/featurebasedb/plantx/plancache"
	"github.com/featurebasedb/plantx/transaction"
)

// Database is a named set of collections with its own plan cache.
type Database struct {
	mu          sync.RWMutex
	name        string
	collections map[string]transaction.Collection
	nextID      uint64

	cache   *plancache.Cache
	manager *transaction.Manager

	logger logger.Logger
}

// Ensure type implements interface.
var _ transaction.Vocbase = (*Database)(nil)

func newDatabase(name string, cache *plancache.Cache, manager *transaction.Manager, log logger.Logger) *Database {
	return &Database{
		name:        name,
		collections: make(map[string]transaction.Collection),
		cache:       cache,
		manager:     manager,
		logger:      log,
	}
}

// Name returns the name of the database.
func (d *Database) Name() string { return d.name }

// PlanCache returns the database's plan cache.
func (d *Database) PlanCache() *plancache.Cache { return d.cache }

// LookupCollection returns the collection by name.
func (d *Database) LookupCollection(name string) (transaction.Collection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.collections[name]
	return c, ok
}

// Collections returns all collections sorted by name.
func (d *Database) Collections() []transaction.Collection {
	d.mu.RLock()
	out := make([]transaction.Collection, 0, len(d.collections))
	for _, c := range d.collections {
		out = append(out, c)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CreateCollection creates a collection.
// An error is returned if the collection already exists.
func (d *Database) CreateCollection(name string) (transaction.Collection, error) {
	if err := ValidateName(name); err != nil {
		return transaction.Collection{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.collections[name]; ok {
		return transaction.Collection{}, NewErrCollectionExists(d.name, name)
	}
	d.nextID++
	c := transaction.Collection{ID: strconv.FormatUint(d.nextID, 10), Name: name}
	d.collections[name] = c
	return c, nil
}

// DropCollection removes a collection. Cached plans using it are
// invalidated and transactions which declared it are aborted; leased ones
// are asked to abort.
func (d *Database) DropCollection(ctx context.Context, name string) error {
	d.mu.Lock()
	c, ok := d.collections[name]
	if !ok {
		d.mu.Unlock()
		return transaction.NewErrCollectionNotFound(d.name, name)
	}
	delete(d.collections, name)
	d.mu.Unlock()

	n := d.cache.Invalidate(c.ID)
	aborted, err := d.manager.AbortManagedTrxWhere(ctx, func(s *transaction.State, _ string) bool {
		return s.Database() == d.name && s.Uses(c.ID)
	})
	d.logger.Infof("dropped collection %s/%s: invalidated %d plans, aborted %d transactions", d.name, name, n, aborted)
	return errors.Wrapf(err, "aborting transactions using %s/%s", d.name, name)
}
