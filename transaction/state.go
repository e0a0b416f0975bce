// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package transaction

import (
	"sort"
	"time"

	"go.uber.org/atomic"
)

// Collection identifies a collection of a database.
type Collection struct {
	ID   string
	Name string
}

// CollectionAccess is a collection together with the access a transaction
// declared for it.
type CollectionAccess struct {
	Collection
	Mode AccessMode
}

// Vocbase is the database a transaction runs in.
type Vocbase interface {
	Name() string
	LookupCollection(name string) (Collection, bool)
}

// State is a managed transaction as seen by its lease holders. Everything
// but the status and the abort request is fixed at creation.
type State struct {
	id          uint64
	database    string
	origin      string
	user        string
	hints       Hints
	created     time.Time
	options     Options
	collections map[string]CollectionAccess

	status         atomic.Int32
	abortRequested atomic.Bool
	size           atomic.Uint64
}

func newState(id uint64, database string, collections map[string]CollectionAccess) *State {
	s := &State{
		id:          id,
		database:    database,
		collections: collections,
	}
	s.status.Store(int32(StatusRunning))
	return s
}

func (s *State) ID() uint64          { return s.id }
func (s *State) Database() string    { return s.database }
func (s *State) Origin() string      { return s.origin }
func (s *State) User() string        { return s.user }
func (s *State) Hints() Hints        { return s.hints }
func (s *State) Created() time.Time  { return s.created }
func (s *State) Options() Options    { return s.options }
func (s *State) Size() uint64        { return s.size.Load() }
func (s *State) Status() Status      { return Status(s.status.Load()) }
func (s *State) IsFollower() bool    { return s.hints.Has(HintFollower) }
func (s *State) setStatus(st Status) { s.status.Store(int32(st)) }

// AbortRequested reports whether the transaction was aborted while leased.
// Lease holders should stop work and release as soon as they see it.
func (s *State) AbortRequested() bool { return s.abortRequested.Load() }

// AccessFor returns the declared access to the collection with the given id.
func (s *State) AccessFor(collectionID string) AccessMode {
	return s.collections[collectionID].Mode
}

// Uses reports whether the transaction declared the collection.
func (s *State) Uses(collectionID string) bool {
	_, ok := s.collections[collectionID]
	return ok
}

// CanAccess reports whether the transaction may use the collection with
// the given mode. Undeclared collections may only be read, and only if the
// transaction allows implicit collections.
func (s *State) CanAccess(collectionID string, mode AccessMode) bool {
	if c, ok := s.collections[collectionID]; ok {
		return c.Mode >= mode
	}
	return mode <= AccessRead && s.options.AllowImplicit
}

// Collections returns the declared collections ordered by name.
func (s *State) Collections() []CollectionAccess {
	out := make([]CollectionAccess, 0, len(s.collections))
	for _, c := range s.collections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// sameCollections reports whether both states declare exactly the same
// collections with the same modes.
func (s *State) sameCollections(o *State) bool {
	if len(s.collections) != len(o.collections) {
		return false
	}
	for id, c := range s.collections {
		if oc, ok := o.collections[id]; !ok || oc.Mode != c.Mode {
			return false
		}
	}
	return true
}
