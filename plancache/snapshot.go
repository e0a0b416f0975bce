// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package plancache

import (
	"io"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/btree"
)

// EntryInfo describes a cached plan for introspection. It never carries the
// plan itself.
type EntryInfo struct {
	Hash          uint64          `json:"hash"`
	Query         string          `json:"query"`
	QueryHash     uint64          `json:"queryHash"`
	BindVars      json.RawMessage `json:"bindVars"`
	FullCount     bool            `json:"fullCount"`
	ForceOneShard bool            `json:"forceOneShard"`
	Created       time.Time       `json:"created"`
	Hits          uint64          `json:"hits"`
	MemoryUsage   int64           `json:"memoryUsage"`
	DataSources   []DataSource    `json:"dataSources"`
}

// Filter decides whether an entry is visible in a snapshot.
type Filter func(key *Key, value *Value) bool

// Snapshot returns one EntryInfo per cached plan accepted by filter, oldest
// first. A nil filter accepts everything.
func (c *Cache) Snapshot(filter Filter) []EntryInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]EntryInfo, 0, c.n)
	c.order.Ascend(func(i btree.Item) bool {
		e := i.(*entry)
		if filter != nil && !filter(e.key, e.value) {
			return true
		}
		out = append(out, newEntryInfo(e))
		return true
	})
	return out
}

// WriteTo writes the snapshot as a JSON array.
func (c *Cache) WriteTo(w io.Writer, filter Filter) error {
	return json.NewEncoder(w).Encode(c.Snapshot(filter))
}

func newEntryInfo(e *entry) EntryInfo {
	sources := make([]DataSource, 0, len(e.value.dataSources))
	for _, src := range e.value.dataSources {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })

	return EntryInfo{
		Hash:          e.key.Hash(),
		Query:         e.key.Query(),
		QueryHash:     e.key.QueryHash(),
		BindVars:      append(json.RawMessage(nil), e.key.BindParameters()...),
		FullCount:     e.key.FullCount(),
		ForceOneShard: e.key.ForceOneShard(),
		Created:       e.value.Created(),
		Hits:          e.value.Hits(),
		MemoryUsage:   e.key.MemoryUsage() + e.value.MemoryUsage(),
		DataSources:   sources,
	}
}
