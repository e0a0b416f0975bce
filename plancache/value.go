// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package plancache

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// AccessLevel is how a plan uses one of its data sources.
type AccessLevel int

const (
	AccessRead AccessLevel = iota
	AccessWrite
)

func (l AccessLevel) String() string {
	switch l {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	}
	return fmt.Sprintf("AccessLevel(%d)", int(l))
}

func (l AccessLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// DataSource is a collection or view a plan reads or writes.
type DataSource struct {
	Name  string      `json:"name"`
	Level AccessLevel `json:"level"`
}

// Value is a cached plan. Everything except the hit counter is immutable
// once the value is in the cache.
type Value struct {
	dataSources map[string]DataSource
	plan        []byte
	created     time.Time
	memoryUsage int64

	hits atomic.Uint64
}

func newValue(dataSources map[string]DataSource, plan []byte, created time.Time) *Value {
	ds := make(map[string]DataSource, len(dataSources))
	var mem int64
	for id, src := range dataSources {
		ds[id] = src
		mem += int64(len(id)+len(src.Name)) + dataSourceOverhead
	}
	return &Value{
		dataSources: ds,
		plan:        append([]byte(nil), plan...),
		created:     created,
		memoryUsage: mem + int64(len(plan)) + valueOverhead,
	}
}

const (
	valueOverhead      = 96
	dataSourceOverhead = 48
)

// DataSources returns a copy of the data sources keyed by id.
func (v *Value) DataSources() map[string]DataSource {
	out := make(map[string]DataSource, len(v.dataSources))
	for id, src := range v.dataSources {
		out[id] = src
	}
	return out
}

// Plan returns the serialized plan. Callers must not modify it.
func (v *Value) Plan() []byte { return v.plan }

func (v *Value) Created() time.Time { return v.created }
func (v *Value) Hits() uint64       { return v.hits.Load() }

// MemoryUsage is the approximate size of the value in bytes.
func (v *Value) MemoryUsage() int64 { return v.memoryUsage }

// Uses reports whether the plan reads or writes dataSourceID.
func (v *Value) Uses(dataSourceID string) bool {
	_, ok := v.dataSources[dataSourceID]
	return ok
}
