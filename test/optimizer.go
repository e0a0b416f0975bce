// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package test

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/atomic"

	"github.com/featurebasedb/plantx"
	"github.com/featurebasedb/plantx/plancache"
	"github.com/featurebasedb/plantx/transaction"
)

// Optimizer is a plantx.Optimizer for a toy query language: every word of
// the form "read:<collection>" or "write:<collection>" names a data source
// of the plan, and a collection of the form "@name" is taken from the bind
// parameters. The plan body is the query text with bind parameters
// substituted.
type Optimizer struct {
	calls atomic.Int64

	mu   sync.Mutex
	gate chan struct{}
}

func NewOptimizer() *Optimizer {
	return &Optimizer{}
}

// Calls returns how many times Optimize ran.
func (o *Optimizer) Calls() int64 { return o.calls.Load() }

// Block makes Optimize wait until the returned function is called.
func (o *Optimizer) Block() (release func()) {
	gate := make(chan struct{})
	o.mu.Lock()
	o.gate = gate
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		o.gate = nil
		o.mu.Unlock()
		close(gate)
	}
}

func (o *Optimizer) Optimize(ctx context.Context, db *plantx.Database, q plantx.Query) (*plantx.Plan, error) {
	o.calls.Inc()
	o.mu.Lock()
	gate := o.gate
	o.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	plan := &plantx.Plan{DataSources: make(map[string]plancache.DataSource)}
	var body []string
	for _, word := range strings.Fields(q.Text) {
		i := strings.IndexByte(word, ':')
		if i < 0 {
			body = append(body, word)
			continue
		}
		verb, name := word[:i], word[i+1:]
		if strings.HasPrefix(name, "@") {
			v, ok := q.BindVars[name].(string)
			if !ok {
				return nil, fmt.Errorf("bind parameter %s missing", name)
			}
			name = v
		}
		level := plancache.AccessRead
		switch verb {
		case "read":
		case "write":
			level = plancache.AccessWrite
		default:
			return nil, fmt.Errorf("unknown verb %q", verb)
		}
		c, ok := db.LookupCollection(name)
		if !ok {
			return nil, transaction.NewErrCollectionNotFound(db.Name(), name)
		}
		if prev, ok := plan.DataSources[c.ID]; !ok || prev.Level < level {
			plan.DataSources[c.ID] = plancache.DataSource{Name: c.Name, Level: level}
		}
		body = append(body, verb+":"+c.Name)
	}
	plan.Body = []byte(strings.Join(body, " "))
	return plan, nil
}
