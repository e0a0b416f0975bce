// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package transaction

import "context"

// Engine is the storage engine side of a managed transaction. The manager
// calls exactly one of CommitTransaction or AbortTransaction for every
// successful BeginTransaction, never concurrently for the same state.
type Engine interface {
	BeginTransaction(ctx context.Context, s *State) error
	CommitTransaction(ctx context.Context, s *State) error
	AbortTransaction(ctx context.Context, s *State) error
}

// NopEngine is an Engine with no effect.
type NopEngine struct{}

var _ Engine = NopEngine{}

func (NopEngine) BeginTransaction(context.Context, *State) error  { return nil }
func (NopEngine) CommitTransaction(context.Context, *State) error { return nil }
func (NopEngine) AbortTransaction(context.Context, *State) error  { return nil }
