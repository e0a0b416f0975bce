// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/featurebasedb/plantx/authz"
	"github.com/featurebasedb/plantx/transaction"
)

const createdSkew = time.Second

// MustBegin starts a managed transaction as the superuser and returns its
// id. Fatal on error.
func (h *Holder) MustBegin(tb testing.TB, database, spec string) uint64 {
	tb.Helper()
	id, err := h.BeginTransaction(context.Background(), database, authz.Superuser, []byte(spec), "test")
	if err != nil {
		tb.Fatalf("beginning transaction on %s: %v", database, err)
	}
	return id
}

// CompareSummaries errors describing how the transaction summaries differ
// (if at all). Creation times need only be close (within createdSkew).
func CompareSummaries(tb testing.TB, exp, got []transaction.Summary) {
	tb.Helper()
	opt := cmpopts.EquateApproxTime(createdSkew)
	if diff := cmp.Diff(exp, got, opt); diff != "" {
		tb.Errorf("transaction summaries differ (-want +got):\n%s", diff)
	}
}
