// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package transaction_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featurebasedb/plantx/errors"
	"github.com/featurebasedb/plantx/transaction"
)

func TestParseSpec(t *testing.T) {
	t.Run("Forms", func(t *testing.T) {
		spec, err := transaction.ParseSpec([]byte(`{
			"collections": {"read": "users", "write": ["orders", "audit"], "exclusive": []},
			"lockTimeout": 1.5,
			"ttl": 30,
			"maxTransactionSize": 1048576,
			"waitForSync": true
		}`))
		require.NoError(t, err)
		assert.Equal(t, []string{"users"}, spec.Read)
		assert.Equal(t, []string{"orders", "audit"}, spec.Write)
		assert.Empty(t, spec.Exclusive)
		assert.Equal(t, transaction.Options{
			LockTimeout:        1500 * time.Millisecond,
			IdleTimeout:        30 * time.Second,
			MaxTransactionSize: 1 << 20,
			WaitForSync:        true,
			AllowImplicit:      true,
		}, spec.Options)
	})

	t.Run("LongDurations", func(t *testing.T) {
		spec, err := transaction.ParseSpec([]byte(`{"collections": {}, "ttl": 1e9, "lockTimeout": 86400}`))
		require.NoError(t, err)
		assert.Equal(t, time.Duration(1e9)*time.Second, spec.Options.IdleTimeout)
		assert.Equal(t, 24*time.Hour, spec.Options.LockTimeout)
	})

	t.Run("AllowImplicit", func(t *testing.T) {
		spec, err := transaction.ParseSpec([]byte(`{"collections": {}, "allowImplicit": false}`))
		require.NoError(t, err)
		assert.False(t, spec.Options.AllowImplicit)
	})

	bad := map[string]string{
		"Empty":             ``,
		"NotJSON":           `{collections`,
		"NoCollections":     `{"lockTimeout": 1}`,
		"CollectionsArray":  `{"collections": ["users"]}`,
		"NumberList":        `{"collections": {"read": 7}}`,
		"MixedList":         `{"collections": {"write": ["a", 1]}}`,
		"EmptyName":         `{"collections": {"read": [""]}}`,
		"NegativeTimeout":   `{"collections": {}, "lockTimeout": -1}`,
		"NegativeTTL":       `{"collections": {}, "ttl": -0.5}`,
		"FractionalMaxSize": `{"collections": {}, "maxTransactionSize": 1.5}`,
		"HugeMaxSize":       `{"collections": {}, "maxTransactionSize": 1e20}`,
		"HugeTTL":           `{"collections": {}, "ttl": 1e12}`,
		"HugeTimeout":       `{"collections": {}, "lockTimeout": 1e300}`,
	}
	for name, in := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := transaction.ParseSpec([]byte(in))
			assert.True(t, errors.Is(err, errors.ErrBadParameter), "got %v", err)
		})
	}
}

func TestStatus(t *testing.T) {
	for _, s := range []transaction.Status{
		transaction.StatusUndefined,
		transaction.StatusRunning,
		transaction.StatusCommitted,
		transaction.StatusAborted,
	} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var got transaction.Status
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}
	assert.True(t, transaction.StatusAborted.Finished())
	assert.False(t, transaction.StatusRunning.Finished())

	var s transaction.Status
	assert.Error(t, s.UnmarshalText([]byte("pending")))
}
