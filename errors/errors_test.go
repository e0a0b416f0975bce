package errors_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/featurebasedb/plantx/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrors(t *testing.T) {
	t.Run("Is", func(t *testing.T) {
		uncoded := newUncoded("uncoded error")
		tnf := newErrTransactionNotFound(42)
		cnf := newErrCollectionNotFound("c")
		tnfCustom := errors.New(errTransactionNotFound, "custom message")

		tests := []struct {
			err    error
			target errors.Code
			exp    bool
		}{
			{
				err:    uncoded,
				target: errors.ErrUncoded,
				exp:    true,
			},
			{
				err:    uncoded,
				target: errTransactionNotFound,
				exp:    false,
			},
			{
				err:    tnf,
				target: errTransactionNotFound,
				exp:    true,
			},
			{
				err:    tnf,
				target: errCollectionNotFound,
				exp:    false,
			},
			{
				err:    errors.Wrap(cnf, "with message"),
				target: errCollectionNotFound,
				exp:    true,
			},
			{
				err:    tnfCustom,
				target: errTransactionNotFound,
				exp:    true,
			},
		}

		for i, test := range tests {
			t.Run(fmt.Sprintf("test-%d", i), func(t *testing.T) {
				got := errors.Is(test.err, test.target)
				assert.Equal(t, test.exp, got)
			})
		}
	})

	t.Run("CodeOf", func(t *testing.T) {
		assert.Equal(t, errCollectionNotFound, errors.CodeOf(errors.Wrap(newErrCollectionNotFound("x"), "ensuring")))
		assert.Equal(t, errors.Code(""), errors.CodeOf(fmt.Errorf("plain")))
		assert.Equal(t, errors.Code(""), errors.CodeOf(nil))
	})

	t.Run("MarshalJSON", func(t *testing.T) {
		err := errors.Wrap(newErrTransactionNotFound(7), "committing")
		out := errors.MarshalJSON(err)
		assert.Contains(t, out, `"code":"TransactionNotFound"`)
		assert.Contains(t, out, "committing: transaction 7 not found")

		back := errors.UnmarshalJSON(strings.NewReader(out))
		assert.True(t, errors.Is(back, errTransactionNotFound))
	})

	t.Run("UnmarshalGarbage", func(t *testing.T) {
		back := errors.UnmarshalJSON(strings.NewReader("not json"))
		assert.Equal(t, "not json", back.Error())
		assert.Equal(t, errors.Code(""), errors.CodeOf(back))
	})
}

// Test error codes.

const (
	errTransactionNotFound errors.Code = "TransactionNotFound"
	errCollectionNotFound  errors.Code = "CollectionNotFound"
)

func newUncoded(message string) error {
	return errors.New(
		errors.ErrUncoded,
		message,
	)
}

func newErrTransactionNotFound(id uint64) error {
	return errors.Newf(
		errTransactionNotFound,
		"transaction %d not found", id,
	)
}

func newErrCollectionNotFound(name string) error {
	return errors.New(
		errCollectionNotFound,
		fmt.Sprintf("collection '%s' not found", name),
	)
}
