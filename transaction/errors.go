// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package transaction

import (
	"fmt"

	"github.com/featurebasedb/plantx/errors"
)

const (
	ErrCollectionNotFound errors.Code = "CollectionNotFound"

	ErrTransactionNotFound            errors.Code = "TransactionNotFound"
	ErrTransactionInternal            errors.Code = "TransactionInternal"
	ErrTransactionDisallowedOperation errors.Code = "TransactionDisallowedOperation"
	ErrTransactionAborted             errors.Code = "TransactionAborted"

	ErrLocked      errors.Code = "Locked"
	ErrLockTimeout errors.Code = "LockTimeout"

	ErrResourceLimit errors.Code = "ResourceLimit"
)

// The following are helper functions for constructing coded errors containing
// relevant information about the specific error.

func NewErrCollectionNotFound(database, collection string) error {
	return errors.New(
		ErrCollectionNotFound,
		fmt.Sprintf("collection '%s' not found in database '%s'", collection, database),
	)
}

func NewErrTransactionNotFound(id uint64) error {
	return errors.New(
		ErrTransactionNotFound,
		fmt.Sprintf("transaction '%d' not found", id),
	)
}

func NewErrTransactionInternal(id uint64, reason string) error {
	return errors.New(
		ErrTransactionInternal,
		fmt.Sprintf("transaction '%d': %s", id, reason),
	)
}

func NewErrTransactionDisallowedOperation(id uint64, op string, status Status) error {
	return errors.New(
		ErrTransactionDisallowedOperation,
		fmt.Sprintf("cannot %s transaction '%d': transaction is %s", op, id, status),
	)
}

func NewErrTransactionAborted(id uint64) error {
	return errors.New(
		ErrTransactionAborted,
		fmt.Sprintf("transaction '%d' is aborted", id),
	)
}

func NewErrLocked(id uint64, reason string) error {
	return errors.New(
		ErrLocked,
		fmt.Sprintf("transaction '%d' is locked: %s", id, reason),
	)
}

func NewErrLockTimeout(what string) error {
	return errors.New(
		ErrLockTimeout,
		fmt.Sprintf("timed out waiting for %s", what),
	)
}

func NewErrResourceLimit(id uint64, size, max uint64) error {
	return errors.New(
		ErrResourceLimit,
		fmt.Sprintf("transaction '%d' would grow to %d bytes, more than its maximum of %d", id, size, max),
	)
}

func NewErrShuttingDown() error {
	return errors.New(errors.ErrShuttingDown, "transaction manager is shutting down")
}

func newErrBadSpec(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrBadParameter, "invalid transaction specification: "+format, args...)
}
