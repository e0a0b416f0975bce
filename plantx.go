// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package plantx holds the databases of a server, each with its plan cache,
// and plans queries inside managed transactions.
package plantx

import (
	"fmt"
	"regexp"

	"github.com/featurebasedb/plantx/errors"
)

const (
	ErrName                       errors.Code = "InvalidName"
	ErrDatabaseExists             errors.Code = "DatabaseExists"
	ErrCollectionExists           errors.Code = "CollectionExists"
	ErrCollectionNotInTransaction errors.Code = "CollectionNotInTransaction"
	ErrQueryRequired              errors.Code = "QueryRequired"

	// ErrPlanCacheDisabled is reported as a warning, never as an error.
	ErrPlanCacheDisabled errors.Code = "PlanCacheDisabled"
)

// Regular expression to validate database and collection names.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,64}$`)

// ValidateName returns an error if name can't be used for a database or a
// collection.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return errors.New(ErrName, fmt.Sprintf("invalid name '%s', must match %s", name, nameRegexp))
	}
	return nil
}

func NewErrDatabaseNotFound(name string) error {
	return errors.New(
		errors.ErrDatabaseNotFound,
		fmt.Sprintf("database '%s' not found", name),
	)
}

func NewErrDatabaseExists(name string) error {
	return errors.New(
		ErrDatabaseExists,
		fmt.Sprintf("database '%s' already exists", name),
	)
}

func NewErrCollectionExists(database, name string) error {
	return errors.New(
		ErrCollectionExists,
		fmt.Sprintf("collection '%s' already exists in database '%s'", name, database),
	)
}

func NewErrCollectionNotInTransaction(id uint64, collection string) error {
	return errors.New(
		ErrCollectionNotInTransaction,
		fmt.Sprintf("collection '%s' is not part of transaction '%d'", collection, id),
	)
}

func NewErrPlanCacheDisabled(database string) error {
	return errors.New(
		ErrPlanCacheDisabled,
		fmt.Sprintf("plan cache of database '%s' is disabled", database),
	)
}
