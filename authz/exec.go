// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package authz

import (
	"fmt"

	"github.com/featurebasedb/plantx/errors"
)

// ExecContext is who is asking, and under what restrictions. A nil
// *ExecContext is the internal superuser.
type ExecContext struct {
	User     string
	ReadOnly bool

	auth Authorizer
}

// NewExecContext returns the context of user checked against auth. A nil
// auth allows everything.
func NewExecContext(user string, readOnly bool, auth Authorizer) *ExecContext {
	if auth == nil {
		auth = AllowAll
	}
	return &ExecContext{User: user, ReadOnly: readOnly, auth: auth}
}

// Superuser is the context used by internal callers such as garbage
// collection.
var Superuser *ExecContext

func (e *ExecContext) IsSuperuser() bool { return e == nil }

func (e *ExecContext) Username() string {
	if e == nil {
		return ""
	}
	return e.User
}

func (e *ExecContext) IsReadOnly() bool { return e != nil && e.ReadOnly }

func (e *ExecContext) CanUseDatabase(database string, p Permission) bool {
	if e == nil {
		return true
	}
	return e.auth.CanUseDatabase(e.User, database, p)
}

func (e *ExecContext) CanUseCollection(database, collection string, p Permission) bool {
	if e == nil {
		return true
	}
	return e.auth.CanUseCollection(e.User, database, collection, p)
}

// CheckCollection fails closed: a read-only context asking for write access
// gets ErrReadOnly, missing access gets ErrForbidden.
func (e *ExecContext) CheckCollection(database, collection string, p Permission) error {
	if p.rank() >= Write.rank() && e.IsReadOnly() {
		return NewErrReadOnly(fmt.Sprintf("collection '%s'", collection))
	}
	if !e.CanUseCollection(database, collection, p) {
		return NewErrForbidden(e.Username(), fmt.Sprintf("collection '%s/%s'", database, collection), p)
	}
	return nil
}

func NewErrForbidden(user, resource string, p Permission) error {
	return errors.New(
		errors.ErrForbidden,
		fmt.Sprintf("user '%s' is not allowed %s access to %s", user, p, resource),
	)
}

func NewErrReadOnly(resource string) error {
	return errors.New(
		errors.ErrReadOnly,
		fmt.Sprintf("write access to %s requested from a read-only context", resource),
	)
}
