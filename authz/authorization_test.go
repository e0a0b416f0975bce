// Copyright 2017 Pilosa Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package authz_test

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/featurebasedb/plantx/authz"
	"github.com/featurebasedb/plantx/errors"
)

const permissionsYAML = `user-groups:
  "readers":
    "shop": "read"
  "writers":
    "shop": "write"
    "shop/secrets": "read"
  "auditors":
    "shop/secrets": "read"
members:
  "alice": ["readers"]
  "bob": ["readers", "writers"]
  "carol": ["auditors"]
  "root": ["ops"]
admin: "ops"`

func mustReadPermissions(t *testing.T, in string) *authz.GroupPermissions {
	t.Helper()
	var p authz.GroupPermissions
	if err := p.ReadPermissionsFile(strings.NewReader(in)); err != nil {
		t.Fatalf("readPermissionsFile error: %s", err)
	}
	return &p
}

func TestAuth_ReadPermissionsFile(t *testing.T) {
	p := mustReadPermissions(t, permissionsYAML)

	exp := map[string]map[string]authz.Permission{
		"readers":  {"shop": authz.Read},
		"writers":  {"shop": authz.Write, "shop/secrets": authz.Read},
		"auditors": {"shop/secrets": authz.Read},
	}
	if !reflect.DeepEqual(p.Permissions, exp) {
		t.Fatalf("expected output %v, but got %v", exp, p.Permissions)
	}
	if p.Admin != "ops" {
		t.Fatalf("unexpected admin group %q", p.Admin)
	}

	t.Run("UnknownKey", func(t *testing.T) {
		var p authz.GroupPermissions
		if err := p.ReadPermissionsFile(strings.NewReader("nope: 1")); err == nil {
			t.Fatal("expected strict unmarshal to fail")
		}
	})

	t.Run("BadPermission", func(t *testing.T) {
		var p authz.GroupPermissions
		err := p.ReadPermissionsFile(strings.NewReader(`user-groups: {"g": {"db": "owner"}}`))
		if !errors.Is(err, errors.ErrBadParameter) {
			t.Fatalf("expected bad parameter, got %v", err)
		}
	})
}

func TestAuth_GetPermission(t *testing.T) {
	p := mustReadPermissions(t, permissionsYAML)

	tests := []struct {
		user, db, coll string
		exp            authz.Permission
	}{
		{"alice", "shop", "", authz.Read},
		{"alice", "shop", "orders", authz.Read},
		{"bob", "shop", "orders", authz.Write},
		// collection entry overrides the database entry
		{"bob", "shop", "secrets", authz.Read},
		{"alice", "shop", "secrets", authz.Read},
		{"carol", "shop", "secrets", authz.Read},
		{"carol", "shop", "orders", authz.None},
		{"root", "anything", "at-all", authz.Admin},
		{"mallory", "shop", "", authz.None},
	}

	for i, test := range tests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			got := p.GetPermission(test.user, test.db, test.coll)
			if got != test.exp {
				t.Errorf("expected permission to be %q, but got %q", test.exp, got)
			}
		})
	}
}

func TestAuth_ExecContext(t *testing.T) {
	p := mustReadPermissions(t, permissionsYAML)

	alice := authz.NewExecContext("alice", false, p)
	if err := alice.CheckCollection("shop", "orders", authz.Read); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := alice.CheckCollection("shop", "orders", authz.Write); !errors.Is(err, errors.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	bobRO := authz.NewExecContext("bob", true, p)
	if err := bobRO.CheckCollection("shop", "orders", authz.Write); !errors.Is(err, errors.ErrReadOnly) {
		t.Fatalf("expected read-only, got %v", err)
	}

	var super *authz.ExecContext
	if !super.IsSuperuser() || !super.CanUseDatabase("x", authz.Admin) {
		t.Fatal("nil exec context should be the superuser")
	}
	if err := super.CheckCollection("x", "y", authz.Write); err != nil {
		t.Fatalf("superuser denied: %v", err)
	}

	anyone := authz.NewExecContext("anyone", false, nil)
	if !anyone.CanUseCollection("x", "y", authz.Write) {
		t.Fatal("nil authorizer should allow everything")
	}
}

func TestAuth_GetAuthorizedDatabaseList(t *testing.T) {
	p := mustReadPermissions(t, `user-groups:
  "g1": {"a": "read", "b": "write", "b/c": "read"}
  "g2": {"c": "read"}
members:
  "u1": ["g1"]
  "root": ["admins"]
admin: "admins"`)

	tests := []struct {
		user       string
		permission authz.Permission
		output     []string
	}{
		{"u1", authz.Read, []string{"a", "b"}},
		{"u1", authz.Write, []string{"b"}},
		{"nobody", authz.Read, nil},
		{"root", authz.Write, []string{"a", "b", "c"}},
	}

	for i, test := range tests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			list := p.GetAuthorizedDatabaseList(test.user, test.permission)
			if !reflect.DeepEqual(list, test.output) {
				t.Errorf("expected %v, but got %v", test.output, list)
			}
		})
	}
}
