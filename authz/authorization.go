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

// Package authz decides whether a user may read or write a database or one
// of its collections.
package authz

import (
	"io"
	"sort"
	"strings"

	"github.com/featurebasedb/plantx/errors"
	"gopkg.in/yaml.v2"
)

type Permission string

const (
	None  Permission = ""
	Read  Permission = "read"
	Write Permission = "write"
	Admin Permission = "admin"
)

// Satisfies returns whether `p` satisfies the permissions required by `b`
func (p Permission) Satisfies(b Permission) bool {
	switch p {
	case "":
		return b == ""
	case "read":
		return b == "" || b == "read"
	case "write":
		return b == "" || b == "read" || b == "write"
	case "admin":
		return b == "" || b == "read" || b == "write" || b == "admin"
	}
	return false
}

func (p Permission) rank() int {
	switch p {
	case Read:
		return 1
	case Write:
		return 2
	case Admin:
		return 3
	}
	return 0
}

// Authorizer is the access check consulted before transactions are started
// and before cached plans are shown to a user.
type Authorizer interface {
	CanUseDatabase(user, database string, p Permission) bool
	CanUseCollection(user, database, collection string, p Permission) bool
}

// AllowAll grants every request. It's what a server without a permissions
// file runs with.
var AllowAll Authorizer = allowAll{}

type allowAll struct{}

func (allowAll) CanUseDatabase(string, string, Permission) bool           { return true }
func (allowAll) CanUseCollection(string, string, string, Permission) bool { return true }

// GroupPermissions maps groups to the permission they hold on databases
// ("db") and collections ("db/collection"). A collection entry overrides the
// entry of its database.
type GroupPermissions struct {
	Permissions map[string]map[string]Permission `yaml:"user-groups"`
	Members     map[string][]string              `yaml:"members"`
	Admin       string                           `yaml:"admin"`
}

var _ Authorizer = &GroupPermissions{}

func (p *GroupPermissions) ReadPermissionsFile(permsFile io.Reader) (err error) {
	permsData, err := io.ReadAll(permsFile)
	if err != nil {
		return errors.Wrap(err, "reading permissions")
	}

	if err := yaml.UnmarshalStrict(permsData, p); err != nil {
		return errors.Wrap(err, "unmarshalling permissions")
	}

	for group, resources := range p.Permissions {
		for resource, perm := range resources {
			if perm.rank() == 0 && perm != None {
				return errors.Newf(errors.ErrBadParameter, "group %s: invalid permission %q for %s", group, perm, resource)
			}
		}
	}
	return nil
}

// IsAdmin reports whether user belongs to the admin group.
func (p *GroupPermissions) IsAdmin(user string) bool {
	if p.Admin == "" {
		return false
	}
	for _, g := range p.Members[user] {
		if g == p.Admin {
			return true
		}
	}
	return false
}

// GetPermission returns the strongest permission any of user's groups holds
// on the resource. A collection resource is "db/collection"; when no group
// names the collection the database entry applies.
func (p *GroupPermissions) GetPermission(user, database, collection string) Permission {
	if p.IsAdmin(user) {
		return Admin
	}

	best := None
	var found bool
	if collection != "" {
		best, found = p.strongest(user, database+"/"+collection)
	}
	if !found {
		best, _ = p.strongest(user, database)
	}
	return best
}

func (p *GroupPermissions) strongest(user, resource string) (Permission, bool) {
	best := None
	found := false
	for _, group := range p.Members[user] {
		perm, ok := p.Permissions[group][resource]
		if !ok {
			continue
		}
		found = true
		if perm.rank() > best.rank() {
			best = perm
		}
	}
	return best, found
}

func (p *GroupPermissions) CanUseDatabase(user, database string, want Permission) bool {
	got := p.GetPermission(user, database, "")
	return got != None && got.Satisfies(want)
}

func (p *GroupPermissions) CanUseCollection(user, database, collection string, want Permission) bool {
	got := p.GetPermission(user, database, collection)
	return got != None && got.Satisfies(want)
}

// GetAuthorizedDatabaseList returns the databases on which user holds at
// least the desired permission, sorted.
func (p *GroupPermissions) GetAuthorizedDatabaseList(user string, desired Permission) []string {
	seen := map[string]struct{}{}
	admin := p.IsAdmin(user)
	for group, resources := range p.Permissions {
		if !admin && !contains(p.Members[user], group) {
			continue
		}
		for resource, perm := range resources {
			if strings.Contains(resource, "/") {
				continue
			}
			if admin || perm.Satisfies(desired) {
				seen[resource] = struct{}{}
			}
		}
	}
	var out []string
	for db := range seen {
		out = append(out, db)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
