// Package auth - roles.go holds the organization role table: each role's priority and the
// scopes it grants, plus the pure lookups the member listing and invite flow depend on.
package auth

import (
	"fmt"
	"sort"
)

// Role is an organization role. Higher priority roles may manage lower ones.
type Role struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Desc     string   `json:"desc"`
	Priority int      `json:"-"`
	Scopes   []string `json:"scopes"`
}

// HasScope reports whether the role grants the scope
func (r Role) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// RoleTable is an immutable set of roles ordered by ascending priority
type RoleTable struct {
	roles []Role
	byID  map[string]Role
}

// NewRoleTable builds a table from roles; role IDs must be unique
func NewRoleTable(roles []Role) (*RoleTable, error) {
	t := &RoleTable{byID: make(map[string]Role, len(roles))}
	for _, r := range roles {
		if _, dup := t.byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate role %q", r.ID)
		}
		if err := ValidateScopes(r.Scopes); err != nil {
			return nil, fmt.Errorf("role %q: %w", r.ID, err)
		}
		t.byID[r.ID] = r
		t.roles = append(t.roles, r)
	}
	sort.SliceStable(t.roles, func(i, j int) bool { return t.roles[i].Priority < t.roles[j].Priority })
	return t, nil
}

func scopeStrings(scopes ...Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

// DefaultRoles returns the built-in member < admin < manager < owner table
func DefaultRoles() *RoleTable {
	eventScopes := []Scope{ScopeEventRead, ScopeEventWrite, ScopeEventAdmin}
	projectScopes := []Scope{ScopeProjectRead, ScopeProjectWrite, ScopeProjectAdmin, ScopeProjectReleases}
	teamScopes := []Scope{ScopeTeamRead, ScopeTeamWrite, ScopeTeamAdmin}
	memberScopes := []Scope{ScopeMemberRead, ScopeMemberWrite, ScopeMemberAdmin}

	join := func(groups ...[]Scope) []string {
		var all []Scope
		for _, g := range groups {
			all = append(all, g...)
		}
		return scopeStrings(all...)
	}

	t, err := NewRoleTable([]Role{
		{
			ID: "member", Name: "Member", Priority: 0,
			Desc: "Members can view and act on events, as well as view most other data within the organization.",
			Scopes: join(eventScopes, []Scope{ScopeProjectReleases, ScopeProjectRead, ScopeOrgRead, ScopeMemberRead, ScopeTeamRead}),
		},
		{
			ID: "admin", Name: "Admin", Priority: 1,
			Desc: "Admin privileges on any teams of which they're a member.",
			Scopes: join(eventScopes, projectScopes, teamScopes,
				[]Scope{ScopeOrgRead, ScopeOrgIntegrations, ScopeMemberRead}),
		},
		{
			ID: "manager", Name: "Manager", Priority: 2,
			Desc: "Gains admin access on all teams as well as the ability to add and remove members.",
			Scopes: join(eventScopes, projectScopes, teamScopes, memberScopes,
				[]Scope{ScopeOrgRead, ScopeOrgWrite, ScopeOrgIntegrations}),
		},
		{
			ID: "owner", Name: "Owner", Priority: 3,
			Desc:   "Unrestricted access to the organization, its data, and its settings.",
			Scopes: scopeStrings(AllScopes()...),
		},
	})
	if err != nil {
		panic(err)
	}
	return t
}

// All returns every role in ascending priority
func (t *RoleTable) All() []Role {
	out := make([]Role, len(t.roles))
	copy(out, t.roles)
	return out
}

// Get looks up a role by ID
func (t *RoleTable) Get(id string) (Role, bool) {
	r, ok := t.byID[id]
	return r, ok
}

// IDs returns the role IDs in ascending priority
func (t *RoleTable) IDs() []string {
	ids := make([]string, len(t.roles))
	for i, r := range t.roles {
		ids[i] = r.ID
	}
	return ids
}

// RolesWithScope returns the IDs of roles granting scope
func (t *RoleTable) RolesWithScope(scope string) []string {
	var ids []string
	for _, r := range t.roles {
		if r.HasScope(scope) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// RolesWithAnyScope returns the IDs of roles granting at least one of scopes
func (t *RoleTable) RolesWithAnyScope(scopes []string) []string {
	var ids []string
	for _, r := range t.roles {
		for _, s := range scopes {
			if r.HasScope(s) {
				ids = append(ids, r.ID)
				break
			}
		}
	}
	return ids
}

// ScopesForRole returns the scopes granted by a role, or nil for an unknown role
func (t *RoleTable) ScopesForRole(id string) []string {
	r, ok := t.byID[id]
	if !ok {
		return nil
	}
	out := make([]string, len(r.Scopes))
	copy(out, r.Scopes)
	return out
}

// AllowedRoles returns the roles a caller may assign to others.
// Superusers may assign any role. Otherwise the caller needs member:admin, and may
// assign roles up to their own priority.
func (t *RoleTable) AllowedRoles(callerRole string, superuser bool) []Role {
	if superuser {
		return t.All()
	}
	caller, ok := t.byID[callerRole]
	if !ok || !caller.HasScope(string(ScopeMemberAdmin)) {
		return nil
	}
	var allowed []Role
	for _, r := range t.roles {
		if r.Priority <= caller.Priority {
			allowed = append(allowed, r)
		}
	}
	return allowed
}

// AllowedRolesForScopes returns the roles an API key holding scopes may assign: it
// needs member:admin, and every scope of an assignable role must be among its own.
func (t *RoleTable) AllowedRolesForScopes(scopes []string) []Role {
	if !HasScope(scopes, ScopeMemberAdmin) {
		return nil
	}
	held := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		held[s] = true
	}
	var allowed []Role
	for _, r := range t.roles {
		covered := true
		for _, s := range r.Scopes {
			if !held[s] {
				covered = false
				break
			}
		}
		if covered {
			allowed = append(allowed, r)
		}
	}
	return allowed
}
