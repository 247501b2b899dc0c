// Package auth - scopes.go defines the organization permission scopes and
// the HasScope / HasAnyScope helpers used by the scope middleware.
package auth

import (
	"fmt"
)

// Scope represents a permission/scope type
type Scope string

const (
	ScopeOrgRead         Scope = "org:read"
	ScopeOrgWrite        Scope = "org:write"
	ScopeOrgAdmin        Scope = "org:admin"
	ScopeOrgIntegrations Scope = "org:integrations"

	ScopeMemberRead  Scope = "member:read"
	ScopeMemberWrite Scope = "member:write"
	ScopeMemberAdmin Scope = "member:admin"

	ScopeTeamRead  Scope = "team:read"
	ScopeTeamWrite Scope = "team:write"
	ScopeTeamAdmin Scope = "team:admin"

	ScopeProjectRead     Scope = "project:read"
	ScopeProjectWrite    Scope = "project:write"
	ScopeProjectAdmin    Scope = "project:admin"
	ScopeProjectReleases Scope = "project:releases"

	ScopeEventRead  Scope = "event:read"
	ScopeEventWrite Scope = "event:write"
	ScopeEventAdmin Scope = "event:admin"
)

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeOrgRead, ScopeOrgWrite, ScopeOrgAdmin, ScopeOrgIntegrations,
		ScopeMemberRead, ScopeMemberWrite, ScopeMemberAdmin,
		ScopeTeamRead, ScopeTeamWrite, ScopeTeamAdmin,
		ScopeProjectRead, ScopeProjectWrite, ScopeProjectAdmin, ScopeProjectReleases,
		ScopeEventRead, ScopeEventWrite, ScopeEventAdmin,
	}
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	valid := make(map[string]bool)
	for _, s := range AllScopes() {
		valid[string(s)] = true
	}
	for _, scope := range scopes {
		if !valid[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}
	return nil
}

// HasScope checks if the granted scopes contain the required one.
// Scopes are exact; a role's table entry already lists every implied scope.
func HasScope(granted []string, required Scope) bool {
	for _, s := range granted {
		if s == string(required) {
			return true
		}
	}
	return false
}

// HasAnyScope checks if the granted scopes contain at least one of the required scopes
func HasAnyScope(granted []string, required []Scope) bool {
	for _, r := range required {
		if HasScope(granted, r) {
			return true
		}
	}
	return false
}

// MemberScopeMap lists, per HTTP method, the scopes that grant access to the member endpoints
var MemberScopeMap = map[string][]Scope{
	"GET":    {ScopeMemberRead, ScopeMemberWrite, ScopeMemberAdmin},
	"POST":   {ScopeMemberWrite, ScopeMemberAdmin},
	"PUT":    {ScopeMemberWrite, ScopeMemberAdmin},
	"DELETE": {ScopeMemberAdmin},
}

// APIKeyScopeMap guards the organization API key endpoints
var APIKeyScopeMap = map[string][]Scope{
	"GET":    {ScopeOrgAdmin},
	"POST":   {ScopeOrgAdmin},
	"DELETE": {ScopeOrgAdmin},
}

// AuditLogScopeMap guards the organization audit log
var AuditLogScopeMap = map[string][]Scope{
	"GET": {ScopeOrgWrite, ScopeOrgAdmin},
}
