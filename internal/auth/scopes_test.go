package auth

import (
	"reflect"
	"testing"
)

func TestValidateScopes(t *testing.T) {
	tests := []struct {
		name    string
		scopes  []string
		wantErr bool
	}{
		{"empty list", []string{}, false},
		{"single valid scope", []string{"member:read"}, false},
		{"multiple valid scopes", []string{"member:admin", "team:write", "org:integrations"}, false},
		{"invalid scope", []string{"not:a:scope"}, true},
		{"mixed valid and invalid", []string{"member:read", "invalid"}, true},
		{"empty string scope", []string{""}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScopes(tt.scopes)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateScopes(%v) error = %v, wantErr %v", tt.scopes, err, tt.wantErr)
			}
		})
	}
}

func TestHasAnyScope_MemberScopeMap(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		granted []string
		want    bool
	}{
		{"read may list", "GET", []string{"member:read"}, true},
		{"admin may list", "GET", []string{"member:admin"}, true},
		{"read may not invite", "POST", []string{"member:read"}, false},
		{"write may invite", "POST", []string{"member:write"}, true},
		{"write may not delete", "DELETE", []string{"member:write"}, false},
		{"no scopes", "GET", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasAnyScope(tt.granted, MemberScopeMap[tt.method]); got != tt.want {
				t.Errorf("HasAnyScope(%v, %s) = %v, want %v", tt.granted, tt.method, got, tt.want)
			}
		})
	}
}

func TestHasAnyScope_OrgScopeMaps(t *testing.T) {
	if HasAnyScope([]string{"org:write"}, APIKeyScopeMap["POST"]) {
		t.Error("org:write must not manage api keys")
	}
	if !HasAnyScope([]string{"org:admin"}, APIKeyScopeMap["DELETE"]) {
		t.Error("org:admin should revoke api keys")
	}
	if !HasAnyScope([]string{"org:write"}, AuditLogScopeMap["GET"]) {
		t.Error("org:write should read the audit log")
	}
	if HasAnyScope([]string{"org:read", "member:admin"}, AuditLogScopeMap["GET"]) {
		t.Error("org:read must not read the audit log")
	}
}

// ---------------------------------------------------------------------------
// RoleTable
// ---------------------------------------------------------------------------

func TestDefaultRoles_Order(t *testing.T) {
	want := []string{"member", "admin", "manager", "owner"}
	if got := DefaultRoles().IDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("IDs() = %v, want %v", got, want)
	}
}

func TestRolesWithScope(t *testing.T) {
	roles := DefaultRoles()
	tests := []struct {
		scope string
		want  []string
	}{
		{"member:read", []string{"member", "admin", "manager", "owner"}},
		{"member:admin", []string{"manager", "owner"}},
		{"team:write", []string{"admin", "manager", "owner"}},
		{"org:admin", []string{"owner"}},
		{"nope:nope", nil},
	}
	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			if got := roles.RolesWithScope(tt.scope); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("RolesWithScope(%q) = %v, want %v", tt.scope, got, tt.want)
			}
		})
	}
}

func TestRolesWithAnyScope(t *testing.T) {
	got := DefaultRoles().RolesWithAnyScope([]string{"org:admin", "member:write"})
	want := []string{"manager", "owner"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RolesWithAnyScope() = %v, want %v", got, want)
	}
}

func TestScopesForRole(t *testing.T) {
	roles := DefaultRoles()
	if got := roles.ScopesForRole("ghost"); got != nil {
		t.Errorf("ScopesForRole(ghost) = %v, want nil", got)
	}
	scopes := roles.ScopesForRole("member")
	if !HasScope(scopes, ScopeMemberRead) || HasScope(scopes, ScopeMemberWrite) {
		t.Errorf("member scopes = %v", scopes)
	}
	// mutating the returned slice must not alter the table
	scopes[0] = "tampered"
	if HasScope(roles.ScopesForRole("member"), "tampered") {
		t.Error("ScopesForRole leaked internal state")
	}
}

func TestAllowedRoles(t *testing.T) {
	roles := DefaultRoles()
	ids := func(rs []Role) []string {
		var out []string
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}

	tests := []struct {
		name      string
		caller    string
		superuser bool
		want      []string
	}{
		{"member cannot invite", "member", false, nil},
		{"admin lacks member:admin", "admin", false, nil},
		{"manager up to manager", "manager", false, []string{"member", "admin", "manager"}},
		{"owner gets all", "owner", false, []string{"member", "admin", "manager", "owner"}},
		{"unknown role", "ghost", false, nil},
		{"superuser without membership", "", true, []string{"member", "admin", "manager", "owner"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ids(roles.AllowedRoles(tt.caller, tt.superuser)); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("AllowedRoles(%q) = %v, want %v", tt.caller, got, tt.want)
			}
		})
	}
}

func TestAllowedRolesForScopes(t *testing.T) {
	roles := DefaultRoles()
	ids := func(rs []Role) []string {
		var out []string
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		scopes []string
		want   []string
	}{
		{"no member:admin", roles.ScopesForRole("admin"), nil},
		{"member scopes only", []string{"member:read", "member:write", "member:admin"}, nil},
		{"manager scopes", roles.ScopesForRole("manager"), []string{"member", "admin", "manager"}},
		{"every scope", scopeStrings(AllScopes()...), []string{"member", "admin", "manager", "owner"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ids(roles.AllowedRolesForScopes(tt.scopes)); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("AllowedRolesForScopes = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewRoleTable_Errors(t *testing.T) {
	if _, err := NewRoleTable([]Role{{ID: "a"}, {ID: "a"}}); err == nil {
		t.Error("expected error for duplicate role id")
	}
	if _, err := NewRoleTable([]Role{{ID: "a", Scopes: []string{"bogus"}}}); err == nil {
		t.Error("expected error for invalid scope")
	}
}

func TestAvailableAuthenticators(t *testing.T) {
	all := AuthenticatorTypeIDs(false)
	if !reflect.DeepEqual(all, []string{"totp", "sms", "u2f", "recovery"}) {
		t.Errorf("AuthenticatorTypeIDs(false) = %v", all)
	}
	noBackup := AuthenticatorTypeIDs(true)
	if !reflect.DeepEqual(noBackup, []string{"totp", "sms", "u2f"}) {
		t.Errorf("AuthenticatorTypeIDs(true) = %v", noBackup)
	}
}
