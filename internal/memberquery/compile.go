package memberquery

import (
	"strings"

	"github.com/orgmembers/orgmembers/internal/db/models"
)

// Recognized filter keys
const (
	KeyEmail     = "email"
	KeyScope     = "scope"
	KeyRole      = "role"
	KeyIsInvited = "isInvited"
	KeySSOLinked = "ssoLinked"
	KeyHas2FA    = "has2fa"
)

// Capabilities supplies the role and authenticator tables a compiled filter depends on
type Capabilities struct {
	// RolesWithAnyScope returns the roles granting at least one of the scopes
	RolesWithAnyScope func(scopes []string) []string
	// AuthenticatorTypes are the non-backup authenticator types that count as 2FA
	AuthenticatorTypes []string
}

// Clause is one compiled predicate. Every clause of a filter must hold.
type Clause interface {
	// Match evaluates the clause against a loaded member
	Match(m *models.MemberView) bool
	// SQL appends the equivalent condition to b
	SQL(b *SQLBuilder)
}

// Filter is the conjunction of compiled clauses. A filter marked none matches nothing.
type Filter struct {
	clauses []Clause
	none    bool
}

// None reports whether the filter can never match (an unrecognized key was present)
func (f Filter) None() bool {
	return f.none
}

// Clauses returns the compiled clauses
func (f Filter) Clauses() []Clause {
	return f.clauses
}

// Match reports whether the member passes every clause
func (f Filter) Match(m *models.MemberView) bool {
	if f.none {
		return false
	}
	for _, c := range f.clauses {
		if !c.Match(m) {
			return false
		}
	}
	return true
}

// Apply appends the filter's conditions to b
func (f Filter) Apply(b *SQLBuilder) {
	if f.none {
		b.Where("FALSE")
		return
	}
	for _, c := range f.clauses {
		c.SQL(b)
	}
}

// Compile turns tokens into a filter. An unrecognized key makes the whole filter
// match nothing; it is not an error.
func Compile(tokens Tokens, caps Capabilities) Filter {
	var f Filter
	for _, key := range tokens.Keys() {
		values := tokens.Get(key)
		switch key {
		case KeyEmail:
			f.clauses = append(f.clauses, emailClause{emails: values})
		case KeyScope:
			var roles []string
			if caps.RolesWithAnyScope != nil {
				roles = caps.RolesWithAnyScope(values)
			}
			f.clauses = append(f.clauses, roleClause{roles: roles})
		case KeyRole:
			f.clauses = append(f.clauses, roleClause{roles: values})
		case KeyIsInvited:
			f.clauses = append(f.clauses, invitedClause{invited: isTrue(values)})
		case KeySSOLinked:
			f.clauses = append(f.clauses, flagClause{flag: models.MemberFlagSSOLinked, set: isTrue(values)})
		case KeyHas2FA:
			f.clauses = append(f.clauses, twoFactorClause{enrolled: isTrue(values), types: caps.AuthenticatorTypes})
		case QueryKey:
			f.clauses = append(f.clauses, searchClause{text: strings.Join(values, " ")})
		default:
			return Filter{none: true}
		}
	}
	return f
}

// Parse is Tokenize followed by Compile
func Parse(raw string, caps Capabilities) Filter {
	return Compile(Tokenize(raw), caps)
}

// isTrue reports whether any value is exactly "true"; anything else is false
func isTrue(values []string) bool {
	for _, v := range values {
		if v == "true" {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type emailClause struct{ emails []string }

func (c emailClause) Match(m *models.MemberView) bool {
	if m.Email != nil && contains(c.emails, *m.Email) {
		return true
	}
	if m.UserEmail != nil && contains(c.emails, *m.UserEmail) {
		return true
	}
	for _, e := range m.UserEmails {
		if contains(c.emails, e) {
			return true
		}
	}
	return false
}

func (c emailClause) SQL(b *SQLBuilder) {
	p := b.BindArray(c.emails)
	b.Where("(om.email = ANY(" + p + ") OR u.email = ANY(" + p + ") OR EXISTS (" +
		"SELECT 1 FROM user_emails ue WHERE ue.user_id = om.user_id AND ue.email = ANY(" + p + ")))")
}

type roleClause struct{ roles []string }

func (c roleClause) Match(m *models.MemberView) bool {
	return contains(c.roles, m.Role)
}

func (c roleClause) SQL(b *SQLBuilder) {
	b.Where("om.role = ANY(" + b.BindArray(c.roles) + ")")
}

type invitedClause struct{ invited bool }

func (c invitedClause) Match(m *models.MemberView) bool {
	return (m.UserID == nil) == c.invited
}

func (c invitedClause) SQL(b *SQLBuilder) {
	if c.invited {
		b.Where("om.user_id IS NULL")
	} else {
		b.Where("om.user_id IS NOT NULL")
	}
}

type flagClause struct {
	flag models.MemberFlags
	set  bool
}

func (c flagClause) Match(m *models.MemberView) bool {
	return (m.Flags&c.flag != 0) == c.set
}

func (c flagClause) SQL(b *SQLBuilder) {
	p := b.Bind(int64(c.flag))
	if c.set {
		b.Where("(om.flags & " + p + ") != 0")
	} else {
		b.Where("(om.flags & " + p + ") = 0")
	}
}

type twoFactorClause struct {
	enrolled bool
	types    []string
}

func (c twoFactorClause) Match(m *models.MemberView) bool {
	if !c.enrolled {
		return len(m.AuthenticatorTypes) == 0
	}
	for _, t := range m.AuthenticatorTypes {
		if contains(c.types, t) {
			return true
		}
	}
	return false
}

func (c twoFactorClause) SQL(b *SQLBuilder) {
	if c.enrolled {
		b.Where("EXISTS (SELECT 1 FROM authenticators a WHERE a.user_id = om.user_id AND a.type = ANY(" +
			b.BindArray(c.types) + "))")
	} else {
		b.Where("NOT EXISTS (SELECT 1 FROM authenticators a WHERE a.user_id = om.user_id)")
	}
}

type searchClause struct{ text string }

func (c searchClause) Match(m *models.MemberView) bool {
	needle := strings.ToLower(c.text)
	for _, hay := range []*string{m.Email, m.UserEmail, m.UserName} {
		if hay != nil && strings.Contains(strings.ToLower(*hay), needle) {
			return true
		}
	}
	return false
}

func (c searchClause) SQL(b *SQLBuilder) {
	p := b.Bind("%" + escapeLike(c.text) + "%")
	b.Where("(om.email ILIKE " + p + " OR u.email ILIKE " + p + " OR u.name ILIKE " + p + ")")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
