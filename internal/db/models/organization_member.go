// Package models - organization_member.go defines the membership record linking a person
// (or a pending invitee) to an organization, its invite lifecycle and its flag bits.
package models

import (
	"strings"
	"time"
)

// InviteStatus tracks where a membership is in the invite lifecycle
type InviteStatus int

const (
	InviteStatusApproved             InviteStatus = 0
	InviteStatusRequestedToBeInvited InviteStatus = 1
	InviteStatusRequestedToJoin      InviteStatus = 2
)

// PendingInviteStatuses are the statuses of invite requests that an admin has not acted on yet
var PendingInviteStatuses = []InviteStatus{InviteStatusRequestedToBeInvited, InviteStatusRequestedToJoin}

func (s InviteStatus) String() string {
	switch s {
	case InviteStatusApproved:
		return "approved"
	case InviteStatusRequestedToBeInvited:
		return "requested_to_be_invited"
	case InviteStatusRequestedToJoin:
		return "requested_to_join"
	default:
		return "unknown"
	}
}

// MemberFlags is the membership flag bitmask stored in organization_members.flags
type MemberFlags int64

const (
	MemberFlagSSOLinked  MemberFlags = 1 << 0
	MemberFlagSSOInvalid MemberFlags = 1 << 1
)

// memberFlagNames is the named-bit table for MemberFlags
var memberFlagNames = map[string]MemberFlags{
	"sso:linked":  MemberFlagSSOLinked,
	"sso:invalid": MemberFlagSSOInvalid,
}

// MemberFlag looks up a flag bit by its name ("sso:linked", "sso:invalid")
func MemberFlag(name string) (MemberFlags, bool) {
	f, ok := memberFlagNames[name]
	return f, ok
}

// Has reports whether every bit in f is set
func (m MemberFlags) Has(f MemberFlags) bool {
	return m&f == f
}

// Set returns m with the bits of f set
func (m MemberFlags) Set(f MemberFlags) MemberFlags {
	return m | f
}

// Clear returns m with the bits of f cleared
func (m MemberFlags) Clear(f MemberFlags) MemberFlags {
	return m &^ f
}

// Names reports every named bit and whether it is set, as serialized in member responses
func (m MemberFlags) Names() map[string]bool {
	out := make(map[string]bool, len(memberFlagNames))
	for name, bit := range memberFlagNames {
		out[name] = m.Has(bit)
	}
	return out
}

// OrganizationMember is a row of organization_members.
// Email is set for invitees and cleared once the invite is accepted and UserID is linked.
type OrganizationMember struct {
	ID             string       `db:"id"`
	OrganizationID string       `db:"organization_id"`
	Email          *string      `db:"email"`
	UserID         *string      `db:"user_id"`
	Role           string       `db:"role"`
	Flags          MemberFlags  `db:"flags"`
	InviteStatus   InviteStatus `db:"invite_status"`
	InviterID      *string      `db:"inviter_id"`
	Token          *string      `db:"token"`
	TokenExpiresAt *time.Time   `db:"token_expires_at"`
	CreatedAt      time.Time    `db:"created_at"`
}

// IsPending reports whether the member has not accepted an invite yet
func (m *OrganizationMember) IsPending() bool {
	return m.UserID == nil
}

// TokenExpired reports whether the invite token can no longer be redeemed
func (m *OrganizationMember) TokenExpired(now time.Time) bool {
	return m.TokenExpiresAt != nil && now.After(*m.TokenExpiresAt)
}

// AuditData is the snapshot recorded in the audit log when a member is created or changed
func (m *OrganizationMember) AuditData() map[string]interface{} {
	data := map[string]interface{}{
		"id":            m.ID,
		"role":          m.Role,
		"invite_status": m.InviteStatus.String(),
		"flags":         int64(m.Flags),
	}
	if m.Email != nil {
		data["email"] = *m.Email
	}
	if m.UserID != nil {
		data["user"] = *m.UserID
	}
	return data
}

// MemberView is a member joined with its linked user, as returned by the member listing.
// User fields are nil for invitees.
type MemberView struct {
	OrganizationMember
	UserEmail          *string  `db:"user_email"`
	UserName           *string  `db:"user_name"`
	UserIsActive       *bool    `db:"user_is_active"`
	UserEmails         []string `db:"-"`
	AuthenticatorTypes []string `db:"-"`
}

// DisplayEmail is the email shown for the member: the invite email, or the linked user's email
func (v *MemberView) DisplayEmail() string {
	if v.Email != nil && *v.Email != "" {
		return *v.Email
	}
	if v.UserEmail != nil {
		return *v.UserEmail
	}
	return ""
}

// DisplayName falls back to the email when the linked user has no name
func (v *MemberView) DisplayName() string {
	if v.UserName != nil && strings.TrimSpace(*v.UserName) != "" {
		return *v.UserName
	}
	return v.DisplayEmail()
}
