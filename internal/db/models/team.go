// Package models - team.go defines teams and the membership join rows that place
// organization members on them.
package models

import "time"

// TeamStatus tracks the deletion lifecycle of a team
type TeamStatus int

const (
	TeamStatusVisible            TeamStatus = 0
	TeamStatusPendingDeletion    TeamStatus = 1
	TeamStatusDeletionInProgress TeamStatus = 2
)

// Team is a group of members within an organization
type Team struct {
	ID             string     `db:"id"`
	OrganizationID string     `db:"organization_id"`
	Slug           string     `db:"slug"`
	Name           string     `db:"name"`
	Status         TeamStatus `db:"status"`
	CreatedAt      time.Time  `db:"created_at"`
}

// TeamMembership places a member on a team. The set of rows for a member is
// always replaced as a whole.
type TeamMembership struct {
	OrganizationMemberID string `db:"organization_member_id"`
	TeamID               string `db:"team_id"`
}
