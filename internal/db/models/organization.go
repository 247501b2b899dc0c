// Package models - organization.go defines the Organization model, the tenant that owns
// members and teams and is addressed by its URL-safe slug.
package models

import "time"

// Organization represents an organization
type Organization struct {
	ID        string    `db:"id"`
	Slug      string    `db:"slug"` // URL-safe name used in routes
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}
