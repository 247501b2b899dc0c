// Package models - user.go defines user accounts, their secondary emails and the
// two-factor authenticators enrolled against them.
package models

import "time"

// User represents an account that can be linked to organization memberships
type User struct {
	ID        string    `db:"id"`
	Email     string    `db:"email"`
	Name      string    `db:"name"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}

// UserEmail is a secondary address verified for a user
type UserEmail struct {
	UserID string `db:"user_id"`
	Email  string `db:"email"`
}

// Authenticator is a two-factor credential enrolled by a user
type Authenticator struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Type      string    `db:"type"`
	CreatedAt time.Time `db:"created_at"`
}
