// Package models - api_key.go defines organization API keys: long-lived bearer credentials
// bound to one organization and carrying an explicit scope list.
package models

import "time"

// APIKey is an organization-scoped credential. Only the bcrypt hash of the key is stored;
// KeyPrefix is kept in clear so authentication can narrow candidates with an indexed lookup.
type APIKey struct {
	ID             string
	OrganizationID string
	Name           string
	KeyHash        string
	KeyPrefix      string
	Scopes         []string
	ExpiresAt      *time.Time
	LastUsedAt     *time.Time
	CreatedAt      time.Time
}

// Expired reports whether the key can no longer authenticate
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
