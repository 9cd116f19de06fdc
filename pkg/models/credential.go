package models

import (
	"time"
)

// Credential is an opaque bearer token bound to an application identity.
type Credential struct {
	ID          string    `json:"id"`
	Application string    `json:"application"`
	Token       string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
	Revoked     bool      `json:"revoked"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Usable reports whether the credential may authenticate a call at now.
func (c *Credential) Usable(now time.Time) bool {
	return !c.Revoked && now.Before(c.ExpiresAt)
}

// HasPermission reports whether perm was granted.
func (c *Credential) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}
