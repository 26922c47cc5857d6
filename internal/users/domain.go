// Package users is the user directory consumed by the authorization engine:
// existence lookups, the superuser flag, and the management listing.
package users

import (
	"time"

	"github.com/google/uuid"
)

// User is a platform account.
type User struct {
	ID           uuid.UUID
	Email        string
	Name         string
	IsSuperuser  bool
	IsActive     bool
	APITokenHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
