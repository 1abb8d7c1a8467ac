package auth

import (
	"time"

	"github.com/google/uuid"
)

// User represents an authenticated user account. Role names the hierarchy
// role the user acts under.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	Role         string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
