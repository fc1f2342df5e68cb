package models

import (
	"time"
)

// Local mirror of the user managed by the users service
type User struct {
	ID            int64
	Email         string
	PasswordHash  string
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
