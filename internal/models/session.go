package models

import (
	"time"

	"github.com/google/uuid"
)

type Session struct {
	ID        uuid.UUID
	UserID    int64
	IsActive  bool
	IsBlocked bool // one way: blocked session never becomes usable again
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Usable reports whether tokens of the session may still be honored at the moment
func (s Session) Usable(now time.Time) bool {
	return s.IsActive && !s.IsBlocked && s.ExpiresAt.After(now)
}

// Identity of the authenticated caller, carried by every token of the session
type Principal struct {
	UserID    int64     `json:"user_id"`
	SessionID uuid.UUID `json:"session_id"`
}
