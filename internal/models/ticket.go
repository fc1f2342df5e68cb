package models

import (
	"time"

	"github.com/google/uuid"
)

// One time WebSocket ticket payload
type Ticket struct {
	UserID    int64     `json:"user_id"`
	SessionID uuid.UUID `json:"session_id"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Session entry kept in the shared cache
type CachedSession struct {
	UserID    int64     `json:"user_id"`
	SessionID uuid.UUID `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
