package models

import (
	"time"

	"github.com/google/uuid"
)

// Access token record. Only the token digest is stored
type AccessToken struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	TokenHash string
	IsExpired bool
	CreatedAt time.Time
}

// Refresh token record, paired with the access token issued together with it
type RefreshToken struct {
	ID            uuid.UUID
	SessionID     uuid.UUID
	AccessTokenID uuid.UUID
	TokenHash     string
	IsExpired     bool
	CreatedAt     time.Time
}

type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Token pair issued on login or refresh
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
}
