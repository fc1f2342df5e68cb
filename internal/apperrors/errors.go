package apperrors

import (
	"errors"
)

var (
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserCreationFailed = errors.New("user creation failed")
	ErrUserUpdateFailed   = errors.New("user update failed")

	// Login failures collapse to this one, whatever the reason
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenNotFound   = errors.New("token not found")
	ErrInactiveSession = errors.New("session is inactive or does not exist")
	ErrBlockedSession  = errors.New("session is blocked")
	ErrExpiredSession  = errors.New("session expired")
	ErrTokenReused     = errors.New("refresh token expired, session blocked")
	ErrSessionNotFound = errors.New("session does not exist")

	// Token authority or another upstream could not give a definite answer
	ErrUpstreamFailure = errors.New("upstream failure")

	ErrTicketNotFound = errors.New("ticket not found or already consumed")
)

// Error types reported to API clients next to token and session failures
const (
	KindUnknown         = 0
	KindInvalidToken    = 1
	KindTokenNotFound   = 2
	KindInactiveSession = 3
	KindBlockedSession  = 4
	KindExpiredSession  = 5
)

// Kind returns numeric error type for token and session errors or KindUnknown
func Kind(err error) int {
	switch {
	case errors.Is(err, ErrInvalidToken):
		return KindInvalidToken
	case errors.Is(err, ErrTokenNotFound):
		return KindTokenNotFound
	case errors.Is(err, ErrInactiveSession):
		return KindInactiveSession
	case errors.Is(err, ErrBlockedSession):
		return KindBlockedSession
	case errors.Is(err, ErrExpiredSession), errors.Is(err, ErrTokenReused):
		return KindExpiredSession
	default:
		return KindUnknown
	}
}
