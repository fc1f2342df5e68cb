package tokenauthority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/schoolgate/internal/models"
)

const defaultSigningMethod = "HS256"

type Claims struct {
	jwt.RegisteredClaims
	UserID    int64     `json:"user_id"`
	SessionID uuid.UUID `json:"session_id"`
}

type LocalConfig struct {
	// Secret key to sign tokens
	// Required to be set
	SecretKey string

	// JWT MAC (Message Authentication Code) algorithm
	// If not set than default is used
	Alg string

	// Clock, time.Now if not set
	Now func() time.Time
}

// In-process token authority signing HS JWTs
// Used in development and tests in place of the token service
type Local struct {
	key []byte
	alg jwt.SigningMethod
	now func() time.Time
}

func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("secret key must not be empty")
	}

	if cfg.Alg == "" {
		cfg.Alg = defaultSigningMethod
	}
	alg := jwt.GetSigningMethod(cfg.Alg)
	if alg == nil {
		return nil, fmt.Errorf("unknown signing method %q", cfg.Alg)
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Local{key: []byte(cfg.SecretKey), alg: alg, now: cfg.Now}, nil
}

func (l *Local) Create(_ context.Context, p models.Principal, ttl time.Duration) (string, error) {
	now := l.now()

	token := jwt.NewWithClaims(l.alg, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(), // tokens issued in the same second still differ
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:    p.UserID,
		SessionID: p.SessionID,
	})

	signed, err := token.SignedString(l.key)
	if err != nil {
		return "", fmt.Errorf("error while signing token. Err: %w", err)
	}
	return signed, nil
}

func (l *Local) Verify(_ context.Context, token string) (Verification, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (any, error) {
			return l.key, nil
		},
		jwt.WithValidMethods([]string{l.alg.Alg()}),
		jwt.WithTimeFunc(l.now),
		jwt.WithExpirationRequired(),
	)

	switch {
	case err == nil:
		return Verification{Verified: true, Principal: models.Principal{UserID: claims.UserID, SessionID: claims.SessionID}}, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		// Signature is fine, claims are parsed
		return Verification{Verified: true, Expired: true, Principal: models.Principal{UserID: claims.UserID, SessionID: claims.SessionID}}, nil
	default:
		return Verification{}, nil
	}
}
