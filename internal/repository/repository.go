package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/schoolgate/internal/models"
)

// User repository interface
type UserRepo interface {
	// Create user mirrored from users service
	// If user with the same id or email exists already has to return apperrors.ErrUserAlreadyExists
	Create(ctx context.Context, user models.User) (models.User, error)

	// Insert or update the local mirror. Empty password hash or nil verified flag keep stored values
	Upsert(ctx context.Context, arg UpsertUserParams) (models.User, error)

	// Get user by it's id or email
	// If user not found must return apperrors.ErrUserNotFound
	GetByID(ctx context.Context, id int64) (models.User, error)
	GetByEmail(ctx context.Context, email string) (models.User, error)

	// Delete user with all the sessions. Deleting absent user is not an error
	Delete(ctx context.Context, id int64) error
}

type UpsertUserParams struct {
	ID            int64
	Email         string
	PasswordHash  string
	EmailVerified *bool
}

// Session repository interface
type SessionRepo interface {
	Create(ctx context.Context, userID int64, expiresAt time.Time) (models.Session, error)

	// Get session. If not found must return apperrors.ErrSessionNotFound
	Get(ctx context.Context, id uuid.UUID) (models.Session, error)

	// Same as Get but locks the row until the transaction ends
	GetForUpdate(ctx context.Context, id uuid.UUID) (models.Session, error)

	// Set session inactive. Idempotent
	Deactivate(ctx context.Context, id uuid.UUID) error

	// Set session inactive and blocked. Idempotent, never reverted
	Block(ctx context.Context, id uuid.UUID) error

	// Deactivate active sessions expired before 'now', at most 'limit' of them
	DeactivateExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// Access and refresh token repository interface
// Tokens are addressed by their digest, raw values never reach the storage
type TokenRepo interface {
	CreateAccess(ctx context.Context, sessionID uuid.UUID, tokenHash string) (models.AccessToken, error)
	CreateRefresh(ctx context.Context, sessionID uuid.UUID, accessTokenID uuid.UUID, tokenHash string) (models.RefreshToken, error)

	// If token not found must return apperrors.ErrTokenNotFound
	GetAccess(ctx context.Context, tokenHash string) (models.AccessToken, error)

	// Return refresh token and lock it until the transaction ends
	// If token not found must return apperrors.ErrTokenNotFound
	GetRefreshForUpdate(ctx context.Context, tokenHash string) (models.RefreshToken, error)

	// Mark refresh token and the access token paired with it expired
	ExpirePair(ctx context.Context, refreshTokenID uuid.UUID) error

	// Mark every token of the session expired
	ExpireSessionTokens(ctx context.Context, sessionID uuid.UUID) error

	// Mark access tokens of the session expired, refresh tokens stay as is
	ExpireSessionAccess(ctx context.Context, sessionID uuid.UUID) error
}

// Storage groups repositories sharing one connection or transaction
type Storage interface {
	User() UserRepo
	Session() SessionRepo
	Token() TokenRepo

	// Run fn in transaction. Commit if fn returns nil, rollback otherwise
	InTx(ctx context.Context, fn func(Storage) error) error
}
