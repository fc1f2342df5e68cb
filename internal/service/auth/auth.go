package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/schoolgate/internal/apperrors"
	"github.com/nkiryanov/schoolgate/internal/logger"
	"github.com/nkiryanov/schoolgate/internal/metrics"
	"github.com/nkiryanov/schoolgate/internal/models"
	"github.com/nkiryanov/schoolgate/internal/repository"
	"github.com/nkiryanov/schoolgate/internal/service/tokenauthority"
	"github.com/nkiryanov/schoolgate/internal/service/users"
)

const (
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour

	dummyPassword = "schoolgate-dummy-password"
)

// Users service client
type UsersClient interface {
	Create(ctx context.Context, r users.CreateUserRequest) (users.CreatedUser, error)
	Update(ctx context.Context, userID int64, r users.UpdateUserRequest) error
	Delete(ctx context.Context, userID int64) error
	ChangePassword(ctx context.Context, r users.ChangePasswordRequest) error
}

// Shared cache of live sessions, used to revoke them across processes
type SessionCache interface {
	Track(ctx context.Context, s models.CachedSession, ttl time.Duration) error
	Forget(ctx context.Context, userID int64, sessionID uuid.UUID) error
}

type Config struct {
	// Access and refresh token lifetimes. Session lives as long as its first refresh token
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Hasher to use during registration or login
	Hasher PasswordHasher

	// Optional collaborators
	Users  UsersClient
	Cache  SessionCache
	Logger logger.Logger

	// Clock, time.Now if not set
	Now func() time.Time
}

// Registration profile as submitted by the user
type Profile struct {
	Name     string
	Surname  string
	Email    string
	Password string
}

// Session and token lifecycle manager
type AuthService struct {
	accessTTL  time.Duration
	refreshTTL time.Duration

	hasher    PasswordHasher
	dummyHash string

	storage   repository.Storage
	authority tokenauthority.Authority
	users     UsersClient
	cache     SessionCache
	logger    logger.Logger
	now       func() time.Time
}

func NewService(cfg Config, storage repository.Storage, authority tokenauthority.Authority) (*AuthService, error) {
	if storage == nil || authority == nil {
		return nil, errors.New("storage and token authority must not be nil")
	}

	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	if cfg.Hasher == nil {
		cfg.Hasher = DefaultHasher
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	// Compared against when user is unknown, so the miss costs as much as a real check
	dummyHash, err := cfg.Hasher.Hash(dummyPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to hash dummy password: %w", err)
	}

	return &AuthService{
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		hasher:     cfg.Hasher,
		dummyHash:  dummyHash,
		storage:    storage,
		authority:  authority,
		users:      cfg.Users,
		cache:      cfg.Cache,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}, nil
}

// Login user and open new session
// Unknown email, wrong password or not verified email are all reported as apperrors.ErrInvalidCredentials
func (s *AuthService) Login(ctx context.Context, email string, password string) (pair models.TokenPair, err error) {
	defer observe("login", &err)

	user, err := s.storage.User().GetByEmail(ctx, email)
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		_ = s.hasher.Compare(s.dummyHash, password)
		return pair, apperrors.ErrInvalidCredentials
	case err != nil:
		return pair, fmt.Errorf("failed to get user: %w", err)
	}

	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		// Missing or unparseable hash fails instantly, pay the same cost as for unknown email
		if errors.Is(err, ErrInvalidHash) {
			_ = s.hasher.Compare(s.dummyHash, password)
		}
		return pair, apperrors.ErrInvalidCredentials
	}
	if !user.EmailVerified {
		return pair, apperrors.ErrInvalidCredentials
	}

	now := s.now()
	var session models.Session

	// Session is persisted only together with its first token pair
	err = s.storage.InTx(ctx, func(tx repository.Storage) error {
		var err error
		session, err = tx.Session().Create(ctx, user.ID, now.Add(s.refreshTTL))
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}

		pair, err = s.issuePair(ctx, tx, session, now)
		return err
	})
	if err != nil {
		return models.TokenPair{}, err
	}

	s.track(ctx, session, now)
	s.logger.Info("User logged in", "user_id", user.ID, "session_id", session.ID)

	return pair, nil
}

// Rotate token pair presenting refresh token
// Reuse of already rotated token blocks the whole session and returns apperrors.ErrTokenReused
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (pair models.TokenPair, err error) {
	defer observe("refresh", &err)

	v, err := s.authority.Verify(ctx, refreshToken)
	if err != nil {
		return pair, fmt.Errorf("failed to verify refresh token: %w", err)
	}
	if !v.Verified {
		return pair, apperrors.ErrInvalidToken
	}
	if v.Expired {
		return pair, apperrors.ErrExpiredSession
	}

	now := s.now()
	reused := false
	var session models.Session

	err = s.storage.InTx(ctx, func(tx repository.Storage) error {
		// Session row is locked before token rows, the same order logout and sweeper use
		var sessionErr error
		session, sessionErr = tx.Session().GetForUpdate(ctx, v.Principal.SessionID)
		if sessionErr != nil && !errors.Is(sessionErr, apperrors.ErrSessionNotFound) {
			return fmt.Errorf("failed to get session: %w", sessionErr)
		}

		old, err := tx.Token().GetRefreshForUpdate(ctx, Digest(refreshToken))
		if err != nil {
			return err
		}
		if old.SessionID != v.Principal.SessionID {
			return apperrors.ErrInvalidToken
		}

		if sessionErr != nil {
			return apperrors.ErrInactiveSession
		}
		if err := checkSession(session, now); err != nil {
			return err
		}

		if old.IsExpired {
			if err := tx.Session().Block(ctx, session.ID); err != nil {
				return fmt.Errorf("failed to block session: %w", err)
			}
			if err := tx.Token().ExpireSessionTokens(ctx, session.ID); err != nil {
				return fmt.Errorf("failed to expire session tokens: %w", err)
			}

			// Commit the block, the error is returned after the transaction
			reused = true
			return nil
		}

		// Old pair goes first: only one live pair per session is allowed
		if err := tx.Token().ExpirePair(ctx, old.ID); err != nil {
			return fmt.Errorf("failed to expire token pair: %w", err)
		}

		pair, err = s.issuePair(ctx, tx, session, now)
		return err
	})
	if err != nil {
		return models.TokenPair{}, err
	}

	if reused {
		s.logger.Warn("Refresh token reused, session blocked", "user_id", session.UserID, "session_id", session.ID)
		s.forget(ctx, session)
		return models.TokenPair{}, apperrors.ErrTokenReused
	}

	s.track(ctx, session, now)
	return pair, nil
}

// Logout closes session of the access token
// Repeated logout with still valid token is not an error
func (s *AuthService) Logout(ctx context.Context, accessToken string) (err error) {
	defer observe("logout", &err)

	v, err := s.authority.Verify(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("failed to verify access token: %w", err)
	}
	if !v.Verified {
		return apperrors.ErrInvalidToken
	}
	if v.Expired {
		return apperrors.ErrExpiredSession
	}

	var session models.Session
	err = s.storage.InTx(ctx, func(tx repository.Storage) error {
		var err error
		session, err = tx.Session().GetForUpdate(ctx, v.Principal.SessionID)
		if err != nil {
			return err
		}

		if err := tx.Session().Deactivate(ctx, session.ID); err != nil {
			return fmt.Errorf("failed to deactivate session: %w", err)
		}
		if err := tx.Token().ExpireSessionTokens(ctx, session.ID); err != nil {
			return fmt.Errorf("failed to expire session tokens: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.forget(ctx, session)
	s.logger.Info("User logged out", "user_id", session.UserID, "session_id", session.ID)

	return nil
}

// Register user in the users service and mirror it locally with not verified email
// No session is opened: email has to be verified first
func (s *AuthService) Register(ctx context.Context, p Profile) (user models.User, err error) {
	defer observe("register", &err)

	if s.users == nil {
		return user, errors.New("users service is not configured")
	}

	hash, err := s.hasher.Hash(p.Password)
	if err != nil {
		return user, fmt.Errorf("can't use this as password, Err: %w", err)
	}

	created, err := s.users.Create(ctx, users.CreateUserRequest{
		Name:           p.Name,
		Surname:        p.Surname,
		Email:          p.Email,
		HashedPassword: hash,
	})
	if err != nil {
		return user, err
	}

	_, err = s.storage.User().GetByID(ctx, created.ID)
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		user, err = s.storage.User().Create(ctx, models.User{
			ID:           created.ID,
			Email:        p.Email,
			PasswordHash: hash,
		})
	case err == nil:
		// user.created event got here first
		verified := false
		user, err = s.storage.User().Upsert(ctx, repository.UpsertUserParams{
			ID:            created.ID,
			Email:         p.Email,
			PasswordHash:  hash,
			EmailVerified: &verified,
		})
	}
	if err != nil {
		return user, fmt.Errorf("failed to save user mirror: %w", err)
	}

	s.logger.Info("User registered", "user_id", user.ID)
	return user, nil
}

// ChangePassword checks the current password and stores the new one in the users service and locally
// Wrong current password is reported as apperrors.ErrInvalidCredentials
func (s *AuthService) ChangePassword(ctx context.Context, userID int64, oldPassword string, newPassword string) (err error) {
	defer observe("change_password", &err)

	if s.users == nil {
		return errors.New("users service is not configured")
	}

	user, err := s.storage.User().GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.hasher.Compare(user.PasswordHash, oldPassword); err != nil {
		return apperrors.ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("can't use this as password, Err: %w", err)
	}

	if err := s.users.ChangePassword(ctx, users.ChangePasswordRequest{UserID: userID, HashedPassword: hash}); err != nil {
		return err
	}

	// Email verification flag is kept
	_, err = s.storage.User().Upsert(ctx, repository.UpsertUserParams{
		ID:           user.ID,
		Email:        user.Email,
		PasswordHash: hash,
	})
	if err != nil {
		return fmt.Errorf("failed to save user mirror: %w", err)
	}

	s.logger.Info("Password changed", "user_id", userID)
	return nil
}

// UpdateUser forwards profile change to the users service
// Local mirror follows with the user.updated event
func (s *AuthService) UpdateUser(ctx context.Context, userID int64, r users.UpdateUserRequest) (err error) {
	defer observe("update_user", &err)

	if s.users == nil {
		return errors.New("users service is not configured")
	}

	return s.users.Update(ctx, userID, r)
}

// DeleteUser removes user from the users service and drops local mirror with all sessions
// User already missing in the users service is still removed locally
func (s *AuthService) DeleteUser(ctx context.Context, userID int64) (err error) {
	defer observe("delete_user", &err)

	if s.users == nil {
		return errors.New("users service is not configured")
	}

	if err := s.users.Delete(ctx, userID); err != nil && !errors.Is(err, apperrors.ErrUserNotFound) {
		return err
	}
	if err := s.storage.User().Delete(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user mirror: %w", err)
	}

	s.logger.Info("User deleted", "user_id", userID)
	return nil
}

// Authenticate resolves access token to the caller identity
// Token has to be verified by the token authority and honored by the local store
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (models.Principal, error) {
	v, err := s.authority.Verify(ctx, accessToken)
	if err != nil {
		return models.Principal{}, fmt.Errorf("failed to verify access token: %w", err)
	}
	if !v.Verified {
		return models.Principal{}, apperrors.ErrInvalidToken
	}
	if v.Expired {
		if err := s.storage.Token().ExpireSessionAccess(ctx, v.Principal.SessionID); err != nil {
			s.logger.Error("Failed to expire access tokens", "session_id", v.Principal.SessionID, "error", err)
		}
		return models.Principal{}, apperrors.ErrExpiredSession
	}

	token, err := s.storage.Token().GetAccess(ctx, Digest(accessToken))
	if err != nil {
		return models.Principal{}, err
	}
	if token.IsExpired {
		return models.Principal{}, apperrors.ErrExpiredSession
	}
	if token.SessionID != v.Principal.SessionID {
		return models.Principal{}, apperrors.ErrInvalidToken
	}

	session, err := s.storage.Session().Get(ctx, token.SessionID)
	switch {
	case errors.Is(err, apperrors.ErrSessionNotFound):
		return models.Principal{}, apperrors.ErrInactiveSession
	case err != nil:
		return models.Principal{}, fmt.Errorf("failed to get session: %w", err)
	}
	if err := checkSession(session, s.now()); err != nil {
		return models.Principal{}, err
	}

	return v.Principal, nil
}

// EmailVerified reports whether user confirmed the email
func (s *AuthService) EmailVerified(ctx context.Context, userID int64) (bool, error) {
	user, err := s.storage.User().GetByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.EmailVerified, nil
}

// Mint and persist token pair of the session
// Refresh token never outlives the session
func (s *AuthService) issuePair(ctx context.Context, tx repository.Storage, session models.Session, now time.Time) (models.TokenPair, error) {
	p := models.Principal{UserID: session.UserID, SessionID: session.ID}
	refreshTTL := session.ExpiresAt.Sub(now)
	accessTTL := min(s.accessTTL, refreshTTL)

	access, err := s.authority.Create(ctx, p, accessTTL)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("failed to create access token: %w", err)
	}
	refresh, err := s.authority.Create(ctx, p, refreshTTL)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("failed to create refresh token: %w", err)
	}

	a, err := tx.Token().CreateAccess(ctx, session.ID, Digest(access))
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("failed to save access token: %w", err)
	}
	if _, err := tx.Token().CreateRefresh(ctx, session.ID, a.ID, Digest(refresh)); err != nil {
		return models.TokenPair{}, fmt.Errorf("failed to save refresh token: %w", err)
	}

	return models.TokenPair{
		Access:  models.IssuedToken{Value: access, ExpiresAt: now.Add(accessTTL)},
		Refresh: models.IssuedToken{Value: refresh, ExpiresAt: session.ExpiresAt},
	}, nil
}

func (s *AuthService) track(ctx context.Context, session models.Session, now time.Time) {
	if s.cache == nil {
		return
	}

	cached := models.CachedSession{UserID: session.UserID, SessionID: session.ID, ExpiresAt: session.ExpiresAt}
	if err := s.cache.Track(ctx, cached, session.ExpiresAt.Sub(now)); err != nil {
		s.logger.Warn("Failed to cache session", "session_id", session.ID, "error", err)
	}
}

func (s *AuthService) forget(ctx context.Context, session models.Session) {
	if s.cache == nil {
		return
	}

	if err := s.cache.Forget(ctx, session.UserID, session.ID); err != nil {
		s.logger.Warn("Failed to drop cached session", "session_id", session.ID, "error", err)
	}
}

// Blocked is checked first: blocked session is inactive as well, but blocking is the terminal state
func checkSession(s models.Session, now time.Time) error {
	switch {
	case s.IsBlocked:
		return apperrors.ErrBlockedSession
	case !s.IsActive:
		return apperrors.ErrInactiveSession
	case !s.ExpiresAt.After(now):
		return apperrors.ErrExpiredSession
	}
	return nil
}

// Digest of token value as it is kept in the store
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func observe(operation string, err *error) {
	outcome := metrics.OutcomeOK
	switch {
	case *err == nil:
	case apperrors.Kind(*err) != apperrors.KindUnknown,
		errors.Is(*err, apperrors.ErrInvalidCredentials),
		errors.Is(*err, apperrors.ErrSessionNotFound):
		outcome = metrics.OutcomeDenied
	default:
		outcome = metrics.OutcomeError
	}
	metrics.AuthEvents.WithLabelValues(operation, outcome).Inc()
}
