package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nkiryanov/schoolgate/internal/events"
	"github.com/nkiryanov/schoolgate/internal/logger"
	"github.com/nkiryanov/schoolgate/internal/repository"
)

// Keeps local users mirror in sync with the users service
type UserService struct {
	userRepo repository.UserRepo
	logger   logger.Logger
}

func NewService(userRepo repository.UserRepo, l logger.Logger) *UserService {
	return &UserService{
		userRepo: userRepo,
		logger:   l,
	}
}

// Profile as published by the users service
// Optional fields keep stored values when absent
type profile struct {
	ID             events.UserID `json:"id"`
	Email          string        `json:"email"`
	HashedPassword string        `json:"hashed_password"`
	EmailVerified  *bool         `json:"email_verified"`
}

// Upsert handles CREATE and UPDATE events. Applying the same event twice is a no-op
func (s *UserService) Upsert(ctx context.Context, data json.RawMessage) error {
	var p profile
	if err := json.Unmarshal(data, &p); err != nil || p.ID <= 0 || p.Email == "" {
		s.logger.Warn("User event without id or email dropped", "error", err)
		return nil
	}

	user, err := s.userRepo.Upsert(ctx, repository.UpsertUserParams{
		ID:            int64(p.ID),
		Email:         p.Email,
		PasswordHash:  p.HashedPassword,
		EmailVerified: p.EmailVerified,
	})
	if err != nil {
		return fmt.Errorf("can't sync user %d. Err: %w", p.ID, err)
	}

	s.logger.Debug("User synced", "user_id", user.ID, "email_verified", user.EmailVerified)
	return nil
}

// Delete handles DELETE events. Sessions of the user go with it
func (s *UserService) Delete(ctx context.Context, data json.RawMessage) error {
	var p profile
	if err := json.Unmarshal(data, &p); err != nil || p.ID <= 0 {
		s.logger.Warn("User event without id dropped", "error", err)
		return nil
	}

	if err := s.userRepo.Delete(ctx, int64(p.ID)); err != nil {
		return fmt.Errorf("can't delete user %d. Err: %w", p.ID, err)
	}

	s.logger.Info("User deleted", "user_id", p.ID)
	return nil
}

// Register handlers on dispatcher of the users topic
func (s *UserService) Subscribe(d *events.Dispatcher) error {
	if d == nil {
		return errors.New("dispatcher must not be nil")
	}

	d.On(events.TypeUserCreated, s.Upsert).
		On(events.TypeUserUpdated, s.Upsert).
		On(events.TypeUserDeleted, s.Delete)
	return nil
}
