package revocation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nkiryanov/schoolgate/internal/events"
	"github.com/nkiryanov/schoolgate/internal/logger"
)

type SessionRevoker interface {
	RevokeUser(ctx context.Context, userID int64) (int, error)
}

// Kill switch: drops cached sessions of the user when another service revokes them
// Postgres stays untouched, it remains the source of truth for session state
type Service struct {
	cache  SessionRevoker
	logger logger.Logger
}

func NewService(cache SessionRevoker, l logger.Logger) *Service {
	return &Service{cache: cache, logger: l}
}

type sessionRevoked struct {
	UserID *events.UserID `json:"user_id"`
}

// Handle 'session.revoked' event. Replaying it is a no-op
func (s *Service) SessionRevoked(ctx context.Context, data json.RawMessage) error {
	var e sessionRevoked
	if err := json.Unmarshal(data, &e); err != nil || e.UserID == nil {
		s.logger.Warn("Session revoked event without user id dropped", "error", err)
		return nil
	}

	userID := int64(*e.UserID)
	n, err := s.cache.RevokeUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke cached sessions of user %d: %w", userID, err)
	}

	s.logger.Info("Cached sessions revoked", "user_id", userID, "sessions", n)
	return nil
}
