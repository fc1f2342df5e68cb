package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/schoolgate/internal/apperrors"
	"github.com/nkiryanov/schoolgate/internal/models"
)

const (
	sessionPrefix      = "session:"
	userSessionsPrefix = "user_sessions:"
)

func sessionKey(id uuid.UUID) string {
	return sessionPrefix + id.String()
}

func userSessionsKey(userID int64) string {
	return userSessionsPrefix + strconv.FormatInt(userID, 10)
}

// Per user index of cached sessions
// Keeps revocation of all user sessions cheap: no key scans
type SessionIndex struct {
	rdb redis.UniversalClient
}

func NewSessionIndex(rdb redis.UniversalClient) *SessionIndex {
	return &SessionIndex{rdb: rdb}
}

// Track caches session and adds it to the user index
// Index lives as long as the longest of its sessions
func (i *SessionIndex) Track(ctx context.Context, s models.CachedSession, ttl time.Duration) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	setKey := userSessionsKey(s.UserID)
	_, err = i.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(s.SessionID), payload, ttl)
		pipe.SAdd(ctx, setKey, s.SessionID.String())
		pipe.ExpireNX(ctx, setKey, ttl)
		pipe.ExpireGT(ctx, setKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}

	return nil
}

// Get cached session. Missing one returns apperrors.ErrSessionNotFound
func (i *SessionIndex) Get(ctx context.Context, id uuid.UUID) (models.CachedSession, error) {
	var s models.CachedSession

	raw, err := i.rdb.Get(ctx, sessionKey(id)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return s, apperrors.ErrSessionNotFound
	case err != nil:
		return s, fmt.Errorf("redis error: %w", err)
	}

	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("malformed cached session: %w", err)
	}
	return s, nil
}

// Forget one session of the user
func (i *SessionIndex) Forget(ctx context.Context, userID int64, sessionID uuid.UUID) error {
	_, err := i.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(sessionID))
		pipe.SRem(ctx, userSessionsKey(userID), sessionID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

// RevokeUser drops every cached session of the user together with the index
// Returns number of indexed sessions. Revoking user without sessions is not an error
func (i *SessionIndex) RevokeUser(ctx context.Context, userID int64) (int, error) {
	setKey := userSessionsKey(userID)

	ids, err := i.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis error: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, sessionPrefix+id)
	}
	keys = append(keys, setKey)

	if err := i.rdb.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("redis error: %w", err)
	}

	return len(ids), nil
}
