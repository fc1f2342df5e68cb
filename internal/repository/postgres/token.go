package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/schoolgate/internal/apperrors"
	"github.com/nkiryanov/schoolgate/internal/models"
)

type TokenRepo struct {
	DB DBTX
}

const createAccessToken = `-- name: CreateAccessToken
INSERT INTO access_tokens (id, session_id, token_hash)
VALUES ($1, $2, $3)
RETURNING id, session_id, token_hash, is_expired, created_at
`

func (r *TokenRepo) CreateAccess(ctx context.Context, sessionID uuid.UUID, tokenHash string) (models.AccessToken, error) {
	rows, _ := r.DB.Query(ctx, createAccessToken, uuid.New(), sessionID, tokenHash)
	t, err := pgx.CollectOneRow(rows, rowToAccessToken)
	if err != nil {
		return t, fmt.Errorf("db error: %w", err)
	}
	return t, nil
}

const createRefreshToken = `-- name: CreateRefreshToken
INSERT INTO refresh_tokens (id, session_id, access_token_id, token_hash)
VALUES ($1, $2, $3, $4)
RETURNING id, session_id, access_token_id, token_hash, is_expired, created_at
`

func (r *TokenRepo) CreateRefresh(ctx context.Context, sessionID uuid.UUID, accessTokenID uuid.UUID, tokenHash string) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, createRefreshToken, uuid.New(), sessionID, accessTokenID, tokenHash)
	t, err := pgx.CollectOneRow(rows, rowToRefreshToken)
	if err != nil {
		return t, fmt.Errorf("db error: %w", err)
	}
	return t, nil
}

const getAccessToken = `-- name: GetAccessToken
SELECT id, session_id, token_hash, is_expired, created_at
FROM access_tokens
WHERE token_hash = $1
`

func (r *TokenRepo) GetAccess(ctx context.Context, tokenHash string) (models.AccessToken, error) {
	rows, _ := r.DB.Query(ctx, getAccessToken, tokenHash)
	t, err := pgx.CollectOneRow(rows, rowToAccessToken)

	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, pgx.ErrNoRows):
		return t, apperrors.ErrTokenNotFound
	default:
		return t, fmt.Errorf("db error: %w", err)
	}
}

const getRefreshTokenForUpdate = `-- name: GetRefreshTokenForUpdate
SELECT id, session_id, access_token_id, token_hash, is_expired, created_at
FROM refresh_tokens
WHERE token_hash = $1
FOR UPDATE
`

// Get refresh token and hold the row lock until transaction ends
// Concurrent refreshes of the same token are serialized here
func (r *TokenRepo) GetRefreshForUpdate(ctx context.Context, tokenHash string) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, getRefreshTokenForUpdate, tokenHash)
	t, err := pgx.CollectOneRow(rows, rowToRefreshToken)

	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, pgx.ErrNoRows):
		return t, apperrors.ErrTokenNotFound
	default:
		return t, fmt.Errorf("db error: %w", err)
	}
}

const expireTokenPair = `-- name: ExpireTokenPair
WITH refresh AS (
    UPDATE refresh_tokens
    SET is_expired = TRUE
    WHERE id = $1
    RETURNING access_token_id
)
UPDATE access_tokens
SET is_expired = TRUE
WHERE id IN (SELECT access_token_id FROM refresh)
`

func (r *TokenRepo) ExpirePair(ctx context.Context, refreshTokenID uuid.UUID) error {
	_, err := r.DB.Exec(ctx, expireTokenPair, refreshTokenID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const expireSessionRefreshTokens = `-- name: ExpireSessionRefreshTokens
UPDATE refresh_tokens
SET is_expired = TRUE
WHERE session_id = $1 AND NOT is_expired
`

const expireSessionAccessTokens = `-- name: ExpireSessionAccessTokens
UPDATE access_tokens
SET is_expired = TRUE
WHERE session_id = $1 AND NOT is_expired
`

func (r *TokenRepo) ExpireSessionTokens(ctx context.Context, sessionID uuid.UUID) error {
	for _, q := range []string{expireSessionAccessTokens, expireSessionRefreshTokens} {
		if _, err := r.DB.Exec(ctx, q, sessionID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

func (r *TokenRepo) ExpireSessionAccess(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.DB.Exec(ctx, expireSessionAccessTokens, sessionID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func rowToAccessToken(row pgx.CollectableRow) (models.AccessToken, error) {
	var t models.AccessToken
	err := row.Scan(&t.ID, &t.SessionID, &t.TokenHash, &t.IsExpired, &t.CreatedAt)
	return t, err
}

func rowToRefreshToken(row pgx.CollectableRow) (models.RefreshToken, error) {
	var t models.RefreshToken
	err := row.Scan(&t.ID, &t.SessionID, &t.AccessTokenID, &t.TokenHash, &t.IsExpired, &t.CreatedAt)
	return t, err
}
