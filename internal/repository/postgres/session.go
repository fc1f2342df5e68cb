package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/schoolgate/internal/apperrors"
	"github.com/nkiryanov/schoolgate/internal/models"
)

type SessionRepo struct {
	DB DBTX
}

const sessionColumns = `id, user_id, is_active, is_blocked, created_at, expires_at`

const createSession = `-- name: CreateSession
INSERT INTO sessions (id, user_id, expires_at)
VALUES ($1, $2, $3)
RETURNING ` + sessionColumns

func (r *SessionRepo) Create(ctx context.Context, userID int64, expiresAt time.Time) (models.Session, error) {
	rows, _ := r.DB.Query(ctx, createSession, uuid.New(), userID, expiresAt)
	s, err := pgx.CollectOneRow(rows, rowToSession)
	if err != nil {
		return s, fmt.Errorf("db error: %w", err)
	}
	return s, nil
}

const getSession = `-- name: GetSession
SELECT ` + sessionColumns + `
FROM sessions
WHERE id = $1
`

func (r *SessionRepo) Get(ctx context.Context, id uuid.UUID) (models.Session, error) {
	rows, _ := r.DB.Query(ctx, getSession, id)
	return collectSession(rows)
}

const getSessionForUpdate = getSession + `FOR UPDATE
`

func (r *SessionRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (models.Session, error) {
	rows, _ := r.DB.Query(ctx, getSessionForUpdate, id)
	return collectSession(rows)
}

const deactivateSession = `-- name: DeactivateSession
UPDATE sessions
SET is_active = FALSE
WHERE id = $1
`

func (r *SessionRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	_, err := r.DB.Exec(ctx, deactivateSession, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const blockSession = `-- name: BlockSession
UPDATE sessions
SET is_active = FALSE, is_blocked = TRUE
WHERE id = $1
`

func (r *SessionRepo) Block(ctx context.Context, id uuid.UUID) error {
	_, err := r.DB.Exec(ctx, blockSession, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const deactivateExpiredSessions = `-- name: DeactivateExpiredSessions
UPDATE sessions
SET is_active = FALSE
WHERE id IN (
    SELECT id
    FROM sessions
    WHERE is_active AND expires_at < $1
    ORDER BY expires_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING id
`

func (r *SessionRepo) DeactivateExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, _ := r.DB.Query(ctx, deactivateExpiredSessions, now, limit)
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return ids, nil
}

func collectSession(rows pgx.Rows) (models.Session, error) {
	s, err := pgx.CollectOneRow(rows, rowToSession)

	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, pgx.ErrNoRows):
		return s, apperrors.ErrSessionNotFound
	default:
		return s, fmt.Errorf("db error: %w", err)
	}
}

func rowToSession(row pgx.CollectableRow) (models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.UserID, &s.IsActive, &s.IsBlocked, &s.CreatedAt, &s.ExpiresAt)
	return s, err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
