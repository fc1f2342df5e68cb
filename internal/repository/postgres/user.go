package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/schoolgate/internal/apperrors"
	"github.com/nkiryanov/schoolgate/internal/models"
	"github.com/nkiryanov/schoolgate/internal/repository"
)

type UserRepo struct {
	DB DBTX
}

const userColumns = `id, email, password_hash, email_verified, created_at, updated_at`

const createUser = `-- name: CreateUser
INSERT INTO users (id, email, password_hash, email_verified, created_at, updated_at)
VALUES ($1, $2, $3, $4, COALESCE($5, now()), COALESCE($6, now()))
RETURNING ` + userColumns

func (r *UserRepo) Create(ctx context.Context, u models.User) (models.User, error) {
	rows, _ := r.DB.Query(ctx, createUser,
		u.ID, u.Email, u.PasswordHash, u.EmailVerified, nullTime(u.CreatedAt), nullTime(u.UpdatedAt),
	)
	user, err := pgx.CollectOneRow(rows, rowToUser)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return user, apperrors.ErrUserAlreadyExists
		}

		return user, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

const upsertUser = `-- name: UpsertUser
INSERT INTO users (id, email, password_hash, email_verified)
VALUES ($1, $2, $3, COALESCE($4, FALSE))
ON CONFLICT (id) DO UPDATE
SET email          = EXCLUDED.email,
    password_hash  = CASE WHEN $3 = '' THEN users.password_hash ELSE EXCLUDED.password_hash END,
    email_verified = COALESCE($4, users.email_verified),
    updated_at     = now()
RETURNING ` + userColumns

func (r *UserRepo) Upsert(ctx context.Context, arg repository.UpsertUserParams) (models.User, error) {
	rows, _ := r.DB.Query(ctx, upsertUser, arg.ID, arg.Email, arg.PasswordHash, arg.EmailVerified)
	user, err := pgx.CollectOneRow(rows, rowToUser)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			// email taken by a different user id
			return user, apperrors.ErrUserAlreadyExists
		}

		return user, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

const getUserByID = `-- name: GetUserByID
SELECT ` + userColumns + `
FROM users
WHERE id = $1
`

func (r *UserRepo) GetByID(ctx context.Context, id int64) (models.User, error) {
	rows, _ := r.DB.Query(ctx, getUserByID, id)
	return collectUser(rows)
}

const getUserByEmail = `-- name: GetUserByEmail
SELECT ` + userColumns + `
FROM users
WHERE email = $1
`

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (models.User, error) {
	rows, _ := r.DB.Query(ctx, getUserByEmail, email)
	return collectUser(rows)
}

const deleteUser = `-- name: DeleteUser
DELETE FROM users
WHERE id = $1
`

func (r *UserRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.DB.Exec(ctx, deleteUser, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func collectUser(rows pgx.Rows) (models.User, error) {
	user, err := pgx.CollectOneRow(rows, rowToUser)

	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, pgx.ErrNoRows):
		return user, apperrors.ErrUserNotFound
	default:
		return user, fmt.Errorf("db error: %w", err)
	}
}

func rowToUser(row pgx.CollectableRow) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.EmailVerified, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}
