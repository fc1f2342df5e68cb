package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/schoolgate/internal/apperrors"
	"github.com/nkiryanov/schoolgate/internal/models"
	"github.com/nkiryanov/schoolgate/internal/repository"
	"github.com/nkiryanov/schoolgate/internal/testutil"
)

func Test_Storage_InTx(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	t.Run("commit on success", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			s := NewStorage(tx)

			err := s.InTx(t.Context(), func(s repository.Storage) error {
				_, err := s.User().Create(t.Context(), models.User{ID: 1, Email: "nk@example.com"})
				return err
			})
			require.NoError(t, err)

			_, err = s.User().GetByID(t.Context(), 1)
			require.NoError(t, err, "user must be visible after commit")
		})
	})

	t.Run("rollback on error", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			s := NewStorage(tx)
			boom := errors.New("boom")

			err := s.InTx(t.Context(), func(s repository.Storage) error {
				_, err := s.User().Create(t.Context(), models.User{ID: 1, Email: "nk@example.com"})
				require.NoError(t, err)
				return boom
			})
			require.ErrorIs(t, err, boom)

			_, err = s.User().GetByID(t.Context(), 1)
			require.ErrorIs(t, err, apperrors.ErrUserNotFound, "user must be rolled back")
		})
	})
}
