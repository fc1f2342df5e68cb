package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/schoolgate/internal/logger"
	"github.com/nkiryanov/schoolgate/internal/models"
	"github.com/nkiryanov/schoolgate/internal/repository/postgres"
	"github.com/nkiryanov/schoolgate/internal/testutil"
)

func TestSweeper(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	t.Run("sweep expired sessions in batches", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			storage := postgres.NewStorage(tx)
			now := time.Now()
			_, err := storage.User().Create(t.Context(), models.User{ID: 1, Email: "ada@example.com"})
			require.NoError(t, err)

			var expired []models.Session
			for range 3 {
				s, err := storage.Session().Create(t.Context(), 1, now.Add(-time.Minute))
				require.NoError(t, err)
				expired = append(expired, s)
			}
			live, err := storage.Session().Create(t.Context(), 1, now.Add(time.Hour))
			require.NoError(t, err)

			access, err := storage.Token().CreateAccess(t.Context(), expired[0].ID, "access-hash")
			require.NoError(t, err)
			_, err = storage.Token().CreateRefresh(t.Context(), expired[0].ID, access.ID, "refresh-hash")
			require.NoError(t, err)

			s := New(Config{BatchSize: 2, Now: func() time.Time { return now }}, storage, logger.NewNoOpLogger())
			n, err := s.Sweep(t.Context())

			require.NoError(t, err)
			require.Equal(t, 3, n)
			for _, e := range expired {
				got, err := storage.Session().Get(t.Context(), e.ID)
				require.NoError(t, err)
				require.False(t, got.IsActive)
				require.False(t, got.IsBlocked)
			}
			got, err := storage.Session().Get(t.Context(), live.ID)
			require.NoError(t, err)
			require.True(t, got.IsActive, "live session untouched")

			gotAccess, err := storage.Token().GetAccess(t.Context(), "access-hash")
			require.NoError(t, err)
			require.True(t, gotAccess.IsExpired)

			n, err = s.Sweep(t.Context())
			require.NoError(t, err)
			require.Zero(t, n, "nothing left to sweep")
		})
	})

	t.Run("run stops with context", func(t *testing.T) {
		s := New(Config{Interval: 10 * time.Millisecond}, postgres.NewStorage(pg.Pool), logger.NewNoOpLogger())
		ctx, cancel := context.WithCancel(t.Context())

		stopped := s.Run(ctx)
		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Fatal("sweeper did not stop")
		}
	})
}
