package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/schoolgate/internal/logger"
)

func TestDispatcher(t *testing.T) {
	var got []string
	record := func(ctx context.Context, data json.RawMessage) error {
		got = append(got, string(data))
		return nil
	}

	d := NewDispatcher(TopicUsers, logger.NewNoOpLogger()).
		On(TypeUserUpdated, record).
		On(TypeUserDeleted, func(context.Context, json.RawMessage) error { return errors.New("db down") })

	t.Run("routes by type", func(t *testing.T) {
		got = nil

		err := d.Handle(t.Context(), nil, []byte(`{"type": "UPDATE", "data": {"id": 1}}`))

		require.NoError(t, err)
		require.Equal(t, []string{`{"id": 1}`}, got)
	})

	t.Run("unknown type ignored", func(t *testing.T) {
		got = nil

		err := d.Handle(t.Context(), nil, []byte(`{"type": "RENAME", "data": {}}`))

		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("malformed dropped", func(t *testing.T) {
		for _, value := range []string{`not json`, `{"data": {}}`, ``} {
			err := d.Handle(t.Context(), nil, []byte(value))

			require.NoError(t, err, "malformed message %q must not block the partition", value)
		}
	})

	t.Run("handler error returned", func(t *testing.T) {
		err := d.Handle(t.Context(), nil, []byte(`{"type": "DELETE", "data": {"id": 1}}`))

		require.ErrorContains(t, err, "db down")
	})
}

func TestUserID(t *testing.T) {
	tests := []struct {
		in      string
		want    UserID
		wantErr bool
	}{
		{in: `42`, want: 42},
		{in: `"42"`, want: 42},
		{in: ` 7 `, want: 7},
		{in: `"abc"`, wantErr: true},
		{in: `4.2`, wantErr: true},
		{in: `null`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var id UserID
			err := json.Unmarshal([]byte(tt.in), &id)

			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, id)
		})
	}
}
