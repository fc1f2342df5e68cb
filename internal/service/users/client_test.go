package users

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/schoolgate/internal/apperrors"
	"github.com/nkiryanov/schoolgate/internal/logger"
)

func TestClient_Create(t *testing.T) {
	request := CreateUserRequest{Name: "Ada", Surname: "Lovelace", Email: "ada@example.com", HashedPassword: "$argon2id$hash"}

	serve := func(t *testing.T, h http.HandlerFunc) *Client {
		srv := httptest.NewServer(h)
		t.Cleanup(srv.Close)
		return NewClient(srv.URL, 100*time.Millisecond, logger.NewNoOpLogger())
	}

	t.Run("created", func(t *testing.T) {
		var got CreateUserRequest
		c := serve(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/users/", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id": 7, "created_at": "2024-09-01T10:00:00Z", "updated_at": "2024-09-01T10:00:00Z"}`))
		})

		created, err := c.Create(t.Context(), request)

		require.NoError(t, err)
		require.Equal(t, int64(7), created.ID)
		require.Equal(t, time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC), created.CreatedAt.UTC())
		require.Equal(t, request, got, "hash is sent, not the password")
	})

	t.Run("conflict", func(t *testing.T) {
		c := serve(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		})

		_, err := c.Create(t.Context(), request)

		require.ErrorIs(t, err, apperrors.ErrUserAlreadyExists)
	})

	t.Run("missing id", func(t *testing.T) {
		c := serve(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"created_at": "2024-09-01T10:00:00Z"}`))
		})

		_, err := c.Create(t.Context(), request)

		require.ErrorIs(t, err, apperrors.ErrUserCreationFailed)
	})

	t.Run("server error", func(t *testing.T) {
		c := serve(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})

		_, err := c.Create(t.Context(), request)

		require.ErrorIs(t, err, apperrors.ErrUserCreationFailed)
	})

	t.Run("timeout", func(t *testing.T) {
		c := serve(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		})

		_, err := c.Create(t.Context(), request)

		require.ErrorIs(t, err, apperrors.ErrUpstreamFailure)
	})
}

func TestClient_Changes(t *testing.T) {
	serve := func(t *testing.T, h http.HandlerFunc) *Client {
		srv := httptest.NewServer(h)
		t.Cleanup(srv.Close)
		return NewClient(srv.URL, 100*time.Millisecond, logger.NewNoOpLogger())
	}

	t.Run("update sends only set fields", func(t *testing.T) {
		var got map[string]any
		c := serve(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPatch, r.Method)
			require.Equal(t, "/users/7", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusOK)
		})
		name := "Augusta"

		err := c.Update(t.Context(), 7, UpdateUserRequest{Name: &name})

		require.NoError(t, err)
		require.Equal(t, map[string]any{"name": "Augusta"}, got)
	})

	t.Run("delete", func(t *testing.T) {
		c := serve(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodDelete, r.Method)
			require.Equal(t, "/users/7", r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		})

		err := c.Delete(t.Context(), 7)

		require.NoError(t, err)
	})

	t.Run("change password", func(t *testing.T) {
		var got ChangePasswordRequest
		c := serve(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/users/change_password", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusOK)
		})
		request := ChangePasswordRequest{UserID: 7, HashedPassword: "$argon2id$new"}

		err := c.ChangePassword(t.Context(), request)

		require.NoError(t, err)
		require.Equal(t, request, got)
	})

	t.Run("status mapping", func(t *testing.T) {
		tests := map[int]error{
			http.StatusNotFound:            apperrors.ErrUserNotFound,
			http.StatusConflict:            apperrors.ErrUserAlreadyExists,
			http.StatusUnprocessableEntity: apperrors.ErrUserUpdateFailed,
			http.StatusInternalServerError: apperrors.ErrUserUpdateFailed,
		}

		for status, want := range tests {
			c := serve(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			})

			err := c.Delete(t.Context(), 7)

			require.ErrorIs(t, err, want, "status %d", status)
		}
	})

	t.Run("users service down", func(t *testing.T) {
		c := NewClient("http://127.0.0.1:1", 100*time.Millisecond, logger.NewNoOpLogger())

		err := c.Update(t.Context(), 7, UpdateUserRequest{})

		require.ErrorIs(t, err, apperrors.ErrUpstreamFailure)
	})
}
