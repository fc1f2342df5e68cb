package middleware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/schoolgate/internal/apperrors"
	"github.com/nkiryanov/schoolgate/internal/handlers/userctx"
	applogger "github.com/nkiryanov/schoolgate/internal/logger"
	"github.com/nkiryanov/schoolgate/internal/models"
	"github.com/nkiryanov/schoolgate/internal/service/tokenauthority"
)

// Allow to use a function as authenticator
type authFunc func(ctx context.Context, token string) (models.Principal, error)

func (f authFunc) Authenticate(ctx context.Context, token string) (models.Principal, error) {
	return f(ctx, token)
}

func TestGate(t *testing.T) {
	principal := models.Principal{UserID: 42, SessionID: uuid.New()}

	// Handler writes user id of the principal from context
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := userctx.FromContext(r.Context())
		require.True(t, ok, "gate has to set principal or write error")

		_, err := fmt.Fprint(w, p.UserID)
		require.NoError(t, err)
	})

	do := func(t *testing.T, a authFunc, authorization string) (*http.Response, string) {
		srv := httptest.NewServer(Gate(a, applogger.NewNoOpLogger())(handler))
		t.Cleanup(srv.Close)

		req, err := http.NewRequest(http.MethodGet, srv.URL+"/test", nil)
		require.NoError(t, err)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		defer resp.Body.Close() // nolint:errcheck

		return resp, string(body)
	}

	t.Run("auth ok", func(t *testing.T) {
		var got string
		resp, body := do(t, func(_ context.Context, token string) (models.Principal, error) {
			got = token
			return principal, nil
		}, "Bearer access-token")

		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "42", body)
		require.Equal(t, "access-token", got)
	})

	t.Run("missing or malformed header", func(t *testing.T) {
		never := func(context.Context, string) (models.Principal, error) {
			t.Fatal("authenticator must not be called")
			return models.Principal{}, nil
		}

		for _, header := range []string{"", "Bearer", "Bearer   ", "Basic dXNlcjpwd2Q=", "access-token"} {
			resp, body := do(t, never, header)

			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			require.JSONEq(t, `{"detail": "Not authenticated"}`, body)
			require.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
		}
	})

	t.Run("fail closed", func(t *testing.T) {
		failures := map[string]error{
			"upstream 500":     fmt.Errorf("%w: %w", apperrors.ErrUpstreamFailure, &tokenauthority.StatusError{Status: 500, Message: "pq: connection refused 10.0.0.7"}),
			"upstream timeout": fmt.Errorf("failed to verify access token: %w: context deadline exceeded", apperrors.ErrUpstreamFailure),
			"malformed answer": fmt.Errorf("%w: verification payload without 'verified'", apperrors.ErrUpstreamFailure),
			"untyped error":    errors.New("runtime error: index out of range"),
			"upstream 400":     &tokenauthority.StatusError{Status: 400, Message: "bad request"},
		}

		for name, failure := range failures {
			t.Run(name, func(t *testing.T) {
				resp, body := do(t, func(context.Context, string) (models.Principal, error) {
					return models.Principal{}, failure
				}, "Bearer token")

				require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
				require.JSONEq(t, `{"detail": "Could not validate credentials"}`, body)
			})
		}
	})

	t.Run("rejection passes through", func(t *testing.T) {
		for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
			resp, body := do(t, func(context.Context, string) (models.Principal, error) {
				return models.Principal{}, fmt.Errorf("failed to verify access token: %w", &tokenauthority.StatusError{Status: status, Message: "Token revoked"})
			}, "Bearer token")

			require.Equal(t, status, resp.StatusCode)
			require.JSONEq(t, `{"detail": "Token revoked"}`, body)
		}
	})

	t.Run("domain errors", func(t *testing.T) {
		tests := []struct {
			err    error
			status int
		}{
			{err: apperrors.ErrInvalidToken, status: http.StatusUnauthorized},
			{err: apperrors.ErrTokenNotFound, status: http.StatusUnauthorized},
			{err: apperrors.ErrInactiveSession, status: http.StatusUnauthorized},
			{err: apperrors.ErrBlockedSession, status: http.StatusUnauthorized},
			{err: apperrors.ErrExpiredSession, status: http.StatusUnauthorized},
			{err: apperrors.ErrSessionNotFound, status: http.StatusForbidden},
		}

		for _, tc := range tests {
			resp, body := do(t, func(context.Context, string) (models.Principal, error) {
				return models.Principal{}, fmt.Errorf("wrapped: %w", tc.err)
			}, "Bearer token")

			require.Equal(t, tc.status, resp.StatusCode)
			require.JSONEq(t, fmt.Sprintf(`{"detail": %q}`, tc.err.Error()), body)
		}
	})
}
