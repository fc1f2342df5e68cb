package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/schoolgate/internal/cache"
	"github.com/nkiryanov/schoolgate/internal/logger"
	"github.com/nkiryanov/schoolgate/internal/models"
	"github.com/nkiryanov/schoolgate/internal/repository/postgres"
	"github.com/nkiryanov/schoolgate/internal/service/auth"
	"github.com/nkiryanov/schoolgate/internal/service/tokenauthority"
	"github.com/nkiryanov/schoolgate/internal/testutil"
)

// Whole flow on production services: login, ticket, WebSocket, logout
func Test_WebSocketFlow(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)
	rd := testutil.StartRedisContainer(t)
	t.Cleanup(rd.Terminate)

	storage := postgres.NewStorage(pg.Pool)
	hasher := auth.NewHasher(auth.Argon2Params{MemoryKiB: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})

	authority, err := tokenauthority.NewLocal(tokenauthority.LocalConfig{SecretKey: "test-secret-key"})
	require.NoError(t, err)

	sessions := cache.NewSessionIndex(rd.Client)
	s, err := auth.NewService(auth.Config{
		Hasher: hasher,
		Cache:  sessions,
	}, storage, authority)
	require.NoError(t, err)

	hash, err := hasher.Hash("Secret123")
	require.NoError(t, err)
	_, err = storage.User().Create(t.Context(), models.User{ID: 501, Email: "ws@example.com", PasswordHash: hash, EmailVerified: true})
	require.NoError(t, err)

	tickets := cache.NewTicketBroker(rd.Client, time.Minute)
	srv := httptest.NewServer(NewRouter(s, tickets, Options{Service: "schoolgate", Sessions: sessions}, logger.NewNoOpLogger()))
	t.Cleanup(srv.Close)

	postJSON := func(t *testing.T, path string, bearer string, body string, into any) int {
		req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		if into != nil && resp.StatusCode < 300 {
			require.NoError(t, json.Unmarshal(data, into), "body: %s", data)
		}
		return resp.StatusCode
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	var pair PairResponse
	code := postJSON(t, "/api/v1/auth/login", "", `{"email": "ws@example.com", "password": "Secret123"}`, &pair)
	require.Equal(t, http.StatusOK, code)

	var ticket struct {
		Ticket    string `json:"ticket"`
		ExpiresIn int    `json:"expires_in"`
	}
	code = postJSON(t, "/api/v1/auth/ws-ticket", pair.AccessToken, "", &ticket)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, 60, ticket.ExpiresIn)

	t.Run("echo", func(t *testing.T) {
		conn, _, err := websocket.Dial(t.Context(), wsURL+"/api/v1/ws?ticket="+ticket.Ticket, nil)
		require.NoError(t, err)
		defer func() { _ = conn.CloseNow() }()

		require.NoError(t, conn.Write(t.Context(), websocket.MessageText, []byte("hello")))
		typ, data, err := conn.Read(t.Context())
		require.NoError(t, err)

		require.Equal(t, websocket.MessageText, typ)
		require.Equal(t, "Message received: hello", string(data))
		require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	})

	t.Run("ticket is single use", func(t *testing.T) {
		conn, _, err := websocket.Dial(t.Context(), wsURL+"/ws?ticket="+ticket.Ticket, nil)
		require.NoError(t, err, "upgrade is accepted and closed afterwards")
		defer func() { _ = conn.CloseNow() }()

		_, _, err = conn.Read(t.Context())
		require.Error(t, err)
		require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	})

	t.Run("missing ticket", func(t *testing.T) {
		conn, _, err := websocket.Dial(t.Context(), wsURL+"/ws", nil)
		require.NoError(t, err)
		defer func() { _ = conn.CloseNow() }()

		_, _, err = conn.Read(t.Context())
		require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	})

	newTicket := func(t *testing.T) string {
		var ticket struct {
			Ticket string `json:"ticket"`
		}
		code := postJSON(t, "/api/v1/auth/ws-ticket", pair.AccessToken, "", &ticket)
		require.Equal(t, http.StatusCreated, code)
		return ticket.Ticket
	}

	t.Run("foreign origin keeps ticket unused", func(t *testing.T) {
		ticket := newTicket(t)

		_, resp, err := websocket.Dial(t.Context(), wsURL+"/ws?ticket="+ticket, &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": {"https://evil.example"}},
		})
		require.Error(t, err)
		require.NotNil(t, resp)
		require.Equal(t, http.StatusForbidden, resp.StatusCode)

		conn, _, err := websocket.Dial(t.Context(), wsURL+"/ws?ticket="+ticket, nil)
		require.NoError(t, err)
		defer func() { _ = conn.CloseNow() }()

		require.NoError(t, conn.Write(t.Context(), websocket.MessageText, []byte("still valid")))
		_, data, err := conn.Read(t.Context())
		require.NoError(t, err)
		require.Equal(t, "Message received: still valid", string(data))
	})

	t.Run("revoked user tickets are refused", func(t *testing.T) {
		ticket := newTicket(t)
		_, err := sessions.RevokeUser(t.Context(), 501)
		require.NoError(t, err)

		conn, _, err := websocket.Dial(t.Context(), wsURL+"/ws?ticket="+ticket, nil)
		require.NoError(t, err)
		defer func() { _ = conn.CloseNow() }()

		_, _, err = conn.Read(t.Context())
		require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	})

	t.Run("logout closes gate", func(t *testing.T) {
		code := postJSON(t, "/api/v1/auth/logout", pair.AccessToken, "", nil)
		require.Equal(t, http.StatusOK, code)

		code = postJSON(t, "/api/v1/auth/ws-ticket", pair.AccessToken, "", nil)
		require.Equal(t, http.StatusUnauthorized, code, "inactive session must not get tickets")

		code = postJSON(t, "/api/v1/auth/refresh", "", `{"token": "`+pair.RefreshToken+`"}`, nil)
		require.Equal(t, http.StatusUnauthorized, code)
	})
}
