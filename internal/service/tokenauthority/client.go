package tokenauthority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/schoolgate/internal/apperrors"
	"github.com/nkiryanov/schoolgate/internal/logger"
	"github.com/nkiryanov/schoolgate/internal/models"
)

const defaultTimeout = 5 * time.Second

// Non 2xx answer of an upstream service
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded with status %d: %s", e.Status, e.Message)
}

// Rejected reports whether upstream refused the caller explicitly (401 or 403)
func (e *StatusError) Rejected() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Client of the remote token service
// Retries are up to callers, each call is bounded by timeout
type Client struct {
	BaseURL string

	timeout time.Duration
	client  *http.Client
	logger  logger.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger logger.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{},
		logger:  logger,
	}
}

type createRequest struct {
	UserID    int64     `json:"user_id"`
	SessionID uuid.UUID `json:"session_id"`
	ExpiresIn int64     `json:"expires_in"` // minutes
}

type createResponse struct {
	Token string `json:"token"`
}

func (c *Client) Create(ctx context.Context, p models.Principal, ttl time.Duration) (string, error) {
	var resp createResponse

	err := c.post(ctx, "/token/create", createRequest{
		UserID:    p.UserID,
		SessionID: p.SessionID,
		ExpiresIn: ttlMinutes(ttl),
	}, &resp)
	if err != nil {
		return "", err
	}

	if resp.Token == "" {
		return "", fmt.Errorf("%w: token service returned empty token", apperrors.ErrUpstreamFailure)
	}

	return resp.Token, nil
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Verified  *bool  `json:"verified"`
	Expired   bool   `json:"expired"`
	UserID    int64  `json:"user_id"`
	SessionID string `json:"session_id"`
}

func (c *Client) Verify(ctx context.Context, token string) (Verification, error) {
	var resp verifyResponse

	err := c.post(ctx, "/token/verify", verifyRequest{Token: token}, &resp)
	if err != nil {
		return Verification{}, err
	}

	// Payload must assert verification explicitly
	if resp.Verified == nil {
		return Verification{}, fmt.Errorf("%w: verification payload without 'verified'", apperrors.ErrUpstreamFailure)
	}
	if !*resp.Verified {
		return Verification{}, nil
	}

	sessionID, err := uuid.Parse(resp.SessionID)
	if err != nil || resp.UserID <= 0 {
		return Verification{}, fmt.Errorf("%w: verification payload without valid principal", apperrors.ErrUpstreamFailure)
	}

	return Verification{
		Verified:  true,
		Expired:   resp.Expired,
		Principal: models.Principal{UserID: resp.UserID, SessionID: sessionID},
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", apperrors.ErrUpstreamFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("Token service request failed", "path", path, "error", err)
		return fmt.Errorf("%w: failed to send request: %w", apperrors.ErrUpstreamFailure, err)
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Status: resp.StatusCode, Message: readMessage(resp.Body)}
		if statusErr.Rejected() {
			return statusErr
		}

		c.logger.Warn("Token service failed", "path", path, "status_code", resp.StatusCode)
		return fmt.Errorf("%w: %w", apperrors.ErrUpstreamFailure, statusErr)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logger.Warn("Failed to decode token service response", "path", path, "error", err)
		return fmt.Errorf("%w: failed to decode response: %w", apperrors.ErrUpstreamFailure, err)
	}

	return nil
}

// Extract human readable message from error body
// Both {"message": ...} and {"detail": ...} shapes are in use
func readMessage(r io.Reader) string {
	var body struct {
		Message string `json:"message"`
		Detail  any    `json:"detail"`
	}

	err := json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&body)
	switch {
	case err != nil && !errors.Is(err, io.EOF):
		return "unexpected response"
	case body.Message != "":
		return body.Message
	}

	if detail, ok := body.Detail.(string); ok && detail != "" {
		return detail
	}
	return "unexpected response"
}

// Token service takes lifetime in whole minutes. Round down, so token doesn't outlive what was asked
// One minute is the floor; session expiry is checked locally anyway
func ttlMinutes(ttl time.Duration) int64 {
	m := int64(math.Floor(ttl.Minutes()))
	if m < 1 {
		return 1
	}
	return m
}
