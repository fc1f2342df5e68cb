package users

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nkiryanov/schoolgate/internal/apperrors"
	"github.com/nkiryanov/schoolgate/internal/logger"
)

const defaultTimeout = 5 * time.Second

type CreateUserRequest struct {
	Name           string `json:"name"`
	Surname        string `json:"surname"`
	Email          string `json:"email"`
	HashedPassword string `json:"hashed_password"`
}

// Only set fields are changed
type UpdateUserRequest struct {
	Email   *string `json:"email,omitempty"`
	Name    *string `json:"name,omitempty"`
	Surname *string `json:"surname,omitempty"`
}

type ChangePasswordRequest struct {
	UserID         int64  `json:"user_id"`
	HashedPassword string `json:"hashed_password"`
}

type CreatedUser struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Client of the user management service
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

// Create user in the users service
// Conflict on email returns apperrors.ErrUserAlreadyExists
// Any other non 2xx answer or answer without id returns apperrors.ErrUserCreationFailed
func (c *Client) Create(ctx context.Context, r CreateUserRequest) (CreatedUser, error) {
	var created CreatedUser

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, "/users/", r)
	if err != nil {
		return created, err
	}
	defer resp.Body.Close() // nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusConflict:
		return created, apperrors.ErrUserAlreadyExists
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.logger.Warn("Users service failed to create user", "status_code", resp.StatusCode)
		return created, fmt.Errorf("%w: users service responded with status %d", apperrors.ErrUserCreationFailed, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		c.logger.Warn("Failed to decode users service response", "error", err)
		return created, fmt.Errorf("%w: failed to decode response: %w", apperrors.ErrUserCreationFailed, err)
	}

	if created.ID <= 0 {
		return CreatedUser{}, fmt.Errorf("%w: response without user id", apperrors.ErrUserCreationFailed)
	}

	return created, nil
}

// Update profile fields that are set
func (c *Client) Update(ctx context.Context, userID int64, r UpdateUserRequest) error {
	return c.change(ctx, http.MethodPatch, fmt.Sprintf("/users/%d", userID), r)
}

func (c *Client) Delete(ctx context.Context, userID int64) error {
	return c.change(ctx, http.MethodDelete, fmt.Sprintf("/users/%d", userID), nil)
}

// Store new password hash of the user
func (c *Client) ChangePassword(ctx context.Context, r ChangePasswordRequest) error {
	return c.change(ctx, http.MethodPost, "/users/change_password", r)
}

// Send request whose answer body is not needed
// 404 returns apperrors.ErrUserNotFound, 409 apperrors.ErrUserAlreadyExists
// Any other non 2xx answer returns apperrors.ErrUserUpdateFailed
func (c *Client) change(ctx context.Context, method string, path string, body any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.ErrUserNotFound
	case resp.StatusCode == http.StatusConflict:
		return apperrors.ErrUserAlreadyExists
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.logger.Warn("Users service rejected change", "method", method, "path", path, "status_code", resp.StatusCode)
		return fmt.Errorf("%w: users service responded with status %d", apperrors.ErrUserUpdateFailed, resp.StatusCode)
	}

	return nil
}

func (c *Client) do(ctx context.Context, method string, path string, body any) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", apperrors.ErrUpstreamFailure, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("Users service request failed", "error", err)
		return nil, fmt.Errorf("%w: failed to send request: %w", apperrors.ErrUpstreamFailure, err)
	}

	return resp, nil
}
