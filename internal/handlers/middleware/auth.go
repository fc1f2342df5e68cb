package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/nkiryanov/schoolgate/internal/apperrors"
	"github.com/nkiryanov/schoolgate/internal/handlers/render"
	"github.com/nkiryanov/schoolgate/internal/handlers/userctx"
	applogger "github.com/nkiryanov/schoolgate/internal/logger"
	"github.com/nkiryanov/schoolgate/internal/metrics"
	"github.com/nkiryanov/schoolgate/internal/models"
	"github.com/nkiryanov/schoolgate/internal/service/tokenauthority"
)

const (
	DetailNotAuthenticated = "Not authenticated"
	DetailCouldNotValidate = "Could not validate credentials"
)

type authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (models.Principal, error)
}

// Errors of our own checks, their messages are safe to show
var domainErrors = []error{
	apperrors.ErrInvalidToken,
	apperrors.ErrTokenNotFound,
	apperrors.ErrInactiveSession,
	apperrors.ErrBlockedSession,
	apperrors.ErrExpiredSession,
	apperrors.ErrSessionNotFound,
}

// Gate lets request through only if its bearer token was positively verified
// Any failure to verify, whatever the reason, ends with 401 or 403 and never reaches next
func Gate(a authenticator, l applogger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				deny(w, http.StatusUnauthorized, DetailNotAuthenticated, "missing_token")
				return
			}

			p, err := a.Authenticate(r.Context(), token)
			if err != nil {
				code, detail, reason := classify(err)
				if reason == "upstream" || reason == "unexpected" {
					l.Warn("Request denied, token could not be verified", "reason", reason, "error", err)
				}
				deny(w, code, detail, reason)
				return
			}

			next.ServeHTTP(w, r.WithContext(userctx.New(r.Context(), p)))
		})
	}
}

// Map verification error to status, detail and metric reason
func classify(err error) (int, string, string) {
	if errors.Is(err, apperrors.ErrUpstreamFailure) {
		return http.StatusUnauthorized, DetailCouldNotValidate, "upstream"
	}

	var statusErr *tokenauthority.StatusError
	if errors.As(err, &statusErr) && statusErr.Rejected() {
		return statusErr.Status, statusErr.Message, "rejected"
	}

	for _, domainErr := range domainErrors {
		if !errors.Is(err, domainErr) {
			continue
		}
		if domainErr == apperrors.ErrSessionNotFound {
			return http.StatusForbidden, domainErr.Error(), "session"
		}
		return http.StatusUnauthorized, domainErr.Error(), "session"
	}

	return http.StatusUnauthorized, DetailCouldNotValidate, "unexpected"
}

func deny(w http.ResponseWriter, code int, detail string, reason string) {
	metrics.GateDenials.WithLabelValues(reason).Inc()
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	render.Detail(w, detail, code)
}

// BearerToken extracts token from 'Authorization: Bearer <token>' header
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)
	return token, token != ""
}
