package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nkiryanov/schoolgate/internal/handlers/middleware"
	"github.com/nkiryanov/schoolgate/internal/logger"
	"github.com/nkiryanov/schoolgate/internal/models"
	"github.com/nkiryanov/schoolgate/internal/service/auth"
	"github.com/nkiryanov/schoolgate/internal/service/users"
)

type Options struct {
	Service string
	Version string

	// Origins allowed to open WebSocket from other hosts, e.g. https://app.example.com
	AllowedOrigins []string

	// Live sessions index, WebSocket tickets of sessions missing there are refused
	// Optional: tickets alone are trusted without it
	Sessions sessionLookup

	// Named dependency checks reported by /health
	HealthChecks map[string]func(context.Context) error
}

func NewRouter(
	authService authService,
	tickets ticketBroker,
	opts Options,
	logger logger.Logger,
) http.Handler {
	gate := middleware.Gate(authService, logger)
	authHandler := NewAuth(authService, tickets, logger)
	usersHandler := NewUsers(authService, logger)

	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		middleware.LoggerMiddleware(logger),
		chimw.Recoverer,
		middleware.SecurityHeaders,
		middleware.Metrics,
	)

	r.Get("/", handleRoot(opts))
	r.Get("/health", handleHealth(opts.HealthChecks, logger))

	ws := handleWS(tickets, opts.Sessions, originPatterns(opts.AllowedOrigins), logger)
	r.Get("/ws", ws)

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/auth", authHandler.Handler(gate))
		r.Mount("/users", usersHandler.Handler(gate))
		r.Get("/ws", ws)
	})

	return r
}

type authService interface {
	// Login with email and password
	// Has to return apperrors.ErrInvalidCredentials whatever the reason is
	Login(ctx context.Context, email string, password string) (models.TokenPair, error)

	// Rotate pair using refresh token
	// Has to return apperrors.ErrTokenReused if expired token presented again
	Refresh(ctx context.Context, refresh string) (models.TokenPair, error)

	// Close session of access token
	Logout(ctx context.Context, access string) error

	// Register user in users service
	// Has to return apperrors.ErrUserAlreadyExists if email is taken
	Register(ctx context.Context, p auth.Profile) (models.User, error)

	Authenticate(ctx context.Context, access string) (models.Principal, error)
	EmailVerified(ctx context.Context, userID int64) (bool, error)

	// Account changes of the caller, proxied to users service
	// Has to return apperrors.ErrInvalidCredentials if old password does not match
	ChangePassword(ctx context.Context, userID int64, oldPassword string, newPassword string) error
	UpdateUser(ctx context.Context, userID int64, r users.UpdateUserRequest) error
	DeleteUser(ctx context.Context, userID int64) error
}

type ticketBroker interface {
	Issue(ctx context.Context, p models.Principal) (string, error)
	Consume(ctx context.Context, id string) (models.Ticket, error)
	TTL() time.Duration
}

type sessionLookup interface {
	// Has to return apperrors.ErrSessionNotFound for revoked or unknown session
	Get(ctx context.Context, id uuid.UUID) (models.CachedSession, error)
}
