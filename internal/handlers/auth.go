package handlers

import (
	"errors"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nkiryanov/schoolgate/internal/apperrors"
	"github.com/nkiryanov/schoolgate/internal/handlers/middleware"
	"github.com/nkiryanov/schoolgate/internal/handlers/render"
	"github.com/nkiryanov/schoolgate/internal/handlers/userctx"
	"github.com/nkiryanov/schoolgate/internal/logger"
	"github.com/nkiryanov/schoolgate/internal/metrics"
	"github.com/nkiryanov/schoolgate/internal/models"
	"github.com/nkiryanov/schoolgate/internal/service/auth"
	"github.com/nkiryanov/schoolgate/internal/service/tokenauthority"
)

const (
	msgInvalidCredentials = "Incorrect email or password"
	msgRegistered         = "Registration accepted, please verify your email"
	msgLoggedOut          = "User logged out successfully"
)

type AuthHandler struct {
	auth    authService
	tickets ticketBroker
	logger  logger.Logger
}

func NewAuth(auth authService, tickets ticketBroker, l logger.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, tickets: tickets, logger: l}
}

// Handler serves auth endpoints, gate protects those requiring access token
func (h *AuthHandler) Handler(gate func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Post("/login", h.login)
	r.Post("/refresh", h.refresh)
	r.Post("/logout", h.logout)
	r.Post("/register", h.register)
	r.With(gate).Post("/ws-ticket", h.wsTicket)

	return r
}

type PairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

func pairResponse(p models.TokenPair) PairResponse {
	return PairResponse{AccessToken: p.Access.Value, RefreshToken: p.Refresh.Value, TokenType: "Bearer"}
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	type LoginRequest struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}

	var data LoginRequest
	if isForm(r) {
		// OAuth2 password flow form sends email as username
		type FormRequest struct {
			Username string `json:"username" validate:"required,email"`
			Password string `json:"password" validate:"required"`
		}

		if err := r.ParseForm(); err != nil {
			render.DecodeError(w, err)
			return
		}
		form := FormRequest{Username: r.PostForm.Get("username"), Password: r.PostForm.Get("password")}
		if err := render.Validate(w, form); err != nil {
			return
		}
		data = LoginRequest{Email: form.Username, Password: form.Password}
	} else {
		var err error
		data, err = render.BindAndValidate[LoginRequest](w, r)
		if err != nil {
			return
		}
	}

	pair, err := h.auth.Login(r.Context(), data.Email, data.Password)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrInvalidCredentials):
			render.AuthError(w, msgInvalidCredentials, apperrors.KindUnknown, http.StatusUnauthorized)
		case errors.Is(err, apperrors.ErrUpstreamFailure):
			h.logger.Error("Login failed, upstream unavailable", "error", err)
			render.ServiceError(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
		default:
			h.logger.Error("Login failed", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	render.JSON(w, pairResponse(pair))
}

func (h *AuthHandler) refresh(w http.ResponseWriter, r *http.Request) {
	type RefreshRequest struct {
		Token string `json:"token" validate:"required"`
	}

	data, err := render.BindAndValidate[RefreshRequest](w, r)
	if err != nil {
		return
	}

	pair, err := h.auth.Refresh(r.Context(), data.Token)
	if err != nil {
		h.tokenError(w, "refresh", err)
		return
	}

	render.JSON(w, pairResponse(pair))
}

// Logout takes access token from bearer header or from body
func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	type LogoutRequest struct {
		Token string `json:"token" validate:"required"`
	}

	token, ok := middleware.BearerToken(r)
	if !ok {
		data, err := render.BindAndValidate[LogoutRequest](w, r)
		if err != nil {
			return
		}
		token = data.Token
	}

	if err := h.auth.Logout(r.Context(), token); err != nil {
		h.tokenError(w, "logout", err)
		return
	}

	render.JSON(w, MessageResponse{Message: msgLoggedOut})
}

func (h *AuthHandler) register(w http.ResponseWriter, r *http.Request) {
	type RegisterRequest struct {
		Name     string `json:"name" validate:"required,max=100"`
		Surname  string `json:"surname" validate:"required,max=100"`
		Email    string `json:"email" validate:"required,email,max=254"`
		Password string `json:"password" validate:"required,min=8,max=128,password"`
	}

	data, err := render.BindAndValidate[RegisterRequest](w, r)
	if err != nil {
		return
	}

	_, err = h.auth.Register(r.Context(), auth.Profile{
		Name:     data.Name,
		Surname:  data.Surname,
		Email:    data.Email,
		Password: data.Password,
	})
	switch {
	case err == nil, errors.Is(err, apperrors.ErrUserAlreadyExists):
		// Same answer for taken email, so registration does not reveal accounts
		render.JSONStatus(w, MessageResponse{Message: msgRegistered}, http.StatusAccepted)
	case errors.Is(err, apperrors.ErrUserCreationFailed):
		h.logger.Warn("Registration rejected by users service", "error", err)
		render.ServiceError(w, "User could not be created", http.StatusBadGateway)
	case errors.Is(err, apperrors.ErrUpstreamFailure):
		h.logger.Error("Registration failed, upstream unavailable", "error", err)
		render.ServiceError(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Error("Registration failed", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *AuthHandler) wsTicket(w http.ResponseWriter, r *http.Request) {
	type TicketResponse struct {
		Ticket    string `json:"ticket"`
		ExpiresIn int    `json:"expires_in"`
	}

	p, _ := userctx.FromContext(r.Context())

	ticket, err := h.tickets.Issue(r.Context(), p)
	if err != nil {
		metrics.WSTickets.WithLabelValues(metrics.OutcomeError).Inc()
		h.logger.Error("Failed to issue WebSocket ticket", "user_id", p.UserID, "error", err)
		render.ServiceError(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	metrics.WSTickets.WithLabelValues("issued").Inc()
	render.JSONStatus(w, TicketResponse{Ticket: ticket, ExpiresIn: int(h.tickets.TTL().Seconds())}, http.StatusCreated)
}

// Render token and session failures of refresh and logout
// Nothing coming from upstream is shown unless upstream rejected the token itself
func (h *AuthHandler) tokenError(w http.ResponseWriter, op string, err error) {
	var statusErr *tokenauthority.StatusError

	switch {
	case errors.Is(err, apperrors.ErrSessionNotFound):
		h.logger.Warn("Token verified but session is missing", "operation", op)
		render.AuthError(w, err.Error(), apperrors.KindUnknown, http.StatusForbidden)
	case errors.Is(err, apperrors.ErrTokenReused):
		render.AuthError(w, apperrors.ErrTokenReused.Error(), apperrors.Kind(err), http.StatusUnauthorized)
	case apperrors.Kind(err) != apperrors.KindUnknown:
		render.AuthError(w, kindMessage(err), apperrors.Kind(err), http.StatusUnauthorized)
	case errors.As(err, &statusErr) && statusErr.Rejected():
		render.AuthError(w, statusErr.Message, apperrors.KindInvalidToken, statusErr.Status)
	case errors.Is(err, apperrors.ErrUpstreamFailure):
		h.logger.Warn("Token could not be verified", "operation", op, "error", err)
		render.AuthError(w, middleware.DetailCouldNotValidate, apperrors.KindUnknown, http.StatusUnauthorized)
	default:
		h.logger.Error("Token operation failed", "operation", op, "error", err)
		render.AuthError(w, middleware.DetailCouldNotValidate, apperrors.KindUnknown, http.StatusUnauthorized)
	}
}

// Message of the sentinel, without wrapping context
func kindMessage(err error) string {
	for _, sentinel := range []error{
		apperrors.ErrInvalidToken,
		apperrors.ErrTokenNotFound,
		apperrors.ErrInactiveSession,
		apperrors.ErrBlockedSession,
		apperrors.ErrExpiredSession,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return middleware.DetailCouldNotValidate
}

func isForm(r *http.Request) bool {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return ct == "application/x-www-form-urlencoded" || ct == "multipart/form-data"
}
