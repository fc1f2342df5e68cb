package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nkiryanov/schoolgate/internal/apperrors"
	"github.com/nkiryanov/schoolgate/internal/handlers/render"
	"github.com/nkiryanov/schoolgate/internal/handlers/userctx"
	"github.com/nkiryanov/schoolgate/internal/logger"
	"github.com/nkiryanov/schoolgate/internal/models"
	"github.com/nkiryanov/schoolgate/internal/service/users"
)

const (
	msgPasswordChanged = "Password changed successfully"
	msgUserUpdated     = "User updated successfully"
	msgUserDeleted     = "User deleted successfully"
)

// Account management of the caller, every route requires access token
type UsersHandler struct {
	auth   authService
	logger logger.Logger
}

func NewUsers(auth authService, l logger.Logger) *UsersHandler {
	return &UsersHandler{auth: auth, logger: l}
}

func (h *UsersHandler) Handler(gate func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(gate)

	r.Get("/email_status", h.emailStatus)
	r.Post("/change_password", h.changePassword)
	r.Patch("/", h.update)
	r.Patch("/{user_id}", h.update)
	r.Delete("/{user_id}", h.delete)

	return r
}

func (h *UsersHandler) emailStatus(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status string `json:"status"`
	}

	p, _ := userctx.FromContext(r.Context())

	verified, err := h.auth.EmailVerified(r.Context(), p.UserID)
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		render.ServiceError(w, "User not found", http.StatusNotFound)
	case err != nil:
		h.logger.Error("Failed to read email status", "user_id", p.UserID, "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	case verified:
		render.JSON(w, response{Status: "verified"})
	default:
		render.JSON(w, response{Status: "not verified"})
	}
}

func (h *UsersHandler) changePassword(w http.ResponseWriter, r *http.Request) {
	type ChangePasswordRequest struct {
		OldPassword string `json:"old_password" validate:"required"`
		NewPassword string `json:"new_password" validate:"required,min=8,max=128,password"`
	}

	data, err := render.BindAndValidate[ChangePasswordRequest](w, r)
	if err != nil {
		return
	}

	p, _ := userctx.FromContext(r.Context())

	if err := h.auth.ChangePassword(r.Context(), p.UserID, data.OldPassword, data.NewPassword); err != nil {
		h.userError(w, "change_password", p.UserID, err)
		return
	}

	render.JSON(w, MessageResponse{Message: msgPasswordChanged})
}

func (h *UsersHandler) update(w http.ResponseWriter, r *http.Request) {
	type UpdateRequest struct {
		Email   *string `json:"email" validate:"omitempty,email,max=254"`
		Name    *string `json:"name" validate:"omitempty,min=1,max=100"`
		Surname *string `json:"surname" validate:"omitempty,min=1,max=100"`
	}

	p, ok := h.target(w, r)
	if !ok {
		return
	}

	data, err := render.BindAndValidate[UpdateRequest](w, r)
	if err != nil {
		return
	}
	if data.Email == nil && data.Name == nil && data.Surname == nil {
		render.ServiceError(w, "Nothing to update", http.StatusBadRequest)
		return
	}

	err = h.auth.UpdateUser(r.Context(), p.UserID, users.UpdateUserRequest{
		Email:   data.Email,
		Name:    data.Name,
		Surname: data.Surname,
	})
	if err != nil {
		h.userError(w, "update", p.UserID, err)
		return
	}

	render.JSON(w, MessageResponse{Message: msgUserUpdated})
}

func (h *UsersHandler) delete(w http.ResponseWriter, r *http.Request) {
	p, ok := h.target(w, r)
	if !ok {
		return
	}

	if err := h.auth.DeleteUser(r.Context(), p.UserID); err != nil {
		h.userError(w, "delete", p.UserID, err)
		return
	}

	render.JSON(w, MessageResponse{Message: msgUserDeleted})
}

// Resolve user the request is about
// Without user_id it is the caller, otherwise user_id has to be the caller too
func (h *UsersHandler) target(w http.ResponseWriter, r *http.Request) (models.Principal, bool) {
	p, _ := userctx.FromContext(r.Context())

	param := chi.URLParam(r, "user_id")
	if param == "" {
		return p, true
	}

	id, err := strconv.ParseInt(param, 10, 64)
	if err != nil || id <= 0 {
		render.ServiceError(w, "Invalid user id", http.StatusBadRequest)
		return p, false
	}
	if id != p.UserID {
		h.logger.Warn("Access to another user denied", "user_id", p.UserID, "target_id", id)
		render.ServiceError(w, "Not enough permissions", http.StatusForbidden)
		return p, false
	}

	return p, true
}

func (h *UsersHandler) userError(w http.ResponseWriter, op string, userID int64, err error) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidCredentials):
		render.ServiceError(w, "Incorrect password", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrUserNotFound):
		render.ServiceError(w, "User not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrUserAlreadyExists):
		render.ServiceError(w, "Email is already taken", http.StatusConflict)
	case errors.Is(err, apperrors.ErrUserUpdateFailed):
		h.logger.Warn("Users service rejected change", "operation", op, "user_id", userID, "error", err)
		render.ServiceError(w, "User could not be changed", http.StatusBadGateway)
	case errors.Is(err, apperrors.ErrUpstreamFailure):
		h.logger.Error("Users service unavailable", "operation", op, "user_id", userID, "error", err)
		render.ServiceError(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Error("User change failed", "operation", op, "user_id", userID, "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
}
