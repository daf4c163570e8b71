package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/crowdaid/crowdaid/internal/service"
	apperrors "github.com/crowdaid/crowdaid/pkg/errors"
)

// UsersHandler serves the caller's own profile
type UsersHandler struct {
	users  *service.UserService
	logger *slog.Logger
}

func NewUsersHandler(users *service.UserService, logger *slog.Logger) *UsersHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsersHandler{users: users, logger: logger}
}

func (h *UsersHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/users/me", h.Me)
	mux.HandleFunc("PUT /api/users/me", h.UpdateMe)
	mux.HandleFunc("PUT /api/users/me/availability", h.SetAvailability)
}

func (h *UsersHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	user, err := h.users.Profile(r.Context(), identity)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UsersHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	var in service.ProfileInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	user, err := h.users.UpdateProfile(r.Context(), identity, in)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// SetAvailability handles PUT /api/users/me/availability?available=
func (h *UsersHandler) SetAvailability(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	available, err := strconv.ParseBool(r.URL.Query().Get("available"))
	if err != nil {
		writeError(w, h.logger, r, apperrors.NewValidationError("available must be true or false"))
		return
	}

	user, err := h.users.SetAvailability(r.Context(), identity, available)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
