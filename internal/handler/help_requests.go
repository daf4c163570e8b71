package handler

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/crowdaid/crowdaid/internal/domain"
	"github.com/crowdaid/crowdaid/internal/security"
	"github.com/crowdaid/crowdaid/internal/security/middleware"
	"github.com/crowdaid/crowdaid/internal/service"
)

// HelpRequestsHandler serves the /api/help-requests routes
type HelpRequestsHandler struct {
	lifecycle *service.LifecycleManager
	matcher   *service.ProximityMatcher
	authz     *security.AuthorizationService
	logger    *slog.Logger
}

// NewHelpRequestsHandler creates a new help requests handler
func NewHelpRequestsHandler(lifecycle *service.LifecycleManager, matcher *service.ProximityMatcher, authz *security.AuthorizationService, logger *slog.Logger) *HelpRequestsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if authz == nil {
		authz = security.NewAuthorizationService(logger)
	}
	return &HelpRequestsHandler{lifecycle: lifecycle, matcher: matcher, authz: authz, logger: logger}
}

// Register mounts the routes on mux
func (h *HelpRequestsHandler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/help-requests",
		middleware.RequireJSONFields([]string{"description", "address", "latitude", "longitude"}, h.logger)(http.HandlerFunc(h.Create)))
	mux.HandleFunc("GET /api/help-requests/my-requests", h.MyRequests)
	mux.HandleFunc("GET /api/help-requests/nearby", h.Nearby)
	mux.HandleFunc("GET /api/help-requests/{id}", h.Get)
	mux.HandleFunc("POST /api/help-requests/{id}/accept", h.Accept)
	mux.HandleFunc("PUT /api/help-requests/{id}/status", h.UpdateStatus)
	mux.HandleFunc("DELETE /api/help-requests/{id}", h.Delete)
}

// Create handles POST /api/help-requests
func (h *HelpRequestsHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	var in service.CreateRequestInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	req, err := h.lifecycle.Create(r.Context(), identity, in)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// MyRequests handles GET /api/help-requests/my-requests
func (h *HelpRequestsHandler) MyRequests(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	reqs, err := h.lifecycle.ListForUser(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if reqs == nil {
		reqs = []*domain.HelpRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

// Nearby handles GET /api/help-requests/nearby?lat=&lng=&radius=
// Results are ordered nearest first.
func (h *HelpRequestsHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if err := h.authz.Require(identity, security.PermFindNearby); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	var params [3]*float64
	for i, name := range []string{"lat", "lng", "radius"} {
		v, err := queryFloat(r, name)
		if err != nil {
			writeError(w, h.logger, r, err)
			return
		}
		params[i] = v
	}

	nearby, err := h.matcher.FindNearby(r.Context(), params[0], params[1], params[2])
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	sort.Slice(nearby, func(i, j int) bool { return nearby[i].DistanceKm < nearby[j].DistanceKm })
	writeJSON(w, http.StatusOK, nearby)
}

// Get handles GET /api/help-requests/{id}
func (h *HelpRequestsHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	req, err := h.lifecycle.Get(r.Context(), identity, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Accept handles POST /api/help-requests/{id}/accept
func (h *HelpRequestsHandler) Accept(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	req, err := h.lifecycle.Accept(r.Context(), identity, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// UpdateStatus handles PUT /api/help-requests/{id}/status?status=
func (h *HelpRequestsHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	req, err := h.lifecycle.Transition(r.Context(), identity, r.PathValue("id"), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Delete handles DELETE /api/help-requests/{id}
func (h *HelpRequestsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	if err := h.lifecycle.Remove(r.Context(), identity, r.PathValue("id")); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
