package handler

import (
	"log/slog"
	"net/http"

	"github.com/crowdaid/crowdaid/internal/domain"
	"github.com/crowdaid/crowdaid/internal/security/middleware"
	"github.com/crowdaid/crowdaid/internal/service"
)

// MessagesHandler serves the /api/messages routes
type MessagesHandler struct {
	messages *service.MessageService
	logger   *slog.Logger
}

// NewMessagesHandler creates a new messages handler
func NewMessagesHandler(messages *service.MessageService, logger *slog.Logger) *MessagesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessagesHandler{messages: messages, logger: logger}
}

// SendMessageRequest is the body of POST /api/messages
type SendMessageRequest struct {
	HelpRequestID string `json:"helpRequestId"`
	Content       string `json:"content"`
}

// Register mounts the routes on mux
func (h *MessagesHandler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/messages",
		middleware.RequireJSONFields([]string{"helpRequestId", "content"}, h.logger)(http.HandlerFunc(h.Send)))
	mux.HandleFunc("GET /api/messages/{helpRequestId}", h.List)
	mux.HandleFunc("GET /api/messages/{helpRequestId}/unread-count", h.UnreadCount)
	mux.HandleFunc("POST /api/messages/{helpRequestId}/mark-as-read", h.MarkRead)
}

// Send handles POST /api/messages
func (h *MessagesHandler) Send(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	var body SendMessageRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	res, err := h.messages.Send(r.Context(), identity, body.HelpRequestID, body.Content)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// List handles GET /api/messages/{helpRequestId}
func (h *MessagesHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	msgs, err := h.messages.List(r.Context(), identity, r.PathValue("helpRequestId"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// UnreadCount handles GET /api/messages/{helpRequestId}/unread-count
func (h *MessagesHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	n, err := h.messages.UnreadCount(r.Context(), identity, r.PathValue("helpRequestId"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// MarkRead handles POST /api/messages/{helpRequestId}/mark-as-read
func (h *MessagesHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	identity, err := caller(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	n, err := h.messages.MarkRead(r.Context(), identity, r.PathValue("helpRequestId"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}
