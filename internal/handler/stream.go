package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crowdaid/crowdaid/internal/domain"
	"github.com/crowdaid/crowdaid/internal/realtime"
	"github.com/crowdaid/crowdaid/internal/security/ratelimit"
	"github.com/crowdaid/crowdaid/internal/service"
	apperrors "github.com/crowdaid/crowdaid/pkg/errors"
)

// CloseUnauthorized is the close code sent when the handshake fails
const CloseUnauthorized = 4401

const (
	typingBurst  = 10
	typingWindow = time.Second
)

// StreamConfig tunes the streaming channel
type StreamConfig struct {
	AllowedOrigins   []string
	SendBuffer       int
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
}

// StreamHandler serves GET /ws: a framed pub/sub channel carrying chat,
// typing, read receipts and lifecycle events.
type StreamHandler struct {
	resolver  domain.IdentityResolver
	router    *realtime.Router
	requests  domain.HelpRequestStore
	lifecycle *service.LifecycleManager
	messages  *service.MessageService
	limiter   *ratelimit.Limiter
	guard     service.ConversationGuard
	cfg       StreamConfig
	logger    *slog.Logger
}

// NewStreamHandler creates the streaming handler. A nil limiter disables
// typing throttling.
func NewStreamHandler(
	resolver domain.IdentityResolver,
	router *realtime.Router,
	requests domain.HelpRequestStore,
	lifecycle *service.LifecycleManager,
	messages *service.MessageService,
	limiter *ratelimit.Limiter,
	cfg StreamConfig,
	logger *slog.Logger,
) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &StreamHandler{
		resolver:  resolver,
		router:    router,
		requests:  requests,
		lifecycle: lifecycle,
		messages:  messages,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
	}
}

func (h *StreamHandler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients
				return true
			}
			for _, allowed := range h.cfg.AllowedOrigins {
				if allowed == "*" || origin == allowed {
					return true
				}
			}
			h.logger.Warn("websocket origin rejected", slog.String("origin", origin))
			return false
		},
	}
}

// ServeHTTP handles the upgrade and runs the connection until it closes
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	state := realtime.StateConnecting

	var identity domain.Identity
	credential := r.Header.Get("Authorization")
	if credential == "" {
		credential = r.URL.Query().Get("access_token")
	}
	if credential != "" {
		id, err := h.resolver.Resolve(r.Context(), credential)
		if err != nil {
			writeError(w, h.logger, r, apperrors.NewUnauthorizedError("invalid token"))
			return
		}
		identity = id
		state = realtime.StateAuthenticated
	}

	upgrader := h.upgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	if state == realtime.StateConnecting {
		identity, err = h.handshake(r.Context(), ws)
		if err != nil {
			h.logger.Debug("stream handshake rejected", slog.String("error", err.Error()))
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(CloseUnauthorized, "Unauthorized"),
				time.Now().Add(time.Second))
			return
		}
		state = realtime.StateAuthenticated
	}

	session := realtime.NewWSSession(ws, identity.UserID, h.cfg.SendBuffer, h.cfg.PingInterval, h.logger)

	// CONNECTED must be the first frame queued; deliveries start once the
	// session is registered.
	h.sendConnected(session)
	h.router.RegisterSession(session)
	defer func() {
		h.router.UnregisterSession(session)
		session.Close()
		h.logger.Debug("stream closed",
			slog.String("session_id", session.ID()),
			slog.String("state", realtime.StateDisconnected.String()),
		)
	}()
	state = realtime.StateConnected
	h.logger.Debug("stream open",
		slog.String("session_id", session.ID()),
		slog.String("user_id", identity.UserID),
		slog.String("state", state.String()),
	)

	if h.cfg.PingInterval > 0 {
		readWait := 2 * h.cfg.PingInterval
		ws.SetReadDeadline(time.Now().Add(readWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(readWait))
		})
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read ended", slog.String("error", err.Error()))
			}
			return
		}
		if h.cfg.PingInterval > 0 {
			ws.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
		}

		frame, err := realtime.Decode(data)
		if err != nil {
			h.sendError(session, apperrors.NewValidationError(err.Error()), "")
			continue
		}
		if frame.Command == realtime.CommandDisconnect {
			return
		}
		if err := h.dispatch(r.Context(), session, identity, frame); err != nil {
			h.sendError(session, err, frame.Header("receipt"))
		}
	}
}

// handshake waits for a CONNECT frame carrying an authorization header
func (h *StreamHandler) handshake(ctx context.Context, ws *websocket.Conn) (domain.Identity, error) {
	ws.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})

	_, data, err := ws.ReadMessage()
	if err != nil {
		return domain.Identity{}, err
	}
	frame, err := realtime.Decode(data)
	if err != nil {
		return domain.Identity{}, err
	}
	if frame.Command != realtime.CommandConnect {
		return domain.Identity{}, apperrors.NewUnauthorizedError("expected CONNECT, got " + frame.Command)
	}
	credential := frame.Header("authorization")
	if credential == "" {
		credential = frame.Header("Authorization")
	}
	return h.resolver.Resolve(ctx, credential)
}

func (h *StreamHandler) dispatch(ctx context.Context, s realtime.Session, identity domain.Identity, f realtime.Frame) error {
	switch f.Command {
	case realtime.CommandConnect:
		h.sendConnected(s)
		return nil
	case realtime.CommandSubscribe:
		return h.subscribe(ctx, s, identity, f.Destination)
	case realtime.CommandUnsubscribe:
		h.router.Unsubscribe(s, f.Destination)
		return nil
	case realtime.CommandSend:
		return h.send(ctx, s, identity, f)
	default:
		return apperrors.NewValidationError("unsupported command " + f.Command)
	}
}

func (h *StreamHandler) subscribe(ctx context.Context, s realtime.Session, identity domain.Identity, topic string) error {
	kind, id, err := realtime.ParseTopic(topic)
	if err != nil {
		return apperrors.NewValidationError(err.Error())
	}

	switch kind {
	case realtime.TopicChat, realtime.TopicTyping:
		req, err := h.requests.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if err := h.guard.Authorize(req, identity.UserID); err != nil {
			return err
		}
	case realtime.TopicStatus, realtime.TopicDisconnect:
		// public
	}

	h.router.Subscribe(s, topic)
	return nil
}

type sendBody struct {
	Content string `json:"content"`
	Typing  *bool  `json:"typing"`
	Status  string `json:"status"`
}

func (h *StreamHandler) send(ctx context.Context, s realtime.Session, identity domain.Identity, f realtime.Frame) error {
	kind, id, err := realtime.ParseSend(f.Destination)
	if err != nil {
		return apperrors.NewValidationError(err.Error())
	}

	var body sendBody
	if len(f.Body) > 0 {
		if err := json.Unmarshal(f.Body, &body); err != nil {
			return apperrors.NewValidationError("invalid frame body: " + err.Error())
		}
	}

	switch kind {
	case realtime.SendChat:
		_, err := h.messages.Send(ctx, identity, id, body.Content)
		return err
	case realtime.SendTyping:
		if h.limiter != nil && !h.limiter.AllowStrict(identity.UserID+":typing", typingBurst, typingWindow) {
			return apperrors.NewRateLimitedError("typing events are limited")
		}
		typing := true
		if body.Typing != nil {
			typing = *body.Typing
		}
		return h.messages.Typing(ctx, identity, id, typing)
	case realtime.SendRead:
		_, err := h.messages.MarkRead(ctx, identity, id)
		return err
	case realtime.SendOnline:
		h.reply(s, realtime.QueueOnline, map[string]string{"userId": identity.UserID, "status": "ONLINE"})
		return nil
	case realtime.SendStatus:
		_, err := h.lifecycle.Transition(ctx, identity, id, body.Status)
		return err
	default:
		return apperrors.NewValidationError("unsupported destination " + f.Destination)
	}
}

func (h *StreamHandler) sendConnected(s realtime.Session) {
	data, err := realtime.Encode(realtime.Frame{
		Command: realtime.CommandConnected,
		Headers: map[string]string{"user-name": s.UserID(), "session": s.ID()},
	})
	if err == nil {
		s.Send(data)
	}
}

func (h *StreamHandler) reply(s realtime.Session, destination string, payload any) {
	frame, err := realtime.MessageFrame(destination, payload)
	if err != nil {
		h.logger.Error("failed to encode reply", slog.String("error", err.Error()))
		return
	}
	if data, err := realtime.Encode(frame); err == nil {
		s.Send(data)
	}
}

func (h *StreamHandler) sendError(s realtime.Session, err error, receipt string) {
	if apperrors.TypeOf(err) == apperrors.ErrorTypeInternal {
		h.logger.Error("stream frame failed",
			slog.String("session_id", s.ID()),
			slog.String("error", err.Error()),
		)
	}
	data, encErr := realtime.Encode(realtime.ErrorFrame(string(apperrors.TypeOf(err)), apperrors.Message(err), receipt))
	if encErr == nil {
		s.Send(data)
	}
}
