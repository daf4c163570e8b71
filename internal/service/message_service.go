package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/crowdaid/crowdaid/internal/domain"
	"github.com/crowdaid/crowdaid/internal/observability/metrics"
	"github.com/crowdaid/crowdaid/internal/observability/tracing"
	"github.com/crowdaid/crowdaid/internal/realtime"
	"github.com/crowdaid/crowdaid/internal/reliability/circuitbreaker"
	"github.com/crowdaid/crowdaid/internal/reliability/retry"
	"github.com/crowdaid/crowdaid/internal/security"
	apperrors "github.com/crowdaid/crowdaid/pkg/errors"
)

// SendResult is the outcome of a chat send
type SendResult struct {
	Message         *domain.Message `json:"message"`
	RecipientOnline bool            `json:"recipientOnline"`
}

// ReadReceipt tells a sender that the other party has read their messages
type ReadReceipt struct {
	RequestID string    `json:"requestId"`
	ReaderID  string    `json:"readerId"`
	Count     int       `json:"count"`
	At        time.Time `json:"at"`
}

// TypingEvent is relayed to a conversation's typing topic
type TypingEvent struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
	Typing    bool   `json:"typing"`
}

// MessageService persists chat messages and routes them to the other
// participant. Sends on one request are persisted and enqueued under a
// per-request lock so subscribers observe them in persist order.
type MessageService struct {
	store    domain.Store
	notifier domain.Notifier
	authz    *security.AuthorizationService
	guard    ConversationGuard
	locks    *RequestLocks
	breaker  *circuitbreaker.CircuitBreaker
	retryCfg *retry.Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewMessageService wires the service. A nil notifier disables delivery.
// Pass the LifecycleManager's locks so a send cannot interleave with the
// removal of its request.
func NewMessageService(store domain.Store, notifier domain.Notifier, authz *security.AuthorizationService, locks *RequestLocks, logger *slog.Logger) *MessageService {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if authz == nil {
		authz = security.NewAuthorizationService(logger)
	}
	if locks == nil {
		locks = NewRequestLocks()
	}

	breaker := circuitbreaker.NewCircuitBreaker(5, 2, 10*time.Second)
	breaker.SetFailurePredicate(func(err error) bool {
		return apperrors.TypeOf(err) == apperrors.ErrorTypeInternal
	})
	breaker.SetStateChangeCallback(func(from, to circuitbreaker.State) {
		metrics.SetCircuitState("message_store", int(to))
		logger.Warn("message store circuit changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})

	cfg := retry.DefaultConfig()
	cfg.MaxBackoff = time.Second
	cfg.ShouldRetry = transient

	return &MessageService{
		store:    store,
		notifier: notifier,
		authz:    authz,
		locks:    locks,
		breaker:  breaker,
		retryCfg: cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// transient reports whether a store failure is worth retrying
func transient(err error) bool {
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return apperrors.TypeOf(err) == apperrors.ErrorTypeInternal
}

// Send stores a message from caller on the request's conversation and
// delivers it to the other participant and the chat topic.
func (s *MessageService) Send(ctx context.Context, caller domain.Identity, requestID, content string) (*SendResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "messages.send",
		trace.WithAttributes(attribute.String("request.id", requestID), attribute.String("user.id", caller.UserID)))
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperrors.NewValidationError("message content is required")
	}
	if len([]rune(content)) > domain.MaxMessageLength {
		return nil, apperrors.NewValidationError("message content is too long")
	}
	if err := s.authz.Require(caller, security.PermSendMessage); err != nil {
		return nil, err
	}

	// The request is loaded under the lock so a concurrent Remove either
	// completes first (NotFound here) or waits for this send to finish.
	unlock := s.locks.Lock(requestID)
	defer unlock()

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, wrapInternal("failed to load help request", err)
	}
	if err := s.guard.Authorize(req, caller.UserID); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ID:            uuid.NewString(),
		Content:       content,
		SenderID:      caller.UserID,
		HelpRequestID: requestID,
		CreatedAt:     s.now().UTC(),
	}

	if err := s.persist(ctx, msg); err != nil {
		return nil, err
	}

	online := false
	if other, ok := s.guard.OtherParticipant(req, caller.UserID); ok {
		online = s.notifier.DeliverToUser(other, realtime.UserQueue(other), msg)
	}
	s.notifier.BroadcastToTopic(realtime.ChatTopic(requestID), msg)

	s.logger.Debug("message sent",
		slog.String("request_id", requestID),
		slog.String("message_id", msg.ID),
		slog.Bool("recipient_online", online),
	)
	return &SendResult{Message: msg, RecipientOnline: online}, nil
}

func (s *MessageService) persist(ctx context.Context, msg *domain.Message) error {
	_, err := retry.Do(ctx, s.retryCfg, s.logger, "save_message", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.breaker.Execute(func() error {
			return s.store.SaveMessage(ctx, msg)
		})
	})
	if err != nil {
		s.logger.Error("failed to save message",
			slog.String("request_id", msg.HelpRequestID),
			slog.String("error", err.Error()),
		)
		return wrapInternal("failed to save message", err)
	}
	return nil
}

// List returns the conversation in send order and marks the other
// participant's messages as read by caller.
func (s *MessageService) List(ctx context.Context, caller domain.Identity, requestID string) ([]*domain.Message, error) {
	req, err := s.authorized(ctx, caller, requestID)
	if err != nil {
		return nil, err
	}
	if _, err := s.markRead(ctx, req, caller.UserID); err != nil {
		return nil, err
	}

	msgs, err := s.store.ListMessages(ctx, requestID)
	if err != nil {
		return nil, wrapInternal("failed to list messages", err)
	}
	return msgs, nil
}

// UnreadCount returns how many of the other participant's messages caller
// has not read.
func (s *MessageService) UnreadCount(ctx context.Context, caller domain.Identity, requestID string) (int, error) {
	if _, err := s.authorized(ctx, caller, requestID); err != nil {
		return 0, err
	}
	n, err := s.store.CountUnread(ctx, requestID, caller.UserID)
	if err != nil {
		return 0, wrapInternal("failed to count unread messages", err)
	}
	return n, nil
}

// MarkRead marks the other participant's messages read and sends them a
// receipt when anything changed.
func (s *MessageService) MarkRead(ctx context.Context, caller domain.Identity, requestID string) (int, error) {
	req, err := s.authorized(ctx, caller, requestID)
	if err != nil {
		return 0, err
	}
	return s.markRead(ctx, req, caller.UserID)
}

// Typing relays a typing indicator to the conversation's typing topic
func (s *MessageService) Typing(ctx context.Context, caller domain.Identity, requestID string, typing bool) error {
	if _, err := s.authorized(ctx, caller, requestID); err != nil {
		return err
	}
	s.notifier.BroadcastToTopic(realtime.TypingTopic(requestID), TypingEvent{
		RequestID: requestID,
		UserID:    caller.UserID,
		Typing:    typing,
	})
	return nil
}

func (s *MessageService) authorized(ctx context.Context, caller domain.Identity, requestID string) (*domain.HelpRequest, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, wrapInternal("failed to load help request", err)
	}
	if err := s.guard.Authorize(req, caller.UserID); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *MessageService) markRead(ctx context.Context, req *domain.HelpRequest, readerID string) (int, error) {
	n, err := s.store.MarkRead(ctx, req.ID, readerID)
	if err != nil {
		return 0, wrapInternal("failed to mark messages read", err)
	}
	if n == 0 {
		return 0, nil
	}
	if other, ok := s.guard.OtherParticipant(req, readerID); ok {
		s.notifier.DeliverToUser(other, realtime.ReadReceiptQueue(other), ReadReceipt{
			RequestID: req.ID,
			ReaderID:  readerID,
			Count:     n,
			At:        s.now().UTC(),
		})
	}
	return n, nil
}
