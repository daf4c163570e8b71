package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/crowdaid/crowdaid/internal/domain"
	"github.com/crowdaid/crowdaid/internal/geo"
	"github.com/crowdaid/crowdaid/internal/observability/metrics"
	"github.com/crowdaid/crowdaid/internal/observability/tracing"
	"github.com/crowdaid/crowdaid/internal/realtime"
	"github.com/crowdaid/crowdaid/internal/security"
	"github.com/crowdaid/crowdaid/internal/security/audit"
	apperrors "github.com/crowdaid/crowdaid/pkg/errors"
)

// MaxDescriptionLength bounds a help request description, in characters
const MaxDescriptionLength = 1000

// StatusDeleted is published on the status topic when a request is removed
const StatusDeleted = "DELETED"

// allowedTransitions lists the edges Transition may apply. PENDING to
// ACCEPTED is reserved for Accept; terminal states have no entry.
var allowedTransitions = map[domain.Status][]domain.Status{
	domain.StatusPending:    {domain.StatusCancelled},
	domain.StatusAccepted:   {domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusInProgress: {domain.StatusCompleted, domain.StatusCancelled},
}

// CanTransition reports whether Transition may move a request from one
// status to another.
func CanTransition(from, to domain.Status) bool {
	if from.Terminal() {
		return false
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CreateRequestInput is the caller-supplied part of a new help request
type CreateRequestInput struct {
	Description string   `json:"description"`
	Address     string   `json:"address"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
}

// StatusEvent is the payload of lifecycle notifications
type StatusEvent struct {
	RequestID   string    `json:"requestId"`
	Status      string    `json:"status"`
	VolunteerID string    `json:"volunteerId,omitempty"`
	ChangedBy   string    `json:"changedBy"`
	At          time.Time `json:"at"`
}

// LifecycleManager owns the help request state machine. Accept and
// Transition are linearizable per request: a per-id lock orders callers in
// this process and a status compare-and-swap in the store orders processes.
type LifecycleManager struct {
	store    domain.Store
	notifier domain.Notifier
	authz    *security.AuthorizationService
	audit    *audit.Logger
	guard    ConversationGuard
	locks    *RequestLocks
	logger   *slog.Logger
	now      func() time.Time
}

// NewLifecycleManager wires the manager. A nil notifier disables
// realtime notifications. locks must be the table shared with the
// MessageService over the same store; nil gives the manager its own.
func NewLifecycleManager(store domain.Store, notifier domain.Notifier, authz *security.AuthorizationService, auditLog *audit.Logger, locks *RequestLocks, logger *slog.Logger) *LifecycleManager {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if authz == nil {
		authz = security.NewAuthorizationService(logger)
	}
	if auditLog == nil {
		auditLog = audit.NewLogger(logger)
	}
	if locks == nil {
		locks = NewRequestLocks()
	}
	return &LifecycleManager{
		store:    store,
		notifier: notifier,
		authz:    authz,
		audit:    auditLog,
		locks:    locks,
		logger:   logger,
		now:      time.Now,
	}
}

// Create validates input and stores a new PENDING request owned by caller
func (m *LifecycleManager) Create(ctx context.Context, caller domain.Identity, in CreateRequestInput) (*domain.HelpRequest, error) {
	if err := m.authz.Require(caller, security.PermCreateRequest); err != nil {
		return nil, err
	}

	description := strings.TrimSpace(in.Description)
	address := strings.TrimSpace(in.Address)
	switch {
	case description == "":
		return nil, apperrors.NewValidationError("description is required")
	case len([]rune(description)) > MaxDescriptionLength:
		return nil, apperrors.NewValidationError("description is too long")
	case address == "":
		return nil, apperrors.NewValidationError("address is required")
	case in.Latitude == nil || in.Longitude == nil:
		return nil, apperrors.NewValidationError("latitude and longitude are required")
	case !geo.ValidCoordinates(*in.Latitude, *in.Longitude):
		return nil, apperrors.NewValidationError("latitude or longitude out of range")
	}

	now := m.now().UTC()
	req := &domain.HelpRequest{
		ID:          uuid.NewString(),
		Description: description,
		RequesterID: caller.UserID,
		Address:     address,
		Latitude:    *in.Latitude,
		Longitude:   *in.Longitude,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.SaveRequest(ctx, req); err != nil {
		return nil, wrapInternal("failed to save help request", err)
	}

	m.logger.Info("help request created",
		slog.String("request_id", req.ID),
		slog.String("requester_id", req.RequesterID),
	)
	return req, nil
}

// Accept assigns caller as the volunteer of a PENDING request. Exactly one
// of any set of concurrent accepts succeeds; the rest get Conflict.
func (m *LifecycleManager) Accept(ctx context.Context, caller domain.Identity, requestID string) (*domain.HelpRequest, error) {
	ctx, span := tracing.Tracer().Start(ctx, "lifecycle.accept",
		trace.WithAttributes(attribute.String("request.id", requestID), attribute.String("user.id", caller.UserID)))
	defer span.End()

	unlock := m.locks.Lock(requestID)
	defer unlock()

	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		m.observeAccept(ctx, caller, requestID, err)
		return nil, wrapInternal("failed to load help request", err)
	}

	if req.Status != domain.StatusPending {
		err := apperrors.NewConflictError("help request is no longer pending")
		m.observeAccept(ctx, caller, requestID, err)
		return nil, err
	}
	if err := m.authz.Require(caller, security.PermAcceptRequest); err != nil {
		m.observeAccept(ctx, caller, requestID, err)
		return nil, err
	}
	if req.RequesterID == caller.UserID {
		err := apperrors.NewForbiddenError("requesters cannot accept their own help request")
		m.observeAccept(ctx, caller, requestID, err)
		return nil, err
	}

	next := req.Clone()
	volunteer := caller.UserID
	next.VolunteerID = &volunteer
	next.Status = domain.StatusAccepted
	next.UpdatedAt = m.now().UTC()

	swapped, err := m.store.CompareAndSwapRequest(ctx, domain.StatusPending, next)
	if err != nil {
		m.observeAccept(ctx, caller, requestID, err)
		return nil, wrapInternal("failed to accept help request", err)
	}
	if !swapped {
		err := apperrors.NewConflictError("help request was accepted by someone else")
		m.observeAccept(ctx, caller, requestID, err)
		return nil, err
	}

	m.observeAccept(ctx, caller, requestID, nil)
	event := m.event(next, caller.UserID)
	m.notifier.DeliverToUser(next.RequesterID, realtime.UserQueue(next.RequesterID), event)
	m.notifier.BroadcastToTopic(realtime.StatusTopic(next.ID), event)
	return next, nil
}

// Transition moves a request along a documented edge. Only the requester
// or the assigned volunteer may do so.
func (m *LifecycleManager) Transition(ctx context.Context, caller domain.Identity, requestID, newStatus string) (*domain.HelpRequest, error) {
	ctx, span := tracing.Tracer().Start(ctx, "lifecycle.transition",
		trace.WithAttributes(attribute.String("request.id", requestID), attribute.String("status", newStatus)))
	defer span.End()

	unlock := m.locks.Lock(requestID)
	defer unlock()

	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, wrapInternal("failed to load help request", err)
	}
	if err := m.guard.Authorize(req, caller.UserID); err != nil {
		m.audit.LogDenied(ctx, caller.UserID, "transition on "+requestID)
		return nil, err
	}

	target, err := domain.ParseStatus(newStatus)
	if err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}
	if !CanTransition(req.Status, target) {
		return nil, apperrors.NewValidationError("cannot move help request from " + string(req.Status) + " to " + string(target))
	}

	from := req.Status
	next := req.Clone()
	next.Status = target
	next.UpdatedAt = m.now().UTC()

	swapped, err := m.store.CompareAndSwapRequest(ctx, from, next)
	if err != nil {
		return nil, wrapInternal("failed to update help request", err)
	}
	if !swapped {
		return nil, apperrors.NewConflictError("help request changed concurrently")
	}

	metrics.ObserveTransition(string(from), string(target))
	m.audit.LogTransition(ctx, caller.UserID, requestID, "applied", string(from)+"->"+string(target))

	event := m.event(next, caller.UserID)
	if other, ok := m.guard.OtherParticipant(next, caller.UserID); ok {
		m.notifier.DeliverToUser(other, realtime.UserQueue(other), event)
	}
	m.notifier.BroadcastToTopic(realtime.StatusTopic(next.ID), event)
	return next, nil
}

// Remove deletes a request and its conversation. Only the requester, or a
// caller allowed to manage requests, may remove it.
func (m *LifecycleManager) Remove(ctx context.Context, caller domain.Identity, requestID string) error {
	unlock := m.locks.Lock(requestID)
	defer unlock()

	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return wrapInternal("failed to load help request", err)
	}
	if req.RequesterID != caller.UserID && !m.authz.Can(caller, security.PermManageRequests) {
		m.audit.LogDeletion(ctx, caller.UserID, requestID, "denied")
		return apperrors.NewForbiddenError("only the requester may delete this help request")
	}

	if err := m.store.DeleteMessages(ctx, requestID); err != nil {
		return wrapInternal("failed to delete messages", err)
	}
	if err := m.store.DeleteRequest(ctx, requestID); err != nil {
		return wrapInternal("failed to delete help request", err)
	}
	m.audit.LogDeletion(ctx, caller.UserID, requestID, "deleted")

	event := m.event(req, caller.UserID)
	event.Status = StatusDeleted
	if v := req.Volunteer(); v != "" && v != caller.UserID {
		m.notifier.DeliverToUser(v, realtime.UserQueue(v), event)
	}
	m.notifier.BroadcastToTopic(realtime.StatusTopic(requestID), event)
	return nil
}

// Get returns a request to a participant, or a PENDING request to anyone
// allowed to browse nearby requests.
func (m *LifecycleManager) Get(ctx context.Context, caller domain.Identity, requestID string) (*domain.HelpRequest, error) {
	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, wrapInternal("failed to load help request", err)
	}
	if m.guard.IsParticipant(req, caller.UserID) {
		return req, nil
	}
	if req.Status == domain.StatusPending && m.authz.Can(caller, security.PermFindNearby) {
		return req, nil
	}
	if m.authz.Can(caller, security.PermManageRequests) {
		return req, nil
	}
	return nil, apperrors.NewForbiddenError("not a participant of this help request")
}

// ListForUser returns requests the user created or volunteers on, newest first
func (m *LifecycleManager) ListForUser(ctx context.Context, userID string) ([]*domain.HelpRequest, error) {
	reqs, err := m.store.FindByParticipant(ctx, userID)
	if err != nil {
		return nil, wrapInternal("failed to list help requests", err)
	}
	return reqs, nil
}

func (m *LifecycleManager) event(req *domain.HelpRequest, changedBy string) StatusEvent {
	return StatusEvent{
		RequestID:   req.ID,
		Status:      string(req.Status),
		VolunteerID: req.Volunteer(),
		ChangedBy:   changedBy,
		At:          req.UpdatedAt,
	}
}

func (m *LifecycleManager) observeAccept(ctx context.Context, caller domain.Identity, requestID string, err error) {
	result := "accepted"
	if err != nil {
		switch apperrors.TypeOf(err) {
		case apperrors.ErrorTypeConflict:
			result = "conflict"
		case apperrors.ErrorTypeForbidden:
			result = "forbidden"
		case apperrors.ErrorTypeNotFound:
			result = "not_found"
		default:
			result = "error"
		}
	}
	metrics.ObserveAccept(result)
	m.audit.LogAccept(ctx, caller.UserID, requestID, result)
}

type noopNotifier struct{}

func (noopNotifier) DeliverToUser(string, string, any) bool { return false }
func (noopNotifier) BroadcastToTopic(string, any) int       { return 0 }
