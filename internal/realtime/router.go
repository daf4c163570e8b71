package realtime

import (
	"log/slog"
	"sync"

	"github.com/crowdaid/crowdaid/internal/observability/metrics"
)

// Router delivers server frames to users and topic subscribers. It never
// performs socket I/O itself: frames are queued on sessions and written by
// each session's own writer.
type Router struct {
	presence *PresenceTracker
	logger   *slog.Logger

	mu        sync.RWMutex
	topics    map[string]map[string]Session
	bySession map[string]map[string]struct{}
}

// NewRouter creates a router over presence
func NewRouter(presence *PresenceTracker, logger *slog.Logger) *Router {
	if presence == nil {
		presence = NewPresenceTracker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		presence:  presence,
		logger:    logger,
		topics:    make(map[string]map[string]Session),
		bySession: make(map[string]map[string]struct{}),
	}
}

// RegisterSession makes s reachable through DeliverToUser
func (r *Router) RegisterSession(s Session) {
	if r.presence.Register(s) {
		r.logger.Debug("user online", slog.String("user_id", s.UserID()))
	}
	r.publishPresence()
}

// UnregisterSession drops s and all its subscriptions. When it was the
// user's last session, the user's disconnect topic is notified.
func (r *Router) UnregisterSession(s Session) {
	r.UnsubscribeAll(s)
	if r.presence.Unregister(s) {
		r.logger.Debug("user offline", slog.String("user_id", s.UserID()))
		r.BroadcastToTopic(DisconnectTopic(s.UserID()), map[string]string{
			"userId": s.UserID(),
			"status": "OFFLINE",
		})
	}
	r.publishPresence()
}

// Subscribe adds s to topic. Subscribing twice is a no-op.
func (r *Router) Subscribe(s Session, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]Session)
		r.topics[topic] = subs
	}
	subs[s.ID()] = s

	owned, ok := r.bySession[s.ID()]
	if !ok {
		owned = make(map[string]struct{})
		r.bySession[s.ID()] = owned
	}
	owned[topic] = struct{}{}
}

// Unsubscribe removes s from topic
func (r *Router) Unsubscribe(s Session, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(s.ID(), topic)
}

// UnsubscribeAll removes every subscription held by s
func (r *Router) UnsubscribeAll(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for topic := range r.bySession[s.ID()] {
		r.removeLocked(s.ID(), topic)
	}
	delete(r.bySession, s.ID())
}

func (r *Router) removeLocked(sessionID, topic string) {
	if subs, ok := r.topics[topic]; ok {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(r.topics, topic)
		}
	}
	if owned, ok := r.bySession[sessionID]; ok {
		delete(owned, topic)
		if len(owned) == 0 {
			delete(r.bySession, sessionID)
		}
	}
}

// Subscribers returns how many sessions follow topic
func (r *Router) Subscribers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.topics[topic])
}

// DeliverToUser queues payload on every live session of userID. It reports
// false when the user has no session that accepted the frame; that is not
// an error, the record stays in the store for later sync.
func (r *Router) DeliverToUser(userID, destination string, payload any) bool {
	data, ok := r.encode(destination, payload)
	if !ok {
		metrics.ObserveDelivery("direct", "error")
		return false
	}

	delivered := false
	for _, s := range r.presence.Sessions(userID) {
		if s.Send(data) {
			delivered = true
		}
	}

	if delivered {
		metrics.ObserveDelivery("direct", "delivered")
	} else {
		metrics.ObserveDelivery("direct", "offline")
	}
	return delivered
}

// BroadcastToTopic queues payload on every subscriber of topic and returns
// how many accepted it.
func (r *Router) BroadcastToTopic(topic string, payload any) int {
	r.mu.RLock()
	subs := make([]Session, 0, len(r.topics[topic]))
	for _, s := range r.topics[topic] {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	if len(subs) == 0 {
		metrics.ObserveDelivery("topic", "no_subscribers")
		return 0
	}

	data, ok := r.encode(topic, payload)
	if !ok {
		metrics.ObserveDelivery("topic", "error")
		return 0
	}

	n := 0
	for _, s := range subs {
		if s.Send(data) {
			n++
		}
	}
	metrics.ObserveDelivery("topic", "delivered")
	return n
}

// IsOnline reports whether the user has a live session
func (r *Router) IsOnline(userID string) bool {
	return r.presence.IsOnline(userID)
}

// ReapClosed unregisters sessions whose connection already ended and
// returns how many were removed.
func (r *Router) ReapClosed() int {
	closed := r.presence.Closed()
	for _, s := range closed {
		r.UnregisterSession(s)
	}
	return len(closed)
}

// Counts returns live sessions and online users
func (r *Router) Counts() (sessions, users int) {
	return r.presence.Counts()
}

func (r *Router) encode(destination string, payload any) ([]byte, bool) {
	frame, err := MessageFrame(destination, payload)
	if err != nil {
		r.logger.Error("failed to encode payload",
			slog.String("destination", destination),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	data, err := Encode(frame)
	if err != nil {
		r.logger.Error("failed to encode frame",
			slog.String("destination", destination),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return data, true
}

func (r *Router) publishPresence() {
	metrics.SetPresence(r.presence.Counts())
}
