package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/crowdaid/crowdaid/internal/domain"
	"github.com/crowdaid/crowdaid/internal/geo"
	apperrors "github.com/crowdaid/crowdaid/pkg/errors"
)

// MemoryStore implements domain.Store in process memory. It backs local
// development and tests; state is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*domain.HelpRequest
	messages map[string][]*domain.Message
	users    map[string]*domain.User
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*domain.HelpRequest),
		messages: make(map[string][]*domain.Message),
		users:    make(map[string]*domain.User),
	}
}

func (s *MemoryStore) GetRequest(_ context.Context, id string) (*domain.HelpRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("help request %s not found", id))
	}
	return req.Clone(), nil
}

func (s *MemoryStore) SaveRequest(_ context.Context, req *domain.HelpRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) DeleteRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[id]; !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("help request %s not found", id))
	}
	delete(s.requests, id)
	return nil
}

func (s *MemoryStore) CompareAndSwapRequest(_ context.Context, expected domain.Status, req *domain.HelpRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.requests[req.ID]
	if !ok {
		return false, apperrors.NewNotFoundError(fmt.Sprintf("help request %s not found", req.ID))
	}
	if current.Status != expected {
		return false, nil
	}
	s.requests[req.ID] = req.Clone()
	return true, nil
}

func (s *MemoryStore) FindPendingInBox(_ context.Context, box geo.BoundingBox) ([]*domain.HelpRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.HelpRequest
	for _, req := range s.requests {
		if req.Status == domain.StatusPending && box.Contains(req.Latitude, req.Longitude) {
			out = append(out, req.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) FindByParticipant(_ context.Context, userID string) ([]*domain.HelpRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.HelpRequest
	for _, req := range s.requests {
		if req.RequesterID == userID || req.Volunteer() == userID {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[msg.HelpRequestID]; !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("help request %s not found", msg.HelpRequestID))
	}
	m := *msg
	s.messages[msg.HelpRequestID] = append(s.messages[msg.HelpRequestID], &m)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, requestID string) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.messages[requestID]
	out := make([]*domain.Message, 0, len(stored))
	for _, m := range stored {
		c := *m
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountUnread(_ context.Context, requestID, readerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.messages[requestID] {
		if m.SenderID != readerID && !m.Read {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, requestID, readerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.messages[requestID] {
		if m.SenderID != readerID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteMessages(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.messages, requestID)
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("user %s not found", id))
	}
	c := *u
	return &c, nil
}

func (s *MemoryStore) SaveUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *user
	s.users[user.ID] = &c
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
