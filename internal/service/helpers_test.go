package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crowdaid/crowdaid/internal/domain"
	"github.com/crowdaid/crowdaid/internal/repository"
)

var (
	alice  = domain.Identity{UserID: "alice", Name: "Alice", Roles: []domain.Role{domain.RoleUser}}
	vera   = domain.Identity{UserID: "vera", Name: "Vera", Roles: []domain.Role{domain.RoleVolunteer}}
	victor = domain.Identity{UserID: "victor", Name: "Victor", Roles: []domain.Role{domain.RoleVolunteer}}
	admin  = domain.Identity{UserID: "root", Name: "Root", Roles: []domain.Role{domain.RoleAdmin}}
)

func ptr(f float64) *float64 { return &f }

type delivery struct {
	UserID      string
	Destination string
	Payload     any
}

type broadcast struct {
	Topic   string
	Payload any
}

// recordingNotifier captures notifications; online users get true from
// DeliverToUser.
type recordingNotifier struct {
	mu         sync.Mutex
	online     map[string]bool
	deliveries []delivery
	broadcasts []broadcast
}

func newRecordingNotifier(online ...string) *recordingNotifier {
	n := &recordingNotifier{online: map[string]bool{}}
	for _, u := range online {
		n.online[u] = true
	}
	return n
}

func (n *recordingNotifier) DeliverToUser(userID, destination string, payload any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, delivery{userID, destination, payload})
	return n.online[userID]
}

func (n *recordingNotifier) BroadcastToTopic(topic string, payload any) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, broadcast{topic, payload})
	return 0
}

func (n *recordingNotifier) Deliveries() []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]delivery(nil), n.deliveries...)
}

func (n *recordingNotifier) Broadcasts() []broadcast {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]broadcast(nil), n.broadcasts...)
}

func createRequest(t *testing.T, m *LifecycleManager, caller domain.Identity, lat, lng float64) *domain.HelpRequest {
	t.Helper()
	req, err := m.Create(context.Background(), caller, CreateRequestInput{
		Description: "need groceries",
		Address:     "1 Main St",
		Latitude:    ptr(lat),
		Longitude:   ptr(lng),
	})
	require.NoError(t, err)
	return req
}

func newLifecycle(notifier domain.Notifier) (*LifecycleManager, *repository.MemoryStore) {
	store := repository.NewMemoryStore()
	return NewLifecycleManager(store, notifier, nil, nil, nil, nil), store
}
