package domain

import (
	"context"

	"github.com/crowdaid/crowdaid/internal/geo"
)

// HelpRequestStore persists help requests. Missing records are reported as
// a NotFound application error.
type HelpRequestStore interface {
	GetRequest(ctx context.Context, id string) (*HelpRequest, error)
	SaveRequest(ctx context.Context, req *HelpRequest) error
	DeleteRequest(ctx context.Context, id string) error
	// CompareAndSwapRequest writes req only if the stored status still equals
	// expected. It returns false, nil when the status moved on.
	CompareAndSwapRequest(ctx context.Context, expected Status, req *HelpRequest) (bool, error)
	FindPendingInBox(ctx context.Context, box geo.BoundingBox) ([]*HelpRequest, error)
	FindByParticipant(ctx context.Context, userID string) ([]*HelpRequest, error)
}

// MessageStore persists conversation messages
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) error
	// ListMessages returns a request's messages ordered by creation time
	ListMessages(ctx context.Context, requestID string) ([]*Message, error)
	CountUnread(ctx context.Context, requestID, readerID string) (int, error)
	// MarkRead flags every message in the request not sent by readerID as read
	// and returns how many changed.
	MarkRead(ctx context.Context, requestID, readerID string) (int, error)
	DeleteMessages(ctx context.Context, requestID string) error
}

// UserStore persists user profiles
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	SaveUser(ctx context.Context, user *User) error
}

// Store is the full persistence surface used by the services
type Store interface {
	HelpRequestStore
	MessageStore
	UserStore
	Ping(ctx context.Context) error
}

// IdentityResolver maps a bearer credential to the caller it names
type IdentityResolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// Notifier delivers server-originated frames to connected clients
type Notifier interface {
	DeliverToUser(userID, destination string, payload any) bool
	BroadcastToTopic(topic string, payload any) int
}
