package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle position of a help request
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAccepted   Status = "ACCEPTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// ParseStatus accepts any casing of a known status literal
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Terminal reports whether no further transition may leave s
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// HelpRequest is a plea for assistance at a location. The requester never
// changes; the volunteer is assigned at most once, by accept.
type HelpRequest struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	RequesterID string    `json:"requesterId"`
	VolunteerID *string   `json:"volunteerId,omitempty"`
	Address     string    `json:"address"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Volunteer returns the assigned volunteer id, or "" when unassigned
func (r *HelpRequest) Volunteer() string {
	if r.VolunteerID == nil {
		return ""
	}
	return *r.VolunteerID
}

// Clone returns a deep copy so stores never share mutable state with callers
func (r *HelpRequest) Clone() *HelpRequest {
	out := *r
	if r.VolunteerID != nil {
		v := *r.VolunteerID
		out.VolunteerID = &v
	}
	return &out
}
