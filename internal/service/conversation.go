package service

import (
	"github.com/crowdaid/crowdaid/internal/domain"
	apperrors "github.com/crowdaid/crowdaid/pkg/errors"
)

// ConversationGuard decides who may read and write a help request's
// conversation and who receives a participant's messages. Every delivery
// path resolves recipients through OtherParticipant.
type ConversationGuard struct{}

// IsParticipant reports whether userID is the requester or the assigned
// volunteer.
func (ConversationGuard) IsParticipant(req *domain.HelpRequest, userID string) bool {
	if req == nil || userID == "" {
		return false
	}
	return req.RequesterID == userID || req.Volunteer() == userID
}

// OtherParticipant returns the counterpart of callerID. It is false when
// callerID is not a participant or no volunteer is assigned yet.
func (g ConversationGuard) OtherParticipant(req *domain.HelpRequest, callerID string) (string, bool) {
	if !g.IsParticipant(req, callerID) {
		return "", false
	}
	if callerID == req.RequesterID {
		v := req.Volunteer()
		return v, v != ""
	}
	return req.RequesterID, true
}

// Authorize returns Forbidden unless userID is a participant
func (g ConversationGuard) Authorize(req *domain.HelpRequest, userID string) error {
	if !g.IsParticipant(req, userID) {
		return apperrors.NewForbiddenError("not a participant of this help request")
	}
	return nil
}
