package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdaid/crowdaid/internal/domain"
	"github.com/crowdaid/crowdaid/internal/realtime"
	apperrors "github.com/crowdaid/crowdaid/pkg/errors"
)

func TestCreateValidation(t *testing.T) {
	lm, _ := newLifecycle(nil)
	ctx := context.Background()

	tests := []struct {
		name string
		in   CreateRequestInput
	}{
		{"missing description", CreateRequestInput{Address: "x", Latitude: ptr(1), Longitude: ptr(1)}},
		{"long description", CreateRequestInput{Description: strings.Repeat("a", MaxDescriptionLength+1), Address: "x", Latitude: ptr(1), Longitude: ptr(1)}},
		{"missing address", CreateRequestInput{Description: "d", Latitude: ptr(1), Longitude: ptr(1)}},
		{"missing coordinates", CreateRequestInput{Description: "d", Address: "x"}},
		{"latitude out of range", CreateRequestInput{Description: "d", Address: "x", Latitude: ptr(95), Longitude: ptr(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := lm.Create(ctx, alice, tt.in)
			assert.True(t, apperrors.Is(err, apperrors.ErrorTypeValidation), "got %v", err)
		})
	}
}

func TestCreateStoresPending(t *testing.T) {
	lm, store := newLifecycle(nil)
	req := createRequest(t, lm, alice, 40, -74)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.Equal(t, "alice", req.RequesterID)
	assert.Nil(t, req.VolunteerID)

	stored, err := store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.Description, stored.Description)
}

func TestAcceptAssignsVolunteerAndNotifies(t *testing.T) {
	n := newRecordingNotifier("alice")
	lm, _ := newLifecycle(n)
	req := createRequest(t, lm, alice, 40, -74)

	got, err := lm.Accept(context.Background(), vera, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, got.Status)
	assert.Equal(t, "vera", got.Volunteer())

	deliveries := n.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "alice", deliveries[0].UserID)
	assert.Equal(t, realtime.UserQueue("alice"), deliveries[0].Destination)
	event := deliveries[0].Payload.(StatusEvent)
	assert.Equal(t, "ACCEPTED", event.Status)
	assert.Equal(t, "vera", event.VolunteerID)

	broadcasts := n.Broadcasts()
	require.Len(t, broadcasts, 1)
	assert.Equal(t, realtime.StatusTopic(req.ID), broadcasts[0].Topic)
}

func TestAcceptErrors(t *testing.T) {
	lm, _ := newLifecycle(nil)
	ctx := context.Background()
	req := createRequest(t, lm, alice, 40, -74)

	_, err := lm.Accept(ctx, vera, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeNotFound))

	_, err = lm.Accept(ctx, alice, req.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeForbidden), "plain users cannot accept")

	selfHelp := createRequest(t, lm, vera, 40, -74)
	_, err = lm.Accept(ctx, vera, selfHelp.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeForbidden), "requester cannot accept own request")

	_, err = lm.Accept(ctx, vera, req.ID)
	require.NoError(t, err)
	_, err = lm.Accept(ctx, victor, req.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeConflict))
}

func TestConcurrentAcceptHasSingleWinner(t *testing.T) {
	lm, store := newLifecycle(nil)
	req := createRequest(t, lm, alice, 40, -74)

	const volunteers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	for i := 0; i < volunteers; i++ {
		caller := domain.Identity{UserID: fmt.Sprintf("vol-%d", i), Roles: []domain.Role{domain.RoleVolunteer}}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := lm.Accept(context.Background(), caller, req.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, caller.UserID)
			case apperrors.Is(err, apperrors.ErrorTypeConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, volunteers-1, conflicts)

	stored, err := store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], stored.Volunteer())
}

func TestTransitionEdges(t *testing.T) {
	n := newRecordingNotifier()
	lm, _ := newLifecycle(n)
	ctx := context.Background()
	req := createRequest(t, lm, alice, 40, -74)
	_, err := lm.Accept(ctx, vera, req.ID)
	require.NoError(t, err)

	got, err := lm.Transition(ctx, vera, req.ID, "in_progress")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)

	last := n.Deliveries()[len(n.Deliveries())-1]
	assert.Equal(t, "alice", last.UserID, "the other participant is notified")

	_, err = lm.Transition(ctx, alice, req.ID, "ACCEPTED")
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeValidation))

	got, err = lm.Transition(ctx, alice, req.ID, "COMPLETED")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	_, err = lm.Transition(ctx, alice, req.ID, "CANCELLED")
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeValidation), "terminal states are final")
}

func TestTransitionErrors(t *testing.T) {
	lm, _ := newLifecycle(nil)
	ctx := context.Background()
	req := createRequest(t, lm, alice, 40, -74)

	_, err := lm.Transition(ctx, alice, "missing", "CANCELLED")
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeNotFound))

	_, err = lm.Transition(ctx, vera, req.ID, "CANCELLED")
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeForbidden))

	_, err = lm.Transition(ctx, alice, req.ID, "FINISHED")
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeValidation))

	_, err = lm.Transition(ctx, alice, req.ID, "ACCEPTED")
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeValidation), "accept goes through Accept")

	got, err := lm.Transition(ctx, alice, req.ID, "CANCELLED")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(domain.StatusAccepted, domain.StatusInProgress))
	assert.False(t, CanTransition(domain.StatusPending, domain.StatusCompleted))
	assert.False(t, CanTransition(domain.StatusInProgress, domain.StatusAccepted))
	for _, to := range []domain.Status{domain.StatusPending, domain.StatusAccepted, domain.StatusInProgress, domain.StatusCompleted, domain.StatusCancelled} {
		assert.False(t, CanTransition(domain.StatusCompleted, to))
		assert.False(t, CanTransition(domain.StatusCancelled, to))
	}
}

func TestRemove(t *testing.T) {
	n := newRecordingNotifier()
	lm, store := newLifecycle(n)
	ctx := context.Background()
	req := createRequest(t, lm, alice, 40, -74)
	_, err := lm.Accept(ctx, vera, req.ID)
	require.NoError(t, err)
	require.NoError(t, store.SaveMessage(ctx, &domain.Message{ID: "m1", HelpRequestID: req.ID, SenderID: "alice", Content: "hi"}))

	err = lm.Remove(ctx, vera, req.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeForbidden))

	require.NoError(t, lm.Remove(ctx, alice, req.ID))

	_, err = store.GetRequest(ctx, req.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeNotFound))
	msgs, err := store.ListMessages(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	b := n.Broadcasts()
	assert.Equal(t, StatusDeleted, b[len(b)-1].Payload.(StatusEvent).Status)

	err = lm.Remove(ctx, alice, req.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeNotFound))
}

func TestAdminCanRemove(t *testing.T) {
	lm, _ := newLifecycle(nil)
	req := createRequest(t, lm, alice, 40, -74)
	assert.NoError(t, lm.Remove(context.Background(), admin, req.ID))
}

func TestGetVisibility(t *testing.T) {
	lm, _ := newLifecycle(nil)
	ctx := context.Background()
	req := createRequest(t, lm, alice, 40, -74)
	stranger := domain.Identity{UserID: "bob", Roles: []domain.Role{domain.RoleUser}}

	_, err := lm.Get(ctx, alice, req.ID)
	assert.NoError(t, err)
	_, err = lm.Get(ctx, victor, req.ID)
	assert.NoError(t, err, "volunteers may view pending requests")
	_, err = lm.Get(ctx, stranger, req.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeForbidden))

	_, err = lm.Accept(ctx, vera, req.ID)
	require.NoError(t, err)
	_, err = lm.Get(ctx, victor, req.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeForbidden))
	_, err = lm.Get(ctx, vera, req.ID)
	assert.NoError(t, err)
}

func TestListForUser(t *testing.T) {
	lm, _ := newLifecycle(nil)
	ctx := context.Background()
	first := createRequest(t, lm, alice, 40, -74)
	createRequest(t, lm, victor, 40, -74)
	_, err := lm.Accept(ctx, vera, first.ID)
	require.NoError(t, err)

	mine, err := lm.ListForUser(ctx, "vera")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, first.ID, mine[0].ID)
}
