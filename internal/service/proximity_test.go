package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/crowdaid/crowdaid/pkg/errors"
)

func TestFindNearbyWithinRadius(t *testing.T) {
	lm, store := newLifecycle(nil)
	req := createRequest(t, lm, alice, 40.0, -74.0)

	m := NewProximityMatcher(store, 0, nil)
	ctx := context.Background()

	got, err := m.FindNearby(ctx, ptr(40.01), ptr(-74.01), ptr(5))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, req.ID, got[0].Request.ID)
	assert.InDelta(t, 1.4, got[0].DistanceKm, 0.1)

	got, err = m.FindNearby(ctx, ptr(41.0), ptr(-74.0), ptr(5))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindNearbyDefaultRadius(t *testing.T) {
	lm, store := newLifecycle(nil)
	createRequest(t, lm, alice, 40.0, -74.0)
	m := NewProximityMatcher(store, 0, nil)

	// ~8.9km north: inside the 10km default, outside 5km
	for _, radius := range []*float64{nil, ptr(0), ptr(-3)} {
		got, err := m.FindNearby(context.Background(), ptr(40.08), ptr(-74.0), radius)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	}

	got, err := m.FindNearby(context.Background(), ptr(40.08), ptr(-74.0), ptr(5))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindNearbySkipsAccepted(t *testing.T) {
	lm, store := newLifecycle(nil)
	req := createRequest(t, lm, alice, 40.0, -74.0)
	_, err := lm.Accept(context.Background(), vera, req.ID)
	require.NoError(t, err)

	m := NewProximityMatcher(store, 10, nil)
	got, err := m.FindNearby(context.Background(), ptr(40.0), ptr(-74.0), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindNearbyValidation(t *testing.T) {
	_, store := newLifecycle(nil)
	m := NewProximityMatcher(store, 10, nil)
	ctx := context.Background()

	_, err := m.FindNearby(ctx, nil, ptr(1), nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeValidation))

	_, err = m.FindNearby(ctx, ptr(91), ptr(0), nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeValidation))

	_, err = m.FindNearby(ctx, ptr(0), ptr(-181), nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeValidation))
}
