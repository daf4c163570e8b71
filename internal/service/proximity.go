package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/crowdaid/crowdaid/internal/domain"
	"github.com/crowdaid/crowdaid/internal/geo"
	"github.com/crowdaid/crowdaid/internal/observability/metrics"
	apperrors "github.com/crowdaid/crowdaid/pkg/errors"
)

// DefaultRadiusKm applies when a proximity query gives no usable radius
const DefaultRadiusKm = 10.0

// NearbyRequest is a pending request with its distance from the query point
type NearbyRequest struct {
	Request    *domain.HelpRequest `json:"request"`
	DistanceKm float64             `json:"distanceKm"`
}

// ProximityMatcher finds pending requests within a radius. The store
// narrows candidates with a bounding box; the exact great-circle filter
// here decides membership.
type ProximityMatcher struct {
	store         domain.HelpRequestStore
	defaultRadius float64
	logger        *slog.Logger
}

// NewProximityMatcher creates a matcher. defaultRadiusKm <= 0 selects
// DefaultRadiusKm.
func NewProximityMatcher(store domain.HelpRequestStore, defaultRadiusKm float64, logger *slog.Logger) *ProximityMatcher {
	if defaultRadiusKm <= 0 {
		defaultRadiusKm = DefaultRadiusKm
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProximityMatcher{store: store, defaultRadius: defaultRadiusKm, logger: logger}
}

// FindNearby returns pending requests whose distance from (lat, lng) is at
// most radiusKm. Result order is unspecified.
func (m *ProximityMatcher) FindNearby(ctx context.Context, lat, lng, radiusKm *float64) ([]NearbyRequest, error) {
	if lat == nil || lng == nil {
		return nil, apperrors.NewValidationError("latitude and longitude are required")
	}
	if !geo.ValidCoordinates(*lat, *lng) {
		return nil, apperrors.NewValidationError("latitude or longitude out of range")
	}

	radius := m.defaultRadius
	if radiusKm != nil && *radiusKm > 0 {
		radius = *radiusKm
	}

	box := geo.BoundingBoxFor(*lat, *lng, radius)
	candidates, err := m.store.FindPendingInBox(ctx, box)
	if err != nil {
		return nil, wrapInternal("failed to query nearby requests", err)
	}

	out := make([]NearbyRequest, 0, len(candidates))
	for _, req := range candidates {
		if req.Status != domain.StatusPending {
			continue
		}
		d := geo.DistanceKm(*lat, *lng, req.Latitude, req.Longitude)
		if d <= radius {
			out = append(out, NearbyRequest{Request: req, DistanceKm: d})
		}
	}

	metrics.ObserveNearby(len(candidates), len(out))
	m.logger.Debug("nearby query",
		slog.Float64("radius_km", radius),
		slog.Int("candidates", len(candidates)),
		slog.Int("matches", len(out)),
	)
	return out, nil
}

// wrapInternal keeps typed store errors and wraps anything else as internal
func wrapInternal(msg string, err error) error {
	var typed *apperrors.AppError
	if errors.As(err, &typed) {
		return err
	}
	return apperrors.NewInternalError(msg, err)
}
