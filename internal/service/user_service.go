package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/crowdaid/crowdaid/internal/domain"
	"github.com/crowdaid/crowdaid/internal/geo"
	"github.com/crowdaid/crowdaid/internal/security"
	apperrors "github.com/crowdaid/crowdaid/pkg/errors"
)

// ProfileInput carries the editable profile fields
type ProfileInput struct {
	DisplayName string   `json:"displayName"`
	Email       string   `json:"email"`
	Phone       string   `json:"phone"`
	Address     string   `json:"address"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
}

// UserService manages the caller's own profile and volunteer availability
type UserService struct {
	store  domain.UserStore
	authz  *security.AuthorizationService
	logger *slog.Logger
	now    func() time.Time
}

func NewUserService(store domain.UserStore, authz *security.AuthorizationService, logger *slog.Logger) *UserService {
	if logger == nil {
		logger = slog.Default()
	}
	if authz == nil {
		authz = security.NewAuthorizationService(logger)
	}
	return &UserService{store: store, authz: authz, logger: logger, now: time.Now}
}

// Profile returns the caller's profile. A caller without a stored profile
// gets one seeded from their identity.
func (s *UserService) Profile(ctx context.Context, caller domain.Identity) (*domain.User, error) {
	user, err := s.store.GetUser(ctx, caller.UserID)
	if err == nil {
		return user, nil
	}
	if !apperrors.Is(err, apperrors.ErrorTypeNotFound) {
		return nil, wrapInternal("failed to load user", err)
	}
	return &domain.User{ID: caller.UserID, DisplayName: caller.Name}, nil
}

// UpdateProfile upserts the caller's profile. Availability and creation
// time are preserved.
func (s *UserService) UpdateProfile(ctx context.Context, caller domain.Identity, in ProfileInput) (*domain.User, error) {
	if (in.Latitude == nil) != (in.Longitude == nil) {
		return nil, apperrors.NewValidationError("latitude and longitude must be set together")
	}
	if in.Latitude != nil && !geo.ValidCoordinates(*in.Latitude, *in.Longitude) {
		return nil, apperrors.NewValidationError("latitude or longitude out of range")
	}

	user, err := s.Profile(ctx, caller)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if name := strings.TrimSpace(in.DisplayName); name != "" {
		user.DisplayName = name
	}
	user.Email = strings.TrimSpace(in.Email)
	user.Phone = strings.TrimSpace(in.Phone)
	user.Address = strings.TrimSpace(in.Address)
	user.Latitude = in.Latitude
	user.Longitude = in.Longitude
	user.UpdatedAt = now

	if err := s.store.SaveUser(ctx, user); err != nil {
		return nil, wrapInternal("failed to save user", err)
	}
	return user, nil
}

// SetAvailability toggles whether a volunteer is taking requests
func (s *UserService) SetAvailability(ctx context.Context, caller domain.Identity, available bool) (*domain.User, error) {
	if err := s.authz.Require(caller, security.PermSetAvailability); err != nil {
		return nil, err
	}

	user, err := s.Profile(ctx, caller)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.Available = available
	user.UpdatedAt = now

	if err := s.store.SaveUser(ctx, user); err != nil {
		return nil, wrapInternal("failed to save user", err)
	}
	s.logger.Info("volunteer availability changed",
		slog.String("user_id", user.ID),
		slog.Bool("available", available),
	)
	return user, nil
}
