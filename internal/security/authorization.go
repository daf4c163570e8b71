package security

import (
	"log/slog"

	"github.com/crowdaid/crowdaid/internal/domain"
	apperrors "github.com/crowdaid/crowdaid/pkg/errors"
)

// Permission represents an action permission
type Permission string

const (
	PermCreateRequest   Permission = "create_request"
	PermFindNearby      Permission = "find_nearby"
	PermAcceptRequest   Permission = "accept_request"
	PermSendMessage     Permission = "send_message"
	PermSetAvailability Permission = "set_availability"
	PermManageRequests  Permission = "manage_requests"
)

// RolePermissions maps roles to their permissions
var RolePermissions = map[domain.Role][]Permission{
	domain.RoleAdmin: {
		PermCreateRequest,
		PermFindNearby,
		PermSendMessage,
		PermManageRequests,
	},
	domain.RoleVolunteer: {
		PermCreateRequest,
		PermFindNearby,
		PermAcceptRequest,
		PermSendMessage,
		PermSetAvailability,
	},
	domain.RoleUser: {
		PermCreateRequest,
		PermSendMessage,
	},
}

// AuthorizationService handles capability checks
type AuthorizationService struct {
	logger *slog.Logger
}

// NewAuthorizationService creates a new authorization service
func NewAuthorizationService(logger *slog.Logger) *AuthorizationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthorizationService{logger: logger}
}

// HasPermission checks if a role has a specific permission
func (as *AuthorizationService) HasPermission(role domain.Role, permission Permission) bool {
	for _, p := range RolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// Can reports whether any of the caller's roles grants permission
func (as *AuthorizationService) Can(caller domain.Identity, permission Permission) bool {
	for _, role := range caller.Roles {
		if as.HasPermission(role, permission) {
			return true
		}
	}
	return false
}

// Require returns a Forbidden error unless the caller holds permission
func (as *AuthorizationService) Require(caller domain.Identity, permission Permission) error {
	if !as.Can(caller, permission) {
		as.logger.Warn("permission denied",
			slog.String("user_id", caller.UserID),
			slog.String("permission", string(permission)),
		)
		return apperrors.NewForbiddenError("caller may not " + string(permission))
	}
	return nil
}
