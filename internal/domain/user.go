package domain

import "time"

// User is a person known to the dispatch core. Volunteers carry an
// availability flag; for everyone else it is ignored.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Address     string    `json:"address,omitempty"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	Available   bool      `json:"available"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Role is a coarse capability grant carried in the caller's credential
type Role string

const (
	RoleUser      Role = "user"
	RoleVolunteer Role = "volunteer"
	RoleAdmin     Role = "admin"
)

// Identity is the authenticated caller as resolved from a bearer credential
type Identity struct {
	UserID string
	Name   string
	Roles  []Role
}

// HasRole reports whether the identity carries role r
func (i Identity) HasRole(r Role) bool {
	for _, role := range i.Roles {
		if role == r {
			return true
		}
	}
	return false
}
