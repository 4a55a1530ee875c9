package model

import "time"

// Role is an organization membership role.
type Role string

// Membership roles.
const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleMember  Role = "member"
	RoleViewer  Role = "viewer"
)

// ElevatedRoles may decide any approval step and drive request transitions.
var ElevatedRoles = []Role{RoleOwner, RoleAdmin, RoleManager}

// Membership status constants.
const (
	MembershipActive    = "active"
	MembershipInvited   = "invited"
	MembershipSuspended = "suspended"
)

// Membership is a (user, organization, role) tuple.
type Membership struct {
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id"`
	Role           Role      `json:"role"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// Active reports whether the membership grants access.
func (m Membership) Active() bool {
	return m.Status == MembershipActive
}

// ParseRole returns the Role for s and whether it is a known role.
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleOwner, RoleAdmin, RoleManager, RoleMember, RoleViewer:
		return r, true
	}
	return "", false
}
