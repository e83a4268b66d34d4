package domain

import "slices"

// AuthRole represents a gateway client's authorization role.
type AuthRole string

const (
	AuthRoleAdmin      AuthRole = "admin"
	AuthRolePublisher  AuthRole = "publisher"
	AuthRoleSubscriber AuthRole = "subscriber"
)

// AllAuthRoles lists every valid authorization role for validation purposes.
var AllAuthRoles = []AuthRole{AuthRoleAdmin, AuthRolePublisher, AuthRoleSubscriber}

// Permission represents a gateway action that can be authorized.
type Permission string

const (
	PermEventPublish   Permission = "event:publish"
	PermEventSubscribe Permission = "event:subscribe"
	PermStatusView     Permission = "status:view"
)

// RolePermissions maps each role to its granted permissions.
var RolePermissions = map[AuthRole][]Permission{
	AuthRoleAdmin:      {PermEventPublish, PermEventSubscribe, PermStatusView},
	AuthRolePublisher:  {PermEventPublish, PermEventSubscribe},
	AuthRoleSubscriber: {PermEventSubscribe},
}

// Allowed reports whether any of roles grants perm.
func Allowed(roles []AuthRole, perm Permission) bool {
	for _, r := range roles {
		if slices.Contains(RolePermissions[r], perm) {
			return true
		}
	}
	return false
}

// IsValidAuthRole returns true if the given string represents a known role.
func IsValidAuthRole(s string) bool {
	return slices.Contains(AllAuthRoles, AuthRole(s))
}

// StringsToAuthRoles converts a string slice to an AuthRole slice,
// skipping any unrecognized values.
func StringsToAuthRoles(ss []string) []AuthRole {
	roles := make([]AuthRole, 0, len(ss))
	for _, s := range ss {
		if IsValidAuthRole(s) {
			roles = append(roles, AuthRole(s))
		}
	}
	return roles
}
