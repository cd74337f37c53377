package auth

import "strings"

// Role is the access level carried by an ops token.
type Role string

const (
	// RoleViewer reads fee status, records and exports.
	RoleViewer Role = "viewer"
	// RoleOperator may also trigger syncs and snapshot refreshes.
	RoleOperator Role = "operator"
	// RoleAdmin may also run the report mirror.
	RoleAdmin Role = "admin"
)

var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole lowercases value and reports whether it is a known role.
func NormalizeRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// RoleAtLeast reports whether role satisfies required.
func RoleAtLeast(role Role, required Role) bool {
	return roleRanks[role] >= roleRanks[required]
}
