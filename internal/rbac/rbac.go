package rbac

import "strings"

type Role string
type Action string

const (
	RoleNone   Role = "none"
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner, RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps stored role strings to a Role. Anything unrecognized grants
// nothing.
func Normalize(role string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(role))); r {
	case RoleViewer, RoleEditor, RoleOwner:
		return r
	default:
		return RoleNone
	}
}
