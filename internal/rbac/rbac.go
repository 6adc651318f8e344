package rbac

// Role is a caller's permission tier on one document.
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
	ActionPrune Action = "prune"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return action == ActionRead || action == ActionWrite || action == ActionPrune
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps unknown tiers to none so a bad membership row never grants access.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return RoleNone
	}
}
