package rbac

type Role string
type Action string

const (
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

// Required is the lowest stored permission level that allows action.
func Required(action Action) Role {
	if action == ActionWrite {
		return RoleEditor
	}
	return RoleViewer
}

// AtLeast lists the stored permission levels that satisfy min.
func AtLeast(min Role) []Role {
	switch min {
	case RoleEditor:
		return []Role{RoleEditor}
	default:
		return []Role{RoleViewer, RoleEditor}
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}
