package rbac

import "fmt"

type Role string
type Action string

// RoleNone is the outcome for a caller who is not on the list at all.
const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionChat   Action = "chat"
	ActionManage Action = "manage"
	ActionLeave  Action = "leave"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return action != ActionLeave
	case RoleEditor:
		return action == ActionRead || action == ActionWrite || action == ActionChat || action == ActionLeave
	case RoleViewer:
		return action == ActionRead || action == ActionLeave
	case RoleNone:
		return false
	default:
		return false
	}
}

// Resolve maps a stored participant role onto the caller's effective role.
// The owner always resolves to RoleOwner regardless of the stored value.
func Resolve(isOwner, isParticipant bool, participantRole string) Role {
	if isOwner {
		return RoleOwner
	}
	if !isParticipant {
		return RoleNone
	}
	switch Role(participantRole) {
	case RoleEditor:
		return RoleEditor
	case RoleViewer:
		return RoleViewer
	default:
		return RoleNone
	}
}

// ParseParticipantRole accepts only the roles that can be stored on a participant.
func ParseParticipantRole(value string) (Role, error) {
	switch Role(value) {
	case RoleEditor, RoleViewer:
		return Role(value), nil
	default:
		return RoleNone, fmt.Errorf("role must be one of editor, viewer")
	}
}
