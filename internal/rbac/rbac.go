package rbac

// Role is a member's access level inside one organization. It is separate from
// governance roles held in teams.
type Role string
type Action string

const (
	RoleGuest  Role = "guest"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

const (
	ActionRead        Action = "read"
	ActionParticipate Action = "participate"
	ActionStructure   Action = "structure"
	ActionMembers     Action = "members"
	ActionPolicies    Action = "policies"
	ActionAdmin       Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleAdmin:
		return action != ActionAdmin
	case RoleMember:
		return action == ActionRead || action == ActionParticipate
	case RoleGuest:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleGuest, RoleMember, RoleAdmin, RoleOwner:
		return Role(role)
	default:
		return RoleGuest
	}
}

// Assignable reports whether role may be granted by invitation or update. Owner
// is only granted at org creation.
func Assignable(role string) bool {
	switch Role(role) {
	case RoleGuest, RoleMember, RoleAdmin:
		return true
	default:
		return false
	}
}
