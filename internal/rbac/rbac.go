package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead  Action = "read"
	ActionEdit  Action = "edit"
	ActionGrant Action = "grant"
)

// Organization membership roles. "family" is the restricted editor tier:
// members may edit memorials of their own organization but not manage access.
const (
	MembershipAdmin  = "admin"
	MembershipFamily = "family"
	MembershipMember = "member"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionEdit
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// FromMembership maps an organization membership onto the resource role it
// implies for memorials belonging to that organization.
func FromMembership(membership string) Role {
	switch membership {
	case MembershipAdmin:
		return RoleAdmin
	case MembershipFamily:
		return RoleEditor
	default:
		return RoleViewer
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
