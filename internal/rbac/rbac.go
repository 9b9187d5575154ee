package rbac

type Role string
type Action string

const (
	RoleCitizen           Role = "citizen"
	RoleBarangayOfficial  Role = "barangay_official"
	RoleCityOfficial      Role = "city_official"
	RoleMunicipalOfficial Role = "municipal_official"
	RoleAdmin             Role = "admin"
)

const (
	ActionRead           Action = "read"
	ActionComment        Action = "comment"
	ActionManageWorkflow Action = "manage_workflow"
	ActionPublish        Action = "publish"
	ActionAdmin          Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleCityOfficial:
		return action == ActionRead || action == ActionComment || action == ActionManageWorkflow || action == ActionPublish
	case RoleBarangayOfficial, RoleMunicipalOfficial:
		return action == ActionRead || action == ActionComment || action == ActionManageWorkflow
	case RoleCitizen:
		return action == ActionRead || action == ActionComment
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleCitizen, RoleBarangayOfficial, RoleCityOfficial, RoleMunicipalOfficial, RoleAdmin:
		return Role(role)
	default:
		return RoleCitizen
	}
}

// IsOfficial reports whether the role represents a local-government official.
func IsOfficial(role Role) bool {
	return role == RoleBarangayOfficial || role == RoleCityOfficial || role == RoleMunicipalOfficial
}
