package domain

// Role represents the caller's role within their organization
type Role string

const (
	RoleOwner   Role = "owner"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
)

// Actor identifies the caller of a lifecycle or admin operation.
// It is resolved once per request by the auth middleware and threaded
// through all calls explicitly.
type Actor struct {
	ID    string
	OrgID string
	Role  Role
}

// CanApprove returns true if the actor may approve, reject or roll back entries
func (a Actor) CanApprove() bool {
	return a.Role == RoleOwner || a.Role == RoleManager
}

// IsValidRole checks if a Role is valid
func IsValidRole(r Role) bool {
	switch r {
	case RoleOwner, RoleManager, RoleStaff:
		return true
	}
	return false
}
