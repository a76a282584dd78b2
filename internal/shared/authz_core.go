package shared

// Core platform permissions.
const (
	PermUsersView   = "users.view"
	PermUsersManage = "users.manage"

	PermRolesView   = "roles.view"
	PermRolesManage = "roles.manage"

	PermPermissionsView = "permissions.view"
)

// Security dashboard permissions.
const (
	PermAuditView            = "audit.view"
	PermSecurityView         = "security.view"
	PermSecurityInvestigate  = "security.investigate"
	PermSecurityPatternsView = "security.patterns.view"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermUsersView,
		PermUsersManage,
		PermRolesView,
		PermRolesManage,
		PermPermissionsView,
	}
}

// SecurityScopes lists permissions guarding the audit and security dashboards.
func SecurityScopes() []string {
	return []string{
		PermAuditView,
		PermSecurityView,
		PermSecurityInvestigate,
		PermSecurityPatternsView,
	}
}
