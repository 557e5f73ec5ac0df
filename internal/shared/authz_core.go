package shared

// Modules guarded by the access core itself.
const (
	ModuleUserManagement    = "userManagement"
	ModuleRoleManagement    = "roleManagement"
	ModuleSecuritySettings  = "securitySettings"
	ModuleSessionManagement = "sessionManagement"
	ModuleAuditLog          = "auditLog"
)

// Actions understood by the core catalog.
const (
	ActionView    = "view"
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionApprove = "approve"
	ActionExport  = "export"
	ActionImport  = "import"
)

// CoreModules lists the modules owned by the access core.
func CoreModules() []string {
	return []string{
		ModuleUserManagement,
		ModuleRoleManagement,
		ModuleSecuritySettings,
		ModuleSessionManagement,
		ModuleAuditLog,
	}
}
