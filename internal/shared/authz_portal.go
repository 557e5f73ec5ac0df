package shared

// Portal modules that consult the access core before acting.
const (
	ModuleExcuseManagement = "excuseManagement"
	ModuleTimetable        = "timetable"
	ModuleEnrollment       = "enrollment"
	ModuleCourseManagement = "courseManagement"
	ModuleReports          = "reports"
	ModuleFinance          = "finance"
	ModulePayroll          = "payroll"
	ModuleFileImports      = "fileImports"
)

// PortalModules lists the collaborator modules known to the catalog.
func PortalModules() []string {
	return []string{
		ModuleExcuseManagement,
		ModuleTimetable,
		ModuleEnrollment,
		ModuleCourseManagement,
		ModuleReports,
		ModuleFinance,
		ModulePayroll,
		ModuleFileImports,
	}
}

// StandardActions lists every action a catalog module may define.
func StandardActions() []string {
	return []string{ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionApprove, ActionExport, ActionImport}
}
