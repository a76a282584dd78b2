package shared

// Workshop floor permissions declared for RBAC.
const (
	// Order permissions
	PermOrdersView   = "orders.view"
	PermOrdersCreate = "orders.create"
	PermOrdersEdit   = "orders.edit"
	PermOrdersRefund = "orders.refund"

	// Inventory permissions
	PermInventoryView   = "inventory.view"
	PermInventoryAdjust = "inventory.adjust"

	// Sales permissions
	PermSalesView   = "sales.view"
	PermSalesRefund = "sales.refund"

	// Reporting permissions
	PermReportsView   = "reports.view"
	PermReportsExport = "reports.export"

	// Payroll permissions
	PermPayrollView    = "payroll.view"
	PermPayrollApprove = "payroll.approve"
)

// WorkshopScopes lists the permissions of the workshop floor modules.
func WorkshopScopes() []string {
	return []string{
		PermOrdersView,
		PermOrdersCreate,
		PermOrdersEdit,
		PermOrdersRefund,
		PermInventoryView,
		PermInventoryAdjust,
		PermSalesView,
		PermSalesRefund,
		PermReportsView,
		PermReportsExport,
		PermPayrollView,
		PermPayrollApprove,
	}
}

// PermissionCatalog groups every declared permission by area. Roles may still
// carry permissions outside the catalog.
func PermissionCatalog() map[string][]string {
	return map[string][]string{
		"core":     CoreScopes(),
		"security": SecurityScopes(),
		"workshop": WorkshopScopes(),
	}
}
