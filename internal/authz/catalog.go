package authz

// Resources and actions of the built-in permissions.
const (
	ResourceUser       = "User"
	ResourceRole       = "Role"
	ResourcePermission = "Permission"
	ResourceToken      = "Token"
	ResourceAudit      = "AuditLog"

	ActionCreate = "Create"
	ActionRead   = "Read"
	ActionUpdate = "Update"
	ActionDelete = "Delete"
	ActionAssign = "Assign"
	ActionRevoke = "Revoke"
	ActionUnlock = "Unlock"
)

// AdministratorRole is the system role granted the whole catalog.
const AdministratorRole = "Administrator"

// CatalogEntry describes one built-in permission.
type CatalogEntry struct {
	Resource    string
	Action      string
	Category    string
	Description string
	Priority    int
}

func (c CatalogEntry) Name() string { return PermissionName(c.Resource, c.Action) }

// Catalog lists the system permissions seeded by RoleGraph.EnsureCatalog.
var Catalog = []CatalogEntry{
	{ResourceUser, ActionRead, "identity", "Read user profiles", 10},
	{ResourceUser, ActionCreate, "identity", "Create users", 11},
	{ResourceUser, ActionUpdate, "identity", "Update users", 12},
	{ResourceUser, ActionDelete, "identity", "Delete users", 13},
	{ResourceUser, ActionUnlock, "identity", "Unlock locked-out accounts", 14},
	{ResourceRole, ActionRead, "access", "Read roles", 20},
	{ResourceRole, ActionCreate, "access", "Create roles", 21},
	{ResourceRole, ActionUpdate, "access", "Update and deactivate roles", 22},
	{ResourceRole, ActionAssign, "access", "Assign roles to users", 23},
	{ResourcePermission, ActionRead, "access", "Read permissions", 30},
	{ResourcePermission, ActionCreate, "access", "Create permissions", 31},
	{ResourcePermission, ActionUpdate, "access", "Update and deactivate permissions", 32},
	{ResourcePermission, ActionAssign, "access", "Grant or deny permissions to roles", 33},
	{ResourceToken, ActionRead, "session", "Inspect issued tokens", 40},
	{ResourceToken, ActionRevoke, "session", "Revoke tokens", 41},
	{ResourceAudit, ActionRead, "audit", "Read the audit log", 50},
}
