package auth

// Capability names a permission checked before a feature executes. Feature
// handlers branch on the answer; a denial is normal control flow, not an
// error.
type Capability string

const (
	CapAccessFinanceModules Capability = "accessFinanceModules"
	CapManageUsers          Capability = "manageUsers"
	CapBrowseDatabase       Capability = "browseDatabase"
	CapApproveVoucher       Capability = "approveVoucher"
)

// CanPerform answers a capability check from role and flags alone. Admins
// pass every check regardless of flag values; flags only matter for regular
// users. Pure: no side effects, no store access.
func CanPerform(u User, c Capability) bool {
	if u.Role == RoleAdmin {
		return true
	}
	switch c {
	case CapAccessFinanceModules:
		return u.CanCreateVoucher
	case CapManageUsers:
		return u.CanManageUsers
	case CapBrowseDatabase:
		// Admin-only, no flag override.
		return false
	case CapApproveVoucher:
		return u.CanApproveVoucher
	default:
		return false
	}
}

// PermissionSnapshot is the derived view of a user's effective permissions,
// computed at session-resolution time from the current user row. It is never
// persisted or cached across requests, so permission edits take effect on the
// user's next session-touching action.
type PermissionSnapshot struct {
	AccessFinanceModules bool `json:"access_finance_modules"`
	ManageUsers          bool `json:"manage_users"`
	BrowseDatabase       bool `json:"browse_database"`
	ApproveVoucher       bool `json:"approve_voucher"`
}

func SnapshotFor(u User) PermissionSnapshot {
	return PermissionSnapshot{
		AccessFinanceModules: CanPerform(u, CapAccessFinanceModules),
		ManageUsers:          CanPerform(u, CapManageUsers),
		BrowseDatabase:       CanPerform(u, CapBrowseDatabase),
		ApproveVoucher:       CanPerform(u, CapApproveVoucher),
	}
}
