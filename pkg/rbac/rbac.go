package rbac

import "fmt"

const (
	PermissionDonate           = "campaign:donate"
	PermissionVote             = "milestone:vote"
	PermissionManageMilestone  = "milestone:manage"
	PermissionRegisterCampaign = "campaign:register"
	PermissionReadWallet       = "wallet:read"
	PermissionWithdraw         = "wallet:withdraw"
	PermissionRedeemCredit     = "credit:redeem"
	PermissionForceSettle      = "settlement:force"
	PermissionManageQueue      = "escalation:manage"
	PermissionReplayEvents     = "outbox:replay"
)

const (
	RoleDonor      = "donor"
	RoleCampaigner = "campaigner"
	RoleAdmin      = "admin"
)

var rolePermissions = map[string][]string{
	RoleDonor: {
		PermissionDonate,
		PermissionVote,
		PermissionReadWallet,
		PermissionWithdraw,
		PermissionRedeemCredit,
	},
	RoleCampaigner: {
		PermissionManageMilestone,
		PermissionReadWallet,
		PermissionWithdraw,
	},
	RoleAdmin: {
		PermissionRegisterCampaign,
		PermissionReadWallet,
		PermissionForceSettle,
		PermissionManageQueue,
		PermissionReplayEvents,
	},
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

func HasPermission(role, permission string) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission is HasPermission returning a *PermissionDeniedError.
func CheckPermission(userID, role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{UserID: userID, Role: role, Permission: permission}
	}
	return nil
}

type PermissionDeniedError struct {
	UserID     string
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("role %q lacks permission %s", e.Role, e.Permission)
}
