package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRolePermissions(t *testing.T) {
	assert.True(t, HasPermission(RoleDonor, PermissionVote))
	assert.False(t, HasPermission(RoleDonor, PermissionManageMilestone))
	assert.True(t, HasPermission(RoleCampaigner, PermissionWithdraw))
	assert.False(t, HasPermission(RoleCampaigner, PermissionVote))
	assert.True(t, HasPermission(RoleAdmin, PermissionForceSettle))
	assert.False(t, HasPermission("guest", PermissionReadWallet))
}

func TestCheckPermission(t *testing.T) {
	assert.NoError(t, CheckPermission("u1", RoleAdmin, PermissionReplayEvents))

	err := CheckPermission("u1", RoleDonor, PermissionForceSettle)
	var denied *PermissionDeniedError
	if assert.True(t, errors.As(err, &denied)) {
		assert.Equal(t, "u1", denied.UserID)
		assert.Equal(t, PermissionForceSettle, denied.Permission)
	}
}
