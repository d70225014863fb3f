package authority

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

func TestRegistry_GrantAndRequire(t *testing.T) {
	r := NewRegistry()
	r.Grant("alice", RoleGovernor, RoleOperator)
	r.Grant(SystemANS, RoleStateManager)

	require.NoError(t, r.Require("test", "alice", RoleGovernor))
	require.NoError(t, r.Require("test", "alice", RoleKeeper, RoleOperator))

	err := r.Require("test", "bob", RoleGovernor)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrUnauthorized)

	assert.Equal(t, []Role{RoleGovernor, RoleOperator}, r.RolesOf("alice"))
	assert.Equal(t, []contracts.Principal{SystemANS}, r.Holders(RoleStateManager))
}

func TestRegistry_Withdraw(t *testing.T) {
	r := NewRegistry()
	r.Grant("keeper-1", RoleKeeper)
	assert.True(t, r.Has("keeper-1", RoleKeeper))

	r.Withdraw("keeper-1", RoleKeeper)
	assert.False(t, r.Has("keeper-1", RoleKeeper))
	assert.Empty(t, r.RolesOf("keeper-1"))

	// Withdrawing from an unknown principal is a no-op.
	r.Withdraw("nobody", RoleKeeper)
}
