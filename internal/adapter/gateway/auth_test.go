package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgrid/internal/domain"
)

func TestStaticTokenAuthValid(t *testing.T) {
	auth := NewStaticTokenAuth([]TokenEntry{
		{Token: "secret-123", Name: "ops", Roles: []string{"admin", "bogus"}},
		{Token: "secret-456", Name: "viewer"},
	})

	info, err := auth.Authenticate("secret-123")
	require.NoError(t, err)
	assert.Equal(t, "ops", info.Name)
	assert.Equal(t, []domain.AuthRole{domain.AuthRoleAdmin}, info.Roles)

	info, err = auth.Authenticate("secret-456")
	require.NoError(t, err)
	assert.Equal(t, []domain.AuthRole{domain.AuthRoleSubscriber}, info.Roles)
}

func TestStaticTokenAuthReturnsFreshInfo(t *testing.T) {
	auth := NewStaticTokenAuth([]TokenEntry{{Token: "t", Name: "a"}})
	first, err := auth.Authenticate("t")
	require.NoError(t, err)
	first.SessionID = "s1"

	second, err := auth.Authenticate("t")
	require.NoError(t, err)
	assert.Empty(t, second.SessionID)
}

func TestStaticTokenAuthInvalid(t *testing.T) {
	auth := NewStaticTokenAuth([]TokenEntry{{Token: "secret-123", Name: "ops"}})
	_, err := auth.Authenticate("wrong-token")
	assert.ErrorIs(t, err, domain.ErrGatewayAuthFailed)

	_, err = NewStaticTokenAuth(nil).Authenticate("")
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
}
