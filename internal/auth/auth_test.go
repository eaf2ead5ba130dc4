package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHas(t *testing.T) {
	p := PermissionViewChannel | PermissionSendMessages
	assert.True(t, p.Has(PermissionViewChannel))
	assert.True(t, p.Has(PermissionViewChannel|PermissionSendMessages))
	assert.False(t, p.Has(PermissionConnect))
}

func TestHas_AdministratorImpliesAll(t *testing.T) {
	p := PermissionAdministrator
	assert.True(t, p.Has(PermissionViewChannel))
	assert.True(t, p.Has(PermissionManageGuild))
}

func TestHasThrow(t *testing.T) {
	p := PermissionViewChannel

	assert.NoError(t, p.HasThrow(PermissionViewChannel))

	err := p.HasThrow(PermissionConnect)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingPermission))
}

func TestStaticAuthenticator(t *testing.T) {
	a := StaticAuthenticator{Tokens: map[string]Identity{
		"tok-1": {UserID: 42},
	}}

	id, err := a.Authenticate(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: 42}, id)

	_, err = a.Authenticate(context.Background(), "bogus")
	assert.True(t, errors.Is(err, ErrInvalidToken))
}
