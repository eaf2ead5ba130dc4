// Package auth defines the authentication and permission collaborators the
// gateway calls into. Permission computation itself lives in the REST
// service; the gateway only consumes the resolved bitset.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/riftchat/rift/internal/snowflake"
)

// Permission flags, one bit each.
const (
	PermissionViewChannel PermissionSet = 1 << iota
	PermissionSendMessages
	PermissionConnect
	PermissionSpeak
	PermissionManageGuild
	PermissionAdministrator
)

// ErrMissingPermission is wrapped by HasThrow failures so callers can
// branch on the error class.
var ErrMissingPermission = errors.New("missing permission")

// ErrInvalidToken is returned by Authenticate for unknown or expired tokens.
var ErrInvalidToken = errors.New("invalid token")

// PermissionSet is a resolved permission bitset for one user in one
// guild/channel scope.
type PermissionSet uint64

// Has reports whether every bit of flag is set. Administrator implies
// every permission.
func (p PermissionSet) Has(flag PermissionSet) bool {
	if p&PermissionAdministrator != 0 {
		return true
	}
	return p&flag == flag
}

// HasThrow returns a non-nil error wrapping ErrMissingPermission when the
// flag is absent.
func (p PermissionSet) HasThrow(flag PermissionSet) error {
	if p.Has(flag) {
		return nil
	}
	return fmt.Errorf("%w: %#x", ErrMissingPermission, uint64(flag))
}

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID snowflake.ID
	Bot    bool
}

// Authenticator validates gateway tokens.
type Authenticator interface {
	// Authenticate resolves a token to an identity, or ErrInvalidToken.
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// Permissions resolves a user's permission bitset in a guild, optionally
// scoped to a channel. channelID of zero means guild scope.
type Permissions interface {
	Permission(ctx context.Context, userID, guildID, channelID snowflake.ID) (PermissionSet, error)
}

// StaticAuthenticator resolves tokens from a fixed table. Used in tests and
// local development; production wires the REST service's token validator.
type StaticAuthenticator struct {
	Tokens map[string]Identity
}

// Authenticate implements Authenticator.
func (a StaticAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	id, ok := a.Tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

// StaticPermissions grants every user the same fixed bitset. Used in tests
// and local development.
type StaticPermissions struct {
	Set PermissionSet
}

// Permission implements Permissions.
func (p StaticPermissions) Permission(context.Context, snowflake.ID, snowflake.ID, snowflake.ID) (PermissionSet, error) {
	return p.Set, nil
}
