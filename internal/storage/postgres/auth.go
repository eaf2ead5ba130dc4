package postgres

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/blake2b"

	"github.com/riftchat/rift/internal/auth"
	"github.com/riftchat/rift/internal/snowflake"
)

// TokenAuthenticator resolves gateway tokens against the users table.
// Tokens are stored as BLAKE2b digests; the plaintext never touches the
// database.
type TokenAuthenticator struct {
	db *pgxpool.Pool
}

// NewTokenAuthenticator creates a TokenAuthenticator backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewTokenAuthenticator(db *pgxpool.Pool) *TokenAuthenticator {
	return &TokenAuthenticator{db: db}
}

// TokenDigest returns the hex BLAKE2b-256 digest under which a token is
// stored.
func TokenDigest(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authenticate implements auth.Authenticator.
//
// Precondition: token must be non-empty.
// Postcondition: Returns the token owner's identity, or auth.ErrInvalidToken
// when no user holds the token.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	var (
		userID int64
		bot    bool
	)
	err := a.db.QueryRow(ctx,
		`SELECT id, bot FROM users WHERE token_digest = $1`,
		TokenDigest(token),
	).Scan(&userID, &bot)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.Identity{}, auth.ErrInvalidToken
		}
		return auth.Identity{}, fmt.Errorf("querying token: %w", err)
	}
	return auth.Identity{UserID: snowflake.ID(userID), Bot: bot}, nil
}

// IssueToken stores the digest of a token for a user, replacing any
// previous token.
//
// Precondition: the user must exist.
// Postcondition: Authenticate resolves the token to the user, or
// ErrUserNotFound is returned.
func (a *TokenAuthenticator) IssueToken(ctx context.Context, userID snowflake.ID, token string) error {
	tag, err := a.db.Exec(ctx,
		`UPDATE users SET token_digest = $1 WHERE id = $2`,
		TokenDigest(token), int64(userID),
	)
	if err != nil {
		return fmt.Errorf("storing token digest: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ErrUserNotFound is returned when a user lookup yields no results.
var ErrUserNotFound = errors.New("user not found")

// RolePermissions computes a user's permission bitset as the union of the
// permission bits of every role the member holds, the guild's base role
// included. Channel overwrites are owned by the REST service and do not
// apply here; channelID is accepted for interface compatibility.
type RolePermissions struct {
	db *pgxpool.Pool
}

// NewRolePermissions creates a RolePermissions backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewRolePermissions(db *pgxpool.Pool) *RolePermissions {
	return &RolePermissions{db: db}
}

// Permission implements auth.Permissions.
//
// Postcondition: Returns the union bitset, or zero when the user is not a
// member of the guild.
func (p *RolePermissions) Permission(ctx context.Context, userID, guildID, _ snowflake.ID) (auth.PermissionSet, error) {
	var bits int64
	err := p.db.QueryRow(ctx, `
		SELECT COALESCE(BIT_OR(r.permissions), 0)
		FROM roles r
		WHERE r.guild_id = $1
		  AND (r.id = $1
		       OR r.id IN (SELECT role_id FROM member_roles
		                    WHERE guild_id = $1 AND user_id = $2))
		  AND EXISTS (SELECT 1 FROM guild_members
		               WHERE guild_id = $1 AND user_id = $2)`,
		int64(guildID), int64(userID),
	).Scan(&bits)
	if err != nil {
		return 0, fmt.Errorf("querying role permissions: %w", err)
	}
	return auth.PermissionSet(bits), nil
}
