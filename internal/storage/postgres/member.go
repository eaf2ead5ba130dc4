package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riftchat/rift/internal/guild"
	"github.com/riftchat/rift/internal/snowflake"
)

// ErrGuildNotFound is returned when a guild lookup yields no results.
var ErrGuildNotFound = errors.New("guild not found")

// MemberRepository pages through a guild's member directory in the order
// the member-list synchronizer renders it: highest role position first,
// then members with an active session, then username ascending.
type MemberRepository struct {
	db *pgxpool.Pool
}

// NewMemberRepository creates a MemberRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewMemberRepository(db *pgxpool.Pool) *MemberRepository {
	return &MemberRepository{db: db}
}

const memberOrderClause = `
	(SELECT COALESCE(MAX(r.position), 0)
	   FROM member_roles mr
	   JOIN roles r ON r.id = mr.role_id
	  WHERE mr.guild_id = m.guild_id AND mr.user_id = m.user_id) DESC,
	EXISTS (SELECT 1 FROM presence_sessions ps
	         WHERE ps.user_id = m.user_id AND ps.status <> 'offline') DESC,
	LOWER(u.username) ASC`

// MemberPage returns one ordered page of a guild's members with their
// roles, presence sessions, and user settings attached.
//
// Precondition: offset must be >= 0; limit must be > 0.
// Postcondition: Returns a slice in render order (may be empty) or a
// non-nil error.
func (r *MemberRepository) MemberPage(ctx context.Context, guildID snowflake.ID, offset, limit int) ([]guild.Member, error) {
	rows, err := r.db.Query(ctx, `
		SELECT m.user_id, COALESCE(m.nick, ''), m.joined_at,
		       u.username, u.discriminator, COALESCE(u.avatar, ''), u.bot,
		       u.default_status
		FROM guild_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.guild_id = $1
		ORDER BY`+memberOrderClause+`
		OFFSET $2 LIMIT $3`,
		int64(guildID), offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying member page: %w", err)
	}
	members, err := scanMembers(rows, guildID)
	if err != nil {
		return nil, err
	}
	return r.hydrate(ctx, guildID, members)
}

// CountMembers returns the total member count of a guild.
func (r *MemberRepository) CountMembers(ctx context.Context, guildID snowflake.ID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM guild_members WHERE guild_id = $1`,
		int64(guildID),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting guild members: %w", err)
	}
	return count, nil
}

// SearchMembers returns members matching a username prefix and, when
// userIDs is non-empty, restricted to those IDs.
//
// Precondition: limit must be > 0.
// Postcondition: Returns matches ordered by username (may be empty) or a
// non-nil error.
func (r *MemberRepository) SearchMembers(ctx context.Context, guildID snowflake.ID, query string, userIDs []snowflake.ID, limit int) ([]guild.Member, error) {
	ids := make([]int64, 0, len(userIDs))
	for _, id := range userIDs {
		ids = append(ids, int64(id))
	}

	rows, err := r.db.Query(ctx, `
		SELECT m.user_id, COALESCE(m.nick, ''), m.joined_at,
		       u.username, u.discriminator, COALESCE(u.avatar, ''), u.bot,
		       u.default_status
		FROM guild_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.guild_id = $1
		  AND ($2 = '' OR u.username ILIKE $2 || '%')
		  AND (cardinality($3::bigint[]) = 0 OR m.user_id = ANY($3))
		ORDER BY LOWER(u.username) ASC
		LIMIT $4`,
		int64(guildID), query, ids, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("searching guild members: %w", err)
	}
	members, err := scanMembers(rows, guildID)
	if err != nil {
		return nil, err
	}
	return r.hydrate(ctx, guildID, members)
}

func scanMembers(rows pgx.Rows, guildID snowflake.ID) ([]guild.Member, error) {
	defer rows.Close()

	members := make([]guild.Member, 0)
	for rows.Next() {
		var (
			m      guild.Member
			userID int64
		)
		if err := rows.Scan(
			&userID, &m.Nick, &m.JoinedAt,
			&m.User.Username, &m.User.Discriminator, &m.User.Avatar,
			&m.User.Bot, &m.User.Settings.Status,
		); err != nil {
			return nil, fmt.Errorf("scanning member row: %w", err)
		}
		m.GuildID = guildID
		m.User.ID = snowflake.ID(userID)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading member rows: %w", err)
	}
	return members, nil
}

// hydrate attaches roles and presence sessions to a scanned member page.
// Every member implicitly carries the guild's base role.
func (r *MemberRepository) hydrate(ctx context.Context, guildID snowflake.ID, members []guild.Member) ([]guild.Member, error) {
	if len(members) == 0 {
		return members, nil
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, int64(m.User.ID))
	}

	roles, err := r.memberRoles(ctx, guildID, ids)
	if err != nil {
		return nil, err
	}
	sessions, err := r.memberSessions(ctx, ids)
	if err != nil {
		return nil, err
	}
	everyone, err := r.baseRole(ctx, guildID)
	if err != nil {
		return nil, err
	}

	for i := range members {
		uid := members[i].User.ID
		members[i].Roles = append(roles[uid], everyone)
		members[i].User.Sessions = sessions[uid]
	}
	return members, nil
}

func (r *MemberRepository) memberRoles(ctx context.Context, guildID snowflake.ID, userIDs []int64) (map[snowflake.ID][]guild.Role, error) {
	rows, err := r.db.Query(ctx, `
		SELECT mr.user_id, r.id, r.name, r.position
		FROM member_roles mr
		JOIN roles r ON r.id = mr.role_id
		WHERE mr.guild_id = $1 AND mr.user_id = ANY($2)
		ORDER BY r.position DESC`,
		int64(guildID), userIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying member roles: %w", err)
	}
	defer rows.Close()

	out := make(map[snowflake.ID][]guild.Role)
	for rows.Next() {
		var (
			userID, roleID int64
			role           guild.Role
		)
		if err := rows.Scan(&userID, &roleID, &role.Name, &role.Position); err != nil {
			return nil, fmt.Errorf("scanning role row: %w", err)
		}
		role.ID = snowflake.ID(roleID)
		role.GuildID = guildID
		out[snowflake.ID(userID)] = append(out[snowflake.ID(userID)], role)
	}
	return out, rows.Err()
}

func (r *MemberRepository) memberSessions(ctx context.Context, userIDs []int64) (map[snowflake.ID][]guild.Session, error) {
	rows, err := r.db.Query(ctx, `
		SELECT session_id, user_id, status, activities
		FROM presence_sessions
		WHERE user_id = ANY($1)`,
		userIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying presence sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[snowflake.ID][]guild.Session)
	for rows.Next() {
		var (
			s          guild.Session
			userID     int64
			activities []byte
		)
		if err := rows.Scan(&s.SessionID, &userID, &s.Status, &activities); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		if len(activities) > 0 {
			if err := json.Unmarshal(activities, &s.Activities); err != nil {
				return nil, fmt.Errorf("decoding session activities: %w", err)
			}
		}
		s.UserID = snowflake.ID(userID)
		out[s.UserID] = append(out[s.UserID], s)
	}
	return out, rows.Err()
}

// baseRole fetches the guild's base role. The base role shares the
// guild's ID and holds every member.
func (r *MemberRepository) baseRole(ctx context.Context, guildID snowflake.ID) (guild.Role, error) {
	role := guild.Role{GuildID: guildID}
	var id int64
	err := r.db.QueryRow(ctx,
		`SELECT id, name, position FROM roles WHERE guild_id = $1 AND id = $1`,
		int64(guildID),
	).Scan(&id, &role.Name, &role.Position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return guild.Role{}, fmt.Errorf("base role for guild %s: %w", guildID, ErrGuildNotFound)
		}
		return guild.Role{}, fmt.Errorf("querying base role: %w", err)
	}
	role.ID = snowflake.ID(id)
	return role, nil
}
