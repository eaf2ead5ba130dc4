// Package guild defines the member, role, and presence records served by
// the gateway. These are read-side projections of entities owned by the
// REST service; the gateway never mutates them.
package guild

import (
	"time"

	"github.com/riftchat/rift/internal/snowflake"
)

// Presence status values, in wire form.
const (
	StatusOnline    = "online"
	StatusIdle      = "idle"
	StatusDND       = "dnd"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"
)

// statusRank orders statuses by visibility. Lower ranks are more visible
// and therefore more relevant when choosing among a user's sessions.
var statusRank = map[string]int{
	StatusOnline:    0,
	StatusIdle:      1,
	StatusDND:       2,
	StatusInvisible: 3,
	StatusOffline:   4,
}

// StatusRank returns the visibility rank of a status. Unknown statuses rank
// with offline.
func StatusRank(status string) int {
	if r, ok := statusRank[status]; ok {
		return r
	}
	return statusRank[StatusOffline]
}

// ValidStatus reports whether status is a recognised presence status.
func ValidStatus(status string) bool {
	_, ok := statusRank[status]
	return ok
}

// Role is a guild role. The role whose ID equals the guild ID is the
// base "everyone" role and always sorts last in member-list grouping.
type Role struct {
	ID       snowflake.ID `json:"id" msgpack:"id"`
	GuildID  snowflake.ID `json:"guild_id" msgpack:"guild_id"`
	Name     string       `json:"name" msgpack:"name"`
	Position int          `json:"position" msgpack:"position"`
}

// Everyone reports whether this is the guild's base role.
func (r Role) Everyone() bool {
	return r.ID == r.GuildID
}

// Activity is a rich-presence activity attached to a session.
type Activity struct {
	Name string `json:"name" msgpack:"name"`
	Type int    `json:"type" msgpack:"type"`
	URL  string `json:"url,omitempty" msgpack:"url,omitempty"`
}

// Session is one active client session of a user. A user with several
// clients connected has several sessions with independent statuses.
type Session struct {
	SessionID  string       `json:"session_id" msgpack:"session_id"`
	UserID     snowflake.ID `json:"user_id" msgpack:"user_id"`
	Status     string       `json:"status" msgpack:"status"`
	Activities []Activity   `json:"activities" msgpack:"activities"`
}

// UserSettings carries the slice of per-user settings the gateway needs:
// the configured default status shown when the most relevant session
// reports offline.
type UserSettings struct {
	Status string `json:"status" msgpack:"status"`
}

// User is the account record behind a member.
type User struct {
	ID            snowflake.ID `json:"id" msgpack:"id"`
	Username      string       `json:"username" msgpack:"username"`
	Discriminator string       `json:"discriminator" msgpack:"discriminator"`
	Avatar        string       `json:"avatar,omitempty" msgpack:"avatar,omitempty"`
	Bot           bool         `json:"bot" msgpack:"bot"`
	Sessions      []Session    `json:"-" msgpack:"-"`
	Settings      UserSettings `json:"-" msgpack:"-"`
}

// Public returns the externally visible projection of the user. Sessions
// and settings never leave the process.
func (u User) Public() PublicUser {
	return PublicUser{
		ID:            u.ID,
		Username:      u.Username,
		Discriminator: u.Discriminator,
		Avatar:        u.Avatar,
		Bot:           u.Bot,
	}
}

// PublicUser is the user projection embedded in outbound frames.
type PublicUser struct {
	ID            snowflake.ID `json:"id" msgpack:"id"`
	Username      string       `json:"username" msgpack:"username"`
	Discriminator string       `json:"discriminator" msgpack:"discriminator"`
	Avatar        string       `json:"avatar,omitempty" msgpack:"avatar,omitempty"`
	Bot           bool         `json:"bot" msgpack:"bot"`
}

// Member is a guild membership with the joined role, user, and session
// records the member-list synchronizer consumes.
type Member struct {
	GuildID  snowflake.ID `json:"guild_id" msgpack:"guild_id"`
	Nick     string       `json:"nick,omitempty" msgpack:"nick,omitempty"`
	JoinedAt time.Time    `json:"joined_at" msgpack:"joined_at"`
	Roles    []Role       `json:"-" msgpack:"-"`
	User     User         `json:"-" msgpack:"-"`
}

// HighestRolePosition returns the position of the member's highest role,
// or -1 for a member with no roles at all.
func (m Member) HighestRolePosition() int {
	pos := -1
	for _, r := range m.Roles {
		if r.Position > pos {
			pos = r.Position
		}
	}
	return pos
}

// HasRole reports whether the member holds the role with the given ID.
func (m Member) HasRole(id snowflake.ID) bool {
	for _, r := range m.Roles {
		if r.ID == id {
			return true
		}
	}
	return false
}

// AnyActiveSession reports whether the member's user has at least one
// session whose status is not offline.
func (m Member) AnyActiveSession() bool {
	for _, s := range m.User.Sessions {
		if s.Status != StatusOffline {
			return true
		}
	}
	return false
}

// Presence is the wire form of a user's effective presence.
type Presence struct {
	User       PresenceUser `json:"user" msgpack:"user"`
	Status     string       `json:"status" msgpack:"status"`
	Activities []Activity   `json:"activities" msgpack:"activities"`
}

// PresenceUser identifies the subject of a presence by ID only.
type PresenceUser struct {
	ID snowflake.ID `json:"id" msgpack:"id"`
}
