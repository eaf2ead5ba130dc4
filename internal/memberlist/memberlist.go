// Package memberlist computes the grouped, ordered, presence-aware member
// list served by the gateway's lazy request. The grouping is a pure
// function over an immutable member page so the ordering contract can be
// tested without storage or connection state.
package memberlist

import (
	"sort"
	"strings"

	"github.com/riftchat/rift/internal/guild"
	"github.com/riftchat/rift/internal/snowflake"
)

// GroupOnline is the group ID used for the guild's base role bucket.
const GroupOnline = "online"

// GroupOffline is the group ID of the trailing offline bucket.
const GroupOffline = "offline"

// Group is a bucket header. Count never includes members deferred to the
// offline bucket.
type Group struct {
	ID    string `json:"id" msgpack:"id"`
	Count int    `json:"count" msgpack:"count"`
}

// MemberItem is one member entry: the member reduced to bare role IDs plus
// the user's effective presence.
type MemberItem struct {
	User     guild.PublicUser `json:"user" msgpack:"user"`
	Nick     string           `json:"nick,omitempty" msgpack:"nick,omitempty"`
	Roles    []snowflake.ID   `json:"roles" msgpack:"roles"`
	Presence guild.Presence   `json:"presence" msgpack:"presence"`
}

// Item is either a group header or a member entry, never both.
type Item struct {
	Group  *Group      `json:"group,omitempty" msgpack:"group,omitempty"`
	Member *MemberItem `json:"member,omitempty" msgpack:"member,omitempty"`
}

// Page is the grouped result for one requested range.
type Page struct {
	Items  []Item
	Groups []Group
	// Members lists every member surfaced in Items, in item order. The
	// caller uses it to establish presence subscriptions.
	Members []MemberItem
}

// Sync groups an ordered member page into role buckets.
//
// Buckets appear in role-position order with the guild's base role last
// (rendered as the "online" group). A member lands in exactly one bucket:
// the highest-ranked of its roles not yet consumed. Members whose effective
// status is invisible or offline are deferred to a single trailing offline
// bucket and never counted in their role bucket.
//
// Precondition: members must already be in fetch order (see OrderMembers).
// Postcondition: Returns a Page whose group counts sum to len(Page.Members).
func Sync(guildID snowflake.ID, members []guild.Member) Page {
	roles := presentRoles(guildID, members)

	type bucket struct {
		group  Group
		online []MemberItem
	}

	buckets := make([]bucket, 0, len(roles))
	var offline []MemberItem

	remaining := members
	for _, role := range roles {
		var mine, rest []guild.Member
		for _, m := range remaining {
			if m.HasRole(role.ID) {
				mine = append(mine, m)
			} else {
				rest = append(rest, m)
			}
		}
		remaining = rest

		b := bucket{group: Group{ID: role.ID.String(), Count: 0}}
		if role.Everyone() {
			b.group.ID = GroupOnline
		}

		for _, m := range mine {
			item, visible := renderMember(guildID, m)
			if visible {
				b.group.Count++
				b.online = append(b.online, item)
			} else {
				offline = append(offline, item)
			}
		}

		buckets = append(buckets, b)
	}

	var page Page
	for _, b := range buckets {
		page.Groups = append(page.Groups, b.group)
		page.Items = append(page.Items, Item{Group: &b.group})
		for i := range b.online {
			page.Items = append(page.Items, Item{Member: &b.online[i]})
			page.Members = append(page.Members, b.online[i])
		}
	}

	if len(offline) > 0 {
		g := Group{ID: GroupOffline, Count: len(offline)}
		page.Groups = append(page.Groups, g)
		page.Items = append(page.Items, Item{Group: &g})
		for i := range offline {
			page.Items = append(page.Items, Item{Member: &offline[i]})
			page.Members = append(page.Members, offline[i])
		}
	}

	return page
}

// presentRoles returns the deduplicated set of roles held by the fetched
// members, highest position first, with the guild's base role forced last.
func presentRoles(guildID snowflake.ID, members []guild.Member) []guild.Role {
	seen := make(map[snowflake.ID]bool)
	var roles []guild.Role
	for _, m := range members {
		for _, r := range m.Roles {
			if !seen[r.ID] {
				seen[r.ID] = true
				roles = append(roles, r)
			}
		}
	}

	sort.SliceStable(roles, func(i, j int) bool {
		a, b := roles[i], roles[j]
		if a.ID == guildID != (b.ID == guildID) {
			return b.ID == guildID
		}
		if a.Position != b.Position {
			return a.Position > b.Position
		}
		return a.ID < b.ID
	})

	return roles
}

// renderMember reduces a member to its wire form with effective presence.
// The second return is false when the member belongs in the offline bucket.
func renderMember(guildID snowflake.ID, m guild.Member) (MemberItem, bool) {
	sess, ok := RelevantSession(m.User.Sessions)

	status := guild.StatusOffline
	activities := []guild.Activity{}
	if ok {
		status = sess.Status
		if sess.Activities != nil {
			activities = sess.Activities
		}
	}

	// An offline session displays the user's configured default status;
	// the underlying session record is untouched. Without a configured
	// default the member stays offline and is deferred.
	if status == guild.StatusOffline && ok {
		if s := m.User.Settings.Status; s != "" {
			status = s
		}
	}

	visible := ok && status != guild.StatusInvisible && status != guild.StatusOffline
	if !visible {
		status = guild.StatusOffline
	}

	roleIDs := make([]snowflake.ID, 0, len(m.Roles))
	for _, r := range m.Roles {
		if r.ID != guildID {
			roleIDs = append(roleIDs, r.ID)
		}
	}

	return MemberItem{
		User:  m.User.Public(),
		Nick:  m.Nick,
		Roles: roleIDs,
		Presence: guild.Presence{
			User:       guild.PresenceUser{ID: m.User.ID},
			Status:     status,
			Activities: activities,
		},
	}, visible
}

// RelevantSession picks the most relevant of a user's sessions: the most
// visible status wins, and among equal statuses the session with the
// richer activity payload wins.
//
// Postcondition: Returns (session, true), or (zero, false) when the user
// has no sessions at all.
func RelevantSession(sessions []guild.Session) (guild.Session, bool) {
	if len(sessions) == 0 {
		return guild.Session{}, false
	}

	best := sessions[0]
	for _, s := range sessions[1:] {
		br, sr := guild.StatusRank(best.Status), guild.StatusRank(s.Status)
		if sr < br || (sr == br && len(s.Activities) > len(best.Activities)) {
			best = s
		}
	}
	return best, true
}

// OrderMembers sorts a member page into fetch order: highest role position
// first, then members with any active session, then username ascending.
// The storage layer applies the same ordering in SQL; this function exists
// for in-memory stores and for asserting the contract in tests.
func OrderMembers(members []guild.Member) {
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		ap, bp := a.HighestRolePosition(), b.HighestRolePosition()
		if ap != bp {
			return ap > bp
		}
		aa, ba := a.AnyActiveSession(), b.AnyActiveSession()
		if aa != ba {
			return aa
		}
		return strings.ToLower(a.User.Username) < strings.ToLower(b.User.Username)
	})
}
