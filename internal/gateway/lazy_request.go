package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/riftchat/rift/internal/auth"
	"github.com/riftchat/rift/internal/eventbus"
	"github.com/riftchat/rift/internal/gateway/codec"
	"github.com/riftchat/rift/internal/memberlist"
	"github.com/riftchat/rift/internal/snowflake"
)

const (
	defaultRangeLimit = 100
	maxRangeLimit     = 1000
)

type lazyRequestBody struct {
	GuildID    snowflake.ID         `json:"guild_id"`
	Channels   map[string][][]int64 `json:"channels"`
	Typing     bool                 `json:"typing"`
	Activities bool                 `json:"activities"`
}

type memberListOp struct {
	Op    string            `json:"op" msgpack:"op"`
	Range []int64           `json:"range" msgpack:"range"`
	Items []memberlist.Item `json:"items" msgpack:"items"`
}

type memberListUpdate struct {
	Ops         []memberListOp     `json:"ops" msgpack:"ops"`
	OnlineCount int                `json:"online_count" msgpack:"online_count"`
	MemberCount int                `json:"member_count" msgpack:"member_count"`
	ID          string             `json:"id" msgpack:"id"`
	GuildID     snowflake.ID       `json:"guild_id" msgpack:"guild_id"`
	Groups      []memberlist.Group `json:"groups" msgpack:"groups"`
}

// onLazyRequest serves the paginated member-list synchronization feed: it
// computes a grouped snapshot per requested range and subscribes the
// connection to presence changes for every member it surfaces.
func (h *Handlers) onLazyRequest(ctx context.Context, s *Session, body any) error {
	if !s.Authenticated() {
		return errNotAuthenticated
	}

	var req lazyRequestBody
	if err := codec.Bind(body, &req); err != nil {
		return err
	}
	if req.GuildID.IsZero() {
		return fmt.Errorf("%w: lazy request without guild id", codec.ErrDecode)
	}

	channelID, ranges, ok := firstChannel(req.Channels)
	if !ok {
		// Nothing requested; mirror upstream by treating this as a no-op.
		return nil
	}

	perms, err := h.perms.Permission(ctx, s.UserID(), req.GuildID, channelID)
	if err != nil {
		return fmt.Errorf("resolving member list permissions: %w", err)
	}
	if err := perms.HasThrow(auth.PermissionViewChannel); err != nil {
		return err
	}

	memberCount, err := h.store.CountMembers(ctx, req.GuildID)
	if err != nil {
		return fmt.Errorf("counting guild members: %w", err)
	}

	ops := make([]memberListOp, 0, len(ranges))
	pages := make([]memberlist.Page, 0, len(ranges))
	for _, rng := range ranges {
		offset, limit, err := parseRange(rng)
		if err != nil {
			return err
		}

		page := h.fetchRange(ctx, req.GuildID, offset, limit)
		metricLazyRanges.Inc()

		items := page.Items
		if items == nil {
			items = []memberlist.Item{}
		}
		ops = append(ops, memberListOp{
			Op:    "SYNC",
			Range: []int64{int64(offset), int64(limit)},
			Items: items,
		})
		pages = append(pages, page)
	}

	// Subscribe every surfaced member at most once per connection, so
	// presence changes for visible members are pushed without polling.
	for _, page := range pages {
		for _, m := range page.Members {
			h.subscribePresence(s, m.User.ID)
		}
	}

	groups := make([]memberlist.Group, 0)
	seen := make(map[string]bool)
	offlineCount := 0
	for _, page := range pages {
		for _, g := range page.Groups {
			if g.ID == memberlist.GroupOffline && offlineCount == 0 {
				offlineCount = g.Count
			}
			if !seen[g.ID] {
				seen[g.ID] = true
				groups = append(groups, g)
			}
		}
	}

	return s.Dispatch(EventGuildMemberListUpdate, memberListUpdate{
		Ops:         ops,
		OnlineCount: memberCount - offlineCount,
		MemberCount: memberCount,
		ID:          "everyone",
		GuildID:     req.GuildID,
		Groups:      groups,
	})
}

// fetchRange computes one range's page. A storage failure degrades the
// range to an empty page so sibling ranges in the same request still
// return data.
func (h *Handlers) fetchRange(ctx context.Context, guildID snowflake.ID, offset, limit int) memberlist.Page {
	members, err := h.store.MemberPage(ctx, guildID, offset, limit)
	if err != nil {
		h.logger.Error("member page fetch failed",
			zap.String("guild_id", guildID.String()),
			zap.Int("offset", offset),
			zap.Int("limit", limit),
			zap.Error(err),
		)
		return memberlist.Page{}
	}
	return memberlist.Sync(guildID, members)
}

// subscribePresence binds a presence-update callback for the subject on
// this connection, unless one already exists in either subscription table.
func (h *Handlers) subscribePresence(s *Session, subject snowflake.ID) {
	added, err := s.Subscriptions().SubscribeMember(h.bus, subject, func(evt eventbus.Event) {
		// Deliveries ride the session's outbound queue; a send after
		// close is a safe no-op.
		_ = s.Dispatch(evt.Type, evt.Data)
	})
	if err != nil {
		h.logger.Error("presence subscription failed",
			zap.String("session_id", s.ID),
			zap.String("subject", subject.String()),
			zap.Error(err),
		)
		return
	}
	if added {
		h.logger.Debug("presence subscription added",
			zap.String("session_id", s.ID),
			zap.String("subject", subject.String()),
		)
	}
}

// firstChannel picks the requested channel and its ranges. Only one
// channel per request is honoured, matching the client protocol.
func firstChannel(channels map[string][][]int64) (snowflake.ID, [][]int64, bool) {
	for raw, ranges := range channels {
		id, err := snowflake.Parse(raw)
		if err != nil {
			continue
		}
		return id, ranges, true
	}
	return 0, nil, false
}

// parseRange validates one [offset, limit] pair.
func parseRange(rng []int64) (offset, limit int, err error) {
	if len(rng) != 2 {
		return 0, 0, fmt.Errorf("%w: range must be [offset, limit], got %v", codec.ErrDecode, rng)
	}
	offset = int(rng[0])
	limit = int(rng[1])
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultRangeLimit
	}
	if limit > maxRangeLimit {
		limit = maxRangeLimit
	}
	return offset, limit, nil
}
