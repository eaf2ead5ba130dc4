package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/riftchat/rift/internal/auth"
	"github.com/riftchat/rift/internal/eventbus"
	"github.com/riftchat/rift/internal/gateway/codec"
	"github.com/riftchat/rift/internal/guild"
	"github.com/riftchat/rift/internal/snowflake"
)

func lazyBody(ranges ...[]int64) map[string]any {
	rs := make([]any, 0, len(ranges))
	for _, r := range ranges {
		rs = append(rs, []any{r[0], r[1]})
	}
	return map[string]any{
		"guild_id": testGuild.String(),
		"channels": map[string]any{testChannel.String(): rs},
	}
}

func canonicalStore() *fakeStore {
	mods := guild.Role{ID: 1, GuildID: testGuild, Name: "mods", Position: 2}
	crew := guild.Role{ID: 2, GuildID: testGuild, Name: "crew", Position: 1}
	return &fakeStore{
		pages: map[int][]guild.Member{
			0: {
				testMember(10, "alice", guild.StatusOnline, mods),
				testMember(11, "bob", guild.StatusOnline, crew),
				testMember(12, "carol", guild.StatusOnline),
				testMember(13, "dave", ""),
			},
		},
		count: 4,
	}
}

func listUpdate(t *testing.T, conn *fakeConn) map[string]any {
	t.Helper()
	conn.waitFrames(t, 1)
	frames := conn.payloads(t)
	require.Len(t, frames, 1)
	require.Equal(t, EventGuildMemberListUpdate, frames[0].T)
	body, ok := frames[0].D.(map[string]any)
	require.True(t, ok)
	return body
}

// itemLabels flattens a decoded items array into "group:<id>" and
// "member:<username>" labels for order assertions.
func itemLabels(t *testing.T, items []any) []string {
	t.Helper()
	out := make([]string, 0, len(items))
	for _, raw := range items {
		item := raw.(map[string]any)
		if g, ok := item["group"].(map[string]any); ok {
			out = append(out, "group:"+g["id"].(string))
			continue
		}
		m, ok := item["member"].(map[string]any)
		require.True(t, ok, "item is neither group nor member: %v", item)
		user := m["user"].(map[string]any)
		out = append(out, "member:"+user["username"].(string))
	}
	return out
}

func TestOnLazyRequest_CanonicalOrdering(t *testing.T) {
	h := newTestHandlers(canonicalStore(), eventbus.New())
	s, conn := identifiedSession(t)

	require.NoError(t, h.onLazyRequest(context.Background(), s, lazyBody([]int64{0, 100})))
	body := listUpdate(t, conn)

	ops := body["ops"].([]any)
	require.Len(t, ops, 1)
	op := ops[0].(map[string]any)
	assert.Equal(t, "SYNC", op["op"])
	assert.Equal(t, []any{float64(0), float64(100)}, op["range"])

	assert.Equal(t, []string{
		"group:1", "member:alice",
		"group:2", "member:bob",
		"group:online", "member:carol",
		"group:offline", "member:dave",
	}, itemLabels(t, op["items"].([]any)))
}

func TestOnLazyRequest_Counts(t *testing.T) {
	h := newTestHandlers(canonicalStore(), eventbus.New())
	s, conn := identifiedSession(t)

	require.NoError(t, h.onLazyRequest(context.Background(), s, lazyBody([]int64{0, 100})))
	body := listUpdate(t, conn)

	assert.Equal(t, float64(4), body["member_count"])
	// One offline member, so three are counted online.
	assert.Equal(t, float64(3), body["online_count"])
	assert.Equal(t, "everyone", body["id"])
	assert.Equal(t, testGuild.String(), body["guild_id"])

	groups := body["groups"].([]any)
	ids := make([]string, 0, len(groups))
	for _, raw := range groups {
		ids = append(ids, raw.(map[string]any)["id"].(string))
	}
	assert.Equal(t, []string{"1", "2", "online", "offline"}, ids)
}

func TestOnLazyRequest_SubscribesEachMemberOnce(t *testing.T) {
	bus := eventbus.New()
	store := canonicalStore()
	// Second range overlaps the first: alice appears in both.
	store.pages[2] = []guild.Member{
		testMember(10, "alice", guild.StatusOnline, guild.Role{ID: 1, GuildID: testGuild, Name: "mods", Position: 2}),
		testMember(13, "dave", ""),
	}
	h := newTestHandlers(store, bus)
	s, conn := identifiedSession(t)

	body := lazyBody([]int64{0, 2}, []int64{2, 2})
	require.NoError(t, h.onLazyRequest(context.Background(), s, body))

	assert.Equal(t, 1, bus.SubscriberCount(10), "overlapping ranges must not double-subscribe")
	assert.Equal(t, 1, bus.SubscriberCount(11))

	// A repeated request is also idempotent.
	require.NoError(t, h.onLazyRequest(context.Background(), s, body))
	assert.Equal(t, 1, bus.SubscriberCount(10))

	conn.waitFrames(t, 2)
}

func TestOnLazyRequest_SubscriptionDeliversPresence(t *testing.T) {
	bus := eventbus.New()
	h := newTestHandlers(canonicalStore(), bus)
	s, conn := identifiedSession(t)

	require.NoError(t, h.onLazyRequest(context.Background(), s, lazyBody([]int64{0, 100})))
	conn.waitFrames(t, 1)

	bus.Publish(eventbus.Event{
		Type:    EventPresenceUpdate,
		Subject: 10,
		Data:    guild.Presence{User: guild.PresenceUser{ID: 10}, Status: guild.StatusDND},
	})
	conn.waitFrames(t, 2)

	frames := conn.payloads(t)
	last := frames[len(frames)-1]
	assert.Equal(t, EventPresenceUpdate, last.T)
	presence := last.D.(map[string]any)
	assert.Equal(t, guild.StatusDND, presence["status"])
}

func TestOnLazyRequest_RangeFailureDegradesToEmpty(t *testing.T) {
	store := canonicalStore()
	store.pageErr = map[int]error{200: errStorage}
	h := newTestHandlers(store, eventbus.New())
	s, conn := identifiedSession(t)

	err := h.onLazyRequest(context.Background(), s, lazyBody([]int64{0, 100}, []int64{200, 100}))
	require.NoError(t, err, "a failed range must not fail the request")
	body := listUpdate(t, conn)

	ops := body["ops"].([]any)
	require.Len(t, ops, 2)

	healthy := ops[0].(map[string]any)
	assert.NotEmpty(t, healthy["items"], "sibling range still returns data")

	degraded := ops[1].(map[string]any)
	assert.Empty(t, degraded["items"])
	assert.Equal(t, []any{float64(200), float64(100)}, degraded["range"])
}

func TestOnLazyRequest_RequiresAuth(t *testing.T) {
	h := newTestHandlers(canonicalStore(), eventbus.New())
	s, _ := newTestSession(t)

	err := h.onLazyRequest(context.Background(), s, lazyBody([]int64{0, 100}))
	assert.ErrorIs(t, err, errNotAuthenticated)
}

func TestOnLazyRequest_RequiresGuild(t *testing.T) {
	h := newTestHandlers(canonicalStore(), eventbus.New())
	s, _ := identifiedSession(t)

	err := h.onLazyRequest(context.Background(), s, map[string]any{
		"channels": map[string]any{testChannel.String(): []any{[]any{0, 100}}},
	})
	assert.ErrorIs(t, err, codec.ErrDecode)
}

func TestOnLazyRequest_NoChannelsIsNoOp(t *testing.T) {
	h := newTestHandlers(canonicalStore(), eventbus.New())
	s, conn := identifiedSession(t)

	err := h.onLazyRequest(context.Background(), s, map[string]any{
		"guild_id": testGuild.String(),
	})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, conn.payloads(t))
}

func TestOnLazyRequest_PermissionDenied(t *testing.T) {
	h := NewHandlers(
		auth.StaticAuthenticator{Tokens: map[string]auth.Identity{"token-1": {UserID: 42}}},
		auth.StaticPermissions{Set: auth.PermissionConnect}, // no ViewChannel
		canonicalStore(),
		eventbus.New(),
		zap.NewNop(),
		45*time.Second,
	)
	s, _ := identifiedSession(t)

	err := h.onLazyRequest(context.Background(), s, lazyBody([]int64{0, 100}))
	assert.ErrorIs(t, err, auth.ErrMissingPermission)
}

func TestOnLazyRequest_MalformedRange(t *testing.T) {
	h := newTestHandlers(canonicalStore(), eventbus.New())
	s, _ := identifiedSession(t)

	err := h.onLazyRequest(context.Background(), s, map[string]any{
		"guild_id": testGuild.String(),
		"channels": map[string]any{testChannel.String(): []any{[]any{0, 100, 7}}},
	})
	assert.ErrorIs(t, err, codec.ErrDecode)
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		name       string
		rng        []int64
		wantOffset int
		wantLimit  int
		wantErr    bool
	}{
		{"plain", []int64{100, 200}, 100, 200, false},
		{"negative offset clamped", []int64{-5, 50}, 0, 50, false},
		{"zero limit defaulted", []int64{0, 0}, 0, defaultRangeLimit, false},
		{"oversized limit clamped", []int64{0, 5000}, 0, maxRangeLimit, false},
		{"too short", []int64{0}, 0, 0, true},
		{"too long", []int64{0, 1, 2}, 0, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			offset, limit, err := parseRange(tc.rng)
			if tc.wantErr {
				assert.ErrorIs(t, err, codec.ErrDecode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantOffset, offset)
			assert.Equal(t, tc.wantLimit, limit)
		})
	}
}

func TestFirstChannel(t *testing.T) {
	id, ranges, ok := firstChannel(map[string][][]int64{
		"600": {{0, 100}},
	})
	require.True(t, ok)
	assert.Equal(t, snowflake.ID(600), id)
	assert.Equal(t, [][]int64{{0, 100}}, ranges)

	_, _, ok = firstChannel(nil)
	assert.False(t, ok)

	// Unparseable keys are skipped.
	_, _, ok = firstChannel(map[string][][]int64{"not-a-snowflake": {{0, 1}}})
	assert.False(t, ok)
}
