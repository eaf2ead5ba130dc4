package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/riftchat/rift/internal/auth"
	"github.com/riftchat/rift/internal/eventbus"
	"github.com/riftchat/rift/internal/gateway/codec"
	"github.com/riftchat/rift/internal/guild"
	"github.com/riftchat/rift/internal/snowflake"
)

// fakeConn records written frames and close calls.
type fakeConn struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeCode int
	writeErr  error
}

func (c *fakeConn) WriteFrame(data []byte, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) CloseWithCode(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	return nil
}

func (c *fakeConn) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// payloads decodes every captured frame as JSON.
func (c *fakeConn) payloads(t *testing.T) []codec.Payload {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]codec.Payload, 0, len(c.frames))
	for _, frame := range c.frames {
		var p codec.Payload
		if err := json.Unmarshal(frame, &p); err != nil {
			t.Fatalf("decoding captured frame %q: %v", frame, err)
		}
		out = append(out, p)
	}
	return out
}

// waitFrames blocks until the writer goroutine has flushed n frames.
func (c *fakeConn) waitFrames(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.frames)
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames", n)
}

func newTestSession(t *testing.T, opts ...SessionOption) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	c, err := codec.Negotiate("json", nil)
	if err != nil {
		t.Fatalf("negotiating codec: %v", err)
	}
	s := NewSession(conn, c, 256, zap.NewNop(), opts...)
	t.Cleanup(func() { s.Close(CloseUnknownError, "test teardown") })
	return s, conn
}

// fakeStore serves canned member pages keyed by offset.
type fakeStore struct {
	mu      sync.Mutex
	pages   map[int][]guild.Member
	count   int
	pageErr map[int]error
	calls   int
}

func (f *fakeStore) MemberPage(_ context.Context, _ snowflake.ID, offset, _ int) ([]guild.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.pageErr[offset]; err != nil {
		return nil, err
	}
	return f.pages[offset], nil
}

func (f *fakeStore) CountMembers(context.Context, snowflake.ID) (int, error) {
	return f.count, nil
}

func (f *fakeStore) SearchMembers(_ context.Context, _ snowflake.ID, query string, userIDs []snowflake.ID, limit int) ([]guild.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []guild.Member
	for _, page := range f.pages {
		out = append(out, page...)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var errStorage = errors.New("storage unavailable")

const (
	testGuild   = snowflake.ID(500)
	testChannel = snowflake.ID(600)
)

func testEveryone() guild.Role {
	return guild.Role{ID: testGuild, GuildID: testGuild, Name: "everyone", Position: 0}
}

func testMember(id snowflake.ID, name, status string, roles ...guild.Role) guild.Member {
	var sessions []guild.Session
	if status != "" {
		sessions = []guild.Session{{SessionID: name + "-s", UserID: id, Status: status}}
	}
	return guild.Member{
		GuildID: testGuild,
		Roles:   append(roles, testEveryone()),
		User: guild.User{
			ID:       id,
			Username: name,
			Sessions: sessions,
		},
	}
}

func newTestHandlers(store MemberStore, bus *eventbus.Bus) *Handlers {
	return NewHandlers(
		auth.StaticAuthenticator{Tokens: map[string]auth.Identity{
			"token-1": {UserID: 42},
		}},
		auth.StaticPermissions{Set: auth.PermissionViewChannel | auth.PermissionConnect},
		store,
		bus,
		zap.NewNop(),
		45*time.Second,
	)
}

func identifiedSession(t *testing.T, opts ...SessionOption) (*Session, *fakeConn) {
	t.Helper()
	s, conn := newTestSession(t, opts...)
	if !s.BindUser(42) {
		t.Fatal("binding test user")
	}
	return s, conn
}
