package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/riftchat/rift/internal/auth"
	"github.com/riftchat/rift/internal/config"
	"github.com/riftchat/rift/internal/eventbus"
	"github.com/riftchat/rift/internal/gateway"
	"github.com/riftchat/rift/internal/gateway/codec"
	"github.com/riftchat/rift/internal/guild"
	"github.com/riftchat/rift/internal/snowflake"
	"github.com/riftchat/rift/internal/testutil"
)

// emptyStore serves an empty member directory.
type emptyStore struct{}

func (emptyStore) MemberPage(context.Context, snowflake.ID, int, int) ([]guild.Member, error) {
	return nil, nil
}

func (emptyStore) CountMembers(context.Context, snowflake.ID) (int, error) {
	return 0, nil
}

func (emptyStore) SearchMembers(context.Context, snowflake.ID, string, []snowflake.ID, int) ([]guild.Member, error) {
	return nil, nil
}

func startGateway(t *testing.T, binary codec.BinaryCodec) *GatewayServer {
	t.Helper()

	handlers := gateway.NewHandlers(
		auth.StaticAuthenticator{Tokens: map[string]auth.Identity{
			"token-1": {UserID: 42},
		}},
		auth.StaticPermissions{Set: auth.PermissionViewChannel | auth.PermissionConnect},
		emptyStore{},
		eventbus.New(),
		zap.NewNop(),
		45*time.Second,
	)
	registry := gateway.NewRegistry()
	require.NoError(t, handlers.Register(registry))
	dispatcher := gateway.NewDispatcher(registry, otel.Tracer("server-test"), zap.NewNop())

	srv := NewGatewayServer(config.GatewayConfig{
		Host:              "127.0.0.1",
		Port:              0,
		HeartbeatInterval: 45 * time.Second,
		WriteTimeout:      5 * time.Second,
		OutboundBuffer:    64,
		MaxFrameBytes:     1 << 20,
	}, handlers, dispatcher, binary, zap.NewNop())

	go func() {
		if err := srv.Start(); err != nil {
			t.Errorf("gateway server: %v", err)
		}
	}()
	t.Cleanup(srv.Stop)

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("gateway server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv
}

func TestGatewayServer_HelloOnConnect(t *testing.T) {
	srv := startGateway(t, nil)
	client := testutil.NewGatewayClient(t, "ws://"+srv.Addr()+"/?encoding=json")

	hello := client.ReadPayload(5 * time.Second)
	assert.Equal(t, int(gateway.OpHello), hello.Op)

	body := hello.D.(map[string]any)
	assert.Equal(t, float64(45000), body["heartbeat_interval"])
}

func TestGatewayServer_IdentifyReady(t *testing.T) {
	srv := startGateway(t, nil)
	client := testutil.NewGatewayClient(t, "ws://"+srv.Addr()+"/")

	client.ReadUntilOp(int(gateway.OpHello), 5*time.Second)
	client.SendPayload(int(gateway.OpIdentify), map[string]any{"token": "token-1"})

	ready := client.ReadUntilOp(int(gateway.OpDispatch), 5*time.Second)
	assert.Equal(t, gateway.EventReady, ready.T)
	require.NotNil(t, ready.S)
	assert.Equal(t, int64(0), *ready.S)

	body := ready.D.(map[string]any)
	user := body["user"].(map[string]any)
	assert.Equal(t, "42", user["id"])
}

func TestGatewayServer_HeartbeatAck(t *testing.T) {
	srv := startGateway(t, nil)
	client := testutil.NewGatewayClient(t, "ws://"+srv.Addr()+"/")

	client.ReadUntilOp(int(gateway.OpHello), 5*time.Second)
	client.SendPayload(int(gateway.OpHeartbeat), nil)

	ack := client.ReadUntilOp(int(gateway.OpHeartbeatAck), 5*time.Second)
	assert.Nil(t, ack.S)
}

func TestGatewayServer_BadTokenCloses(t *testing.T) {
	srv := startGateway(t, nil)
	client := testutil.NewGatewayClient(t, "ws://"+srv.Addr()+"/")

	client.ReadUntilOp(int(gateway.OpHello), 5*time.Second)
	client.SendPayload(int(gateway.OpIdentify), map[string]any{"token": "wrong"})

	client.ExpectClose(gateway.CloseAuthFailed, 5*time.Second)
}

func TestGatewayServer_MalformedFrameCloses(t *testing.T) {
	srv := startGateway(t, nil)
	client := testutil.NewGatewayClient(t, "ws://"+srv.Addr()+"/")

	client.ReadUntilOp(int(gateway.OpHello), 5*time.Second)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	raw, _, err := dialer.Dial("ws://"+srv.Addr()+"/", nil)
	require.NoError(t, err)
	defer raw.Close()
	_, _, err = raw.ReadMessage() // hello
	require.NoError(t, err)

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte("not json")))

	_ = raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := raw.ReadMessage()
		if err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			require.True(t, ok, "expected close error, got %v", err)
			assert.Equal(t, gateway.CloseDecodeError, closeErr.Code)
			return
		}
	}
}

func TestGatewayServer_UnknownEncodingRejected(t *testing.T) {
	srv := startGateway(t, nil)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	_, resp, err := dialer.Dial("ws://"+srv.Addr()+"/?encoding=etf", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGatewayServer_BinaryWithoutCodecRejected(t *testing.T) {
	srv := startGateway(t, nil)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	_, resp, err := dialer.Dial("ws://"+srv.Addr()+"/?encoding=binary", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGatewayServer_BinaryEncoding(t *testing.T) {
	srv := startGateway(t, codec.Msgpack{})

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	raw, resp, err := dialer.Dial("ws://"+srv.Addr()+"/?encoding=binary", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	defer raw.Close()

	_ = raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, data, err := raw.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)

	c, err := codec.Negotiate("binary", codec.Msgpack{})
	require.NoError(t, err)
	hello, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int(gateway.OpHello), hello.Op)
}

func TestGatewayServer_ZlibStream(t *testing.T) {
	srv := startGateway(t, nil)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	raw, resp, err := dialer.Dial("ws://"+srv.Addr()+"/?encoding=json&compress=zlib-stream", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	defer raw.Close()

	_ = raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, data, err := raw.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)

	inflated, err := codec.Inflate(data)
	require.NoError(t, err)

	c, err := codec.Negotiate("json", nil)
	require.NoError(t, err)
	hello, err := c.Decode(inflated)
	require.NoError(t, err)
	assert.Equal(t, int(gateway.OpHello), hello.Op)
}
