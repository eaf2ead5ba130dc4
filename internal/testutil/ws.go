package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/riftchat/rift/internal/gateway/codec"
)

// GatewayClient is a WebSocket test client speaking the gateway's JSON
// encoding, for integration testing the accept path.
type GatewayClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewGatewayClient dials the given ws:// URL and returns a test client.
//
// Precondition: url must point at a listening gateway endpoint.
// Postcondition: Returns a connected GatewayClient or fails the test.
func NewGatewayClient(t *testing.T, url string) *GatewayClient {
	t.Helper()
	start := time.Now()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v [%s]", url, err, time.Since(start))
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.Cleanup(func() {
		_ = conn.Close()
	})

	t.Logf("gateway client connected to %s [%s]", url, time.Since(start))
	return &GatewayClient{conn: conn, t: t}
}

// SendPayload writes one JSON payload frame.
//
// Postcondition: The frame is written, or the test fails.
func (c *GatewayClient) SendPayload(op int, d any) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(codec.Payload{Op: op, D: d}); err != nil {
		c.t.Fatalf("sending op %d: %v", op, err)
	}
}

// ReadPayload reads the next frame and decodes it as JSON.
//
// Postcondition: Returns the decoded payload, or fails on timeout.
func (c *GatewayClient) ReadPayload(timeout time.Duration) codec.Payload {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading payload: %v", err)
	}
	var p codec.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		c.t.Fatalf("decoding payload %q: %v", data, err)
	}
	return p
}

// ReadUntilOp reads frames until one matches op or the timeout elapses.
//
// Postcondition: Returns the first matching payload, or fails the test.
func (c *GatewayClient) ReadUntilOp(op int, timeout time.Duration) codec.Payload {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		p := c.ReadPayload(time.Until(deadline))
		if p.Op == op {
			return p
		}
	}
	c.t.Fatalf("no frame with op %d within %s", op, timeout)
	return codec.Payload{}
}

// ExpectClose asserts the server closes the connection with the given
// close code.
func (c *GatewayClient) ExpectClose(code int, timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		if closeErr, ok := err.(*websocket.CloseError); ok {
			if closeErr.Code != code {
				c.t.Fatalf("closed with code %d, want %d", closeErr.Code, code)
			}
			return
		}
		c.t.Fatalf("expected close %d, got: %v", code, err)
	}
}
