package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/riftchat/rift/internal/config"
	"github.com/riftchat/rift/internal/gateway"
	"github.com/riftchat/rift/internal/gateway/codec"
)

// GatewayServer accepts WebSocket connections and drives one session per
// connection: codec negotiation on the query string, the hello frame, a
// sequential read loop into the dispatcher, and teardown.
type GatewayServer struct {
	cfg        config.GatewayConfig
	handlers   *gateway.Handlers
	dispatcher *gateway.Dispatcher
	binary     codec.BinaryCodec
	logger     *zap.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewGatewayServer creates a GatewayServer.
//
// Precondition: handlers, dispatcher, and logger must be non-nil. binary
// may be nil when no binary codec is offered.
func NewGatewayServer(
	cfg config.GatewayConfig,
	handlers *gateway.Handlers,
	dispatcher *gateway.Dispatcher,
	binary codec.BinaryCodec,
	logger *zap.Logger,
) *GatewayServer {
	s := &GatewayServer{
		cfg:        cfg,
		handlers:   handlers,
		dispatcher: dispatcher,
		binary:     binary,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement belongs to the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConnect)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start listens on the configured address and serves connections. It
// blocks until Stop is called or the listener fails.
//
// Postcondition: Addr() reports the bound address once Start has begun
// serving.
func (s *GatewayServer) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("gateway listening",
		zap.String("addr", lis.Addr().String()),
	)

	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down, waiting briefly for in-flight upgrades.
func (s *GatewayServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("gateway shutdown", zap.Error(err))
	}
}

// Addr returns the bound listen address, or "" before Start.
func (s *GatewayServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *GatewayServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	encoding := query.Get("encoding")
	compress := query.Get("compress") == "zlib-stream"

	// Negotiation failures reject the upgrade; a client asking for an
	// unavailable codec must never silently receive another one.
	c, err := codec.Negotiate(encoding, s.binary)
	if err != nil {
		s.logger.Warn("rejecting upgrade",
			zap.String("encoding", encoding),
			zap.Error(err),
		)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	if s.cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxFrameBytes)
	}

	opts := make([]gateway.SessionOption, 0, 1)
	if compress {
		opts = append(opts, gateway.WithDeflate(codec.NewDeflator()))
	}

	sess := gateway.NewSession(
		&wsConn{conn: conn, writeTimeout: s.cfg.WriteTimeout},
		c,
		s.cfg.OutboundBuffer,
		s.logger,
		opts...,
	)
	gateway.ConnectionOpened()
	s.logger.Info("connection accepted",
		zap.String("session_id", sess.ID),
		zap.String("remote", conn.RemoteAddr().String()),
		zap.String("encoding", string(c.Encoding())),
		zap.Bool("compress", compress),
	)

	if err := s.handlers.SendHello(sess); err != nil {
		s.logger.Warn("sending hello", zap.String("session_id", sess.ID), zap.Error(err))
		sess.Close(gateway.CloseUnknownError, "hello failed")
		gateway.ConnectionClosed()
		return
	}
	sess.StartHeartbeatWatchdog(s.cfg.HeartbeatInterval)

	// The request context dies with the handler; the session outlives it.
	go s.readLoop(context.Background(), sess, conn, c)
}

// readLoop decodes inbound frames sequentially, preserving the client's
// send order through the dispatcher.
func (s *GatewayServer) readLoop(ctx context.Context, sess *gateway.Session, conn *websocket.Conn, c *codec.Codec) {
	defer func() {
		sess.Close(websocket.CloseNormalClosure, "connection closed")
		s.handlers.DropSession(context.Background(), sess)
		gateway.ConnectionClosed()
		s.logger.Info("connection closed", zap.String("session_id", sess.ID))
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed",
					zap.String("session_id", sess.ID),
					zap.Error(err),
				)
			}
			return
		}
		if len(data) == 0 {
			continue
		}

		// Clients may deflate individual frames regardless of the
		// negotiated outbound compression.
		if data[0] != '{' {
			if inflated, err := codec.Inflate(data); err == nil {
				data = inflated
			}
		}

		p, err := c.Decode(data)
		if err != nil {
			s.logger.Warn("undecodable frame",
				zap.String("session_id", sess.ID),
				zap.Error(err),
			)
			sess.Close(gateway.CloseDecodeError, "decode error")
			return
		}

		s.dispatcher.Dispatch(ctx, sess, p)
		if sess.Closed() {
			return
		}
	}
}

// wsConn adapts a gorilla connection to the session's frame writer. The
// mutex serializes data frames with close control frames.
type wsConn struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) WriteFrame(data []byte, binary bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Close frame payloads cap at 125 bytes including the code.
	if len(reason) > 120 {
		reason = reason[:120]
	}
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	return c.conn.Close()
}
