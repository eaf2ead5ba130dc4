package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/riftchat/rift/internal/gateway/codec"
	"github.com/riftchat/rift/internal/snowflake"
)

// ErrSessionClosed is returned by sends that were dropped because the
// session is already torn down. Callers may treat it as a no-op signal.
var ErrSessionClosed = errors.New("session closed")

// Conn is the write surface the session needs from the transport. The
// session is the only writer; the transport's read loop runs separately.
type Conn interface {
	// WriteFrame writes one complete frame. binary selects the frame type.
	WriteFrame(data []byte, binary bool) error
	// CloseWithCode sends a close frame with the given code and closes.
	CloseWithCode(code int, reason string) error
}

type outbound struct {
	payload  codec.Payload
	dispatch bool
}

// Session is the per-connection state: negotiated codec, optional
// compression stream, authenticated user, outbound sequence counter, and
// the subscription table. Inbound frames are handled sequentially by the
// transport's read loop; outbound traffic from handlers and from presence
// pushes is serialized through one writer goroutine, which owns the
// sequence counter and the compression stream.
type Session struct {
	ID string

	conn    Conn
	codec   *codec.Codec
	deflate *codec.Deflator
	logger  *zap.Logger

	mu       sync.Mutex
	userID   snowflake.ID
	resumeID string

	out       chan outbound
	done      chan struct{}
	closeOnce sync.Once

	subs *SubscriptionTable

	hbMu       sync.Mutex
	hbTimer    *time.Timer
	hbInterval time.Duration

	seqSent func(int64) // test hook, may be nil
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithDeflate enables outbound zlib compression for the session. The
// session owns the stream and closes it on teardown.
func WithDeflate(d *codec.Deflator) SessionOption {
	return func(s *Session) { s.deflate = d }
}

// WithSequenceObserver registers a callback invoked with each assigned
// sequence number, in send order. Used by tests.
func WithSequenceObserver(fn func(int64)) SessionOption {
	return func(s *Session) { s.seqSent = fn }
}

// NewSession creates a Session and starts its writer goroutine.
//
// Precondition: conn, c, and logger must be non-nil; buffer must be >= 1.
// Postcondition: The session accepts sends until Close is called.
func NewSession(conn Conn, c *codec.Codec, buffer int, logger *zap.Logger, opts ...SessionOption) *Session {
	s := &Session{
		ID:     uuid.NewString(),
		conn:   conn,
		codec:  c,
		logger: logger,
		out:    make(chan outbound, buffer),
		done:   make(chan struct{}),
		subs:   NewSubscriptionTable(),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.writeLoop()
	return s
}

// UserID returns the authenticated user, or zero before identify.
func (s *Session) UserID() snowflake.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Authenticated reports whether identify has completed.
func (s *Session) Authenticated() bool {
	return !s.UserID().IsZero()
}

// BindUser records the authenticated user and the resume token for the
// session. The first bind wins; a second bind returns false.
func (s *Session) BindUser(userID snowflake.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.userID.IsZero() {
		return false
	}
	s.userID = userID
	s.resumeID = uuid.NewString()
	return true
}

// ResumeID returns the token a client presents to resume this session.
func (s *Session) ResumeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeID
}

// Subscriptions returns the session's subscription table.
func (s *Session) Subscriptions() *SubscriptionTable {
	return s.subs
}

// Send enqueues a non-Dispatch frame. Non-Dispatch frames never consume a
// sequence number.
//
// Postcondition: Returns nil, ErrSessionClosed for a torn-down session, or
// closes the connection when the outbound queue is full.
func (s *Session) Send(op Opcode, d any) error {
	return s.enqueue(outbound{payload: codec.Payload{Op: int(op), D: d}})
}

// Dispatch enqueues a Dispatch-class frame carrying the named event. The
// writer goroutine assigns the sequence number in send order, so sequence
// numbers are strictly increasing by one per connection no matter how many
// presence pushes interleave with handler replies.
func (s *Session) Dispatch(event string, d any) error {
	return s.enqueue(outbound{
		payload:  codec.Payload{Op: int(OpDispatch), T: event, D: d},
		dispatch: true,
	})
}

func (s *Session) enqueue(msg outbound) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.out <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		// A slow consumer does not get unbounded buffering.
		s.logger.Warn("outbound queue full, closing connection",
			zap.String("session_id", s.ID),
		)
		s.Close(CloseRateLimited, "outbound queue overflow")
		return ErrSessionClosed
	}
}

func (s *Session) writeLoop() {
	var seq int64
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.out:
			if msg.dispatch {
				n := seq
				msg.payload.S = &n
				seq++
				if s.seqSent != nil {
					s.seqSent(n)
				}
			}

			data, err := s.codec.Encode(&msg.payload)
			if err != nil {
				s.logger.Error("encoding outbound frame",
					zap.String("session_id", s.ID),
					zap.Error(err),
				)
				s.Close(CloseUnknownError, "encode failure")
				return
			}

			binary := s.codec.Encoding() == codec.EncodingBinary
			if s.deflate != nil {
				if data, err = s.deflate.Compress(data); err != nil {
					s.logger.Error("compressing outbound frame",
						zap.String("session_id", s.ID),
						zap.Error(err),
					)
					s.Close(CloseUnknownError, "compress failure")
					return
				}
				binary = true
			}

			if err := s.conn.WriteFrame(data, binary); err != nil {
				s.logger.Debug("write failed, closing connection",
					zap.String("session_id", s.ID),
					zap.Error(err),
				)
				s.Close(CloseUnknownError, "write failure")
				return
			}
		}
	}
}

// StartHeartbeatWatchdog closes the connection when no heartbeat arrives
// within twice the advertised interval.
func (s *Session) StartHeartbeatWatchdog(interval time.Duration) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	s.hbInterval = interval
	s.hbTimer = time.AfterFunc(2*interval, func() {
		s.logger.Info("heartbeat timeout",
			zap.String("session_id", s.ID),
		)
		s.Close(CloseSessionTimeout, "heartbeat timeout")
	})
}

// TouchHeartbeat resets the heartbeat watchdog.
func (s *Session) TouchHeartbeat() {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.hbTimer != nil {
		s.hbTimer.Reset(2 * s.hbInterval)
	}
}

// Close tears the session down exactly once: the close frame is sent, the
// writer stops, every subscription is released, and the compression stream
// is closed. Further sends are safe no-ops.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)

		s.hbMu.Lock()
		if s.hbTimer != nil {
			s.hbTimer.Stop()
		}
		s.hbMu.Unlock()

		s.subs.Release()

		if s.deflate != nil {
			_ = s.deflate.Close()
		}

		if err := s.conn.CloseWithCode(code, reason); err != nil {
			s.logger.Debug("closing connection",
				zap.String("session_id", s.ID),
				zap.Error(err),
			)
		}

		s.logger.Info("session closed",
			zap.String("session_id", s.ID),
			zap.Int("code", code),
			zap.String("reason", reason),
		)
	})
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
