package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/riftchat/rift/internal/auth"
	"github.com/riftchat/rift/internal/gateway/codec"
)

// HandlerFunc processes one validated payload body for a session. A
// returned error, or a panic, fails the connection; it never escapes the
// dispatcher.
type HandlerFunc func(ctx context.Context, s *Session, body any) error

// Registry maps opcodes to their handlers.
type Registry struct {
	handlers map[Opcode]HandlerFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Opcode]HandlerFunc)}
}

// Register binds a handler to an opcode.
//
// Precondition: fn must be non-nil.
// Postcondition: Returns an error on a duplicate registration.
func (r *Registry) Register(op Opcode, fn HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("nil handler for opcode %s", op)
	}
	if _, exists := r.handlers[op]; exists {
		return fmt.Errorf("duplicate handler for opcode %s", op)
	}
	r.handlers[op] = fn
	return nil
}

// Resolve looks up the handler for an opcode.
//
// Postcondition: Returns (handler, true) if registered, or (nil, false).
func (r *Registry) Resolve(op Opcode) (HandlerFunc, bool) {
	fn, ok := r.handlers[op]
	return fn, ok
}

// Dispatcher routes decoded payloads to opcode handlers with failure
// isolation: a handler can fail its own connection but never the dispatch
// loop.
type Dispatcher struct {
	registry *Registry
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher.
//
// Precondition: registry, tracer, and logger must be non-nil.
func NewDispatcher(registry *Registry, tracer trace.Tracer, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		tracer:   tracer,
		logger:   logger,
	}
}

// Dispatch validates one decoded payload and runs its handler.
//
// A malformed envelope closes the connection with the decode-error code.
// An unrecognised opcode is a forward-compatible no-op: logged, counted,
// connection left open, no handler run. A handler error or panic closes
// the connection with a code matching the failure class, attributed on a
// span named for the opcode with the token field redacted.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, p *codec.Payload) {
	if err := ValidatePayload(p); err != nil {
		d.logger.Warn("malformed payload",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
		metricDispatches.WithLabelValues("invalid", "decode_error").Inc()
		closeCounted(s, CloseDecodeError, "malformed payload")
		return
	}

	op := Opcode(p.Op)
	fn, ok := d.registry.Resolve(op)
	if !ok {
		d.logger.Warn("unknown opcode",
			zap.Int("op", p.Op),
			zap.String("session_id", s.ID),
		)
		metricDispatches.WithLabelValues(op.String(), "unknown_opcode").Inc()
		return
	}

	// Heartbeats are the hot path and carry nothing worth tracing.
	if op == OpHeartbeat {
		d.run(ctx, s, op, fn, p.D, trace.Span(nil))
		return
	}

	ctx, span := d.tracer.Start(ctx, "gateway."+op.String(),
		trace.WithAttributes(dispatchAttributes(s, op, p.D)...),
	)
	defer span.End()

	d.run(ctx, s, op, fn, p.D, span)
}

func (d *Dispatcher) run(ctx context.Context, s *Session, op Opcode, fn HandlerFunc, body any, span trace.Span) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			d.fail(s, op, err, span)
		}
	}()

	if err := fn(ctx, s, body); err != nil {
		d.fail(s, op, err, span)
		return
	}

	metricDispatches.WithLabelValues(op.String(), "ok").Inc()
}

func (d *Dispatcher) fail(s *Session, op Opcode, err error, span trace.Span) {
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	fields := []zap.Field{
		zap.String("op", op.String()),
		zap.String("session_id", s.ID),
		zap.Error(err),
	}
	if uid := s.UserID(); !uid.IsZero() {
		fields = append(fields, zap.String("user_id", uid.String()))
	}
	d.logger.Error("opcode handler failed", fields...)

	code := CloseUnknownError
	outcome := "unknown_error"
	switch {
	case errors.Is(err, codec.ErrDecode):
		code = CloseDecodeError
		outcome = "decode_error"
	case errors.Is(err, auth.ErrInvalidToken):
		code = CloseAuthFailed
		outcome = "auth_failed"
	case errors.Is(err, errAlreadyAuthenticated):
		code = CloseAlreadyAuthenticated
		outcome = "already_authenticated"
	case errors.Is(err, errNotAuthenticated):
		code = CloseNotAuthenticated
		outcome = "not_authenticated"
	}
	metricDispatches.WithLabelValues(op.String(), outcome).Inc()
	closeCounted(s, code, err.Error())
}

func closeCounted(s *Session, code int, reason string) {
	metricCloses.WithLabelValues(strconv.Itoa(code)).Inc()
	s.Close(code, reason)
}

// dispatchAttributes renders span attributes for a dispatch. The token
// field is always redacted before the body is recorded.
func dispatchAttributes(s *Session, op Opcode, body any) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("gateway.opcode", op.String()),
		attribute.String("gateway.session_id", s.ID),
	}
	if uid := s.UserID(); !uid.IsZero() {
		attrs = append(attrs, attribute.String("gateway.user_id", uid.String()))
	}
	if body != nil {
		attrs = append(attrs, attribute.String("gateway.body", fmt.Sprint(RedactBody(body))))
	}
	return attrs
}

// RedactBody replaces the authentication token field in a generic payload
// body with a placeholder. The input is not mutated.
func RedactBody(body any) any {
	m, ok := body.(map[string]any)
	if !ok {
		return body
	}
	if _, has := m["token"]; !has {
		return body
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	out["token"] = "[Redacted]"
	return out
}
