package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/riftchat/rift/internal/auth"
	"github.com/riftchat/rift/internal/eventbus"
	"github.com/riftchat/rift/internal/gateway/codec"
	"github.com/riftchat/rift/internal/guild"
	"github.com/riftchat/rift/internal/snowflake"
)

// ProtocolVersion is the gateway protocol version advertised in READY.
const ProtocolVersion = 9

var (
	errNotAuthenticated     = errors.New("not authenticated")
	errAlreadyAuthenticated = errors.New("already authenticated")
)

// MemberStore is the storage collaborator the handlers query. Ordering of
// MemberPage results is part of the contract: highest role position first,
// then members with any active session, then username ascending.
type MemberStore interface {
	MemberPage(ctx context.Context, guildID snowflake.ID, offset, limit int) ([]guild.Member, error)
	CountMembers(ctx context.Context, guildID snowflake.ID) (int, error)
	SearchMembers(ctx context.Context, guildID snowflake.ID, query string, userIDs []snowflake.ID, limit int) ([]guild.Member, error)
}

// SessionStore persists presence sessions. Records are best-effort: a
// storage failure degrades cross-node presence, never the connection.
type SessionStore interface {
	UpsertSession(ctx context.Context, s guild.Session) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// Handlers holds the opcode handler set and its collaborators.
type Handlers struct {
	authn    auth.Authenticator
	perms    auth.Permissions
	store    MemberStore
	bus      *eventbus.Bus
	logger   *zap.Logger
	sessions SessionStore

	heartbeatInterval time.Duration
}

// HandlerOption configures optional Handlers collaborators.
type HandlerOption func(*Handlers)

// WithSessionStore persists presence sessions through store.
func WithSessionStore(store SessionStore) HandlerOption {
	return func(h *Handlers) {
		h.sessions = store
	}
}

// NewHandlers creates the handler set.
//
// Precondition: authn, perms, store, bus, and logger must be non-nil.
func NewHandlers(
	authn auth.Authenticator,
	perms auth.Permissions,
	store MemberStore,
	bus *eventbus.Bus,
	logger *zap.Logger,
	heartbeatInterval time.Duration,
	opts ...HandlerOption,
) *Handlers {
	h := &Handlers{
		authn:             authn,
		perms:             perms,
		store:             store,
		bus:               bus,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register binds every opcode handler into the registry.
func (h *Handlers) Register(r *Registry) error {
	bindings := map[Opcode]HandlerFunc{
		OpHeartbeat:           h.onHeartbeat,
		OpIdentify:            h.onIdentify,
		OpResume:              h.onResume,
		OpPresenceUpdate:      h.onPresenceUpdate,
		OpVoiceStateUpdate:    h.onVoiceStateUpdate,
		OpRequestGuildMembers: h.onRequestGuildMembers,
		OpLazyRequest:         h.onLazyRequest,
	}
	for op, fn := range bindings {
		if err := r.Register(op, fn); err != nil {
			return err
		}
	}
	return nil
}

// helloBody is the op 10 frame sent on connection accept.
type helloBody struct {
	HeartbeatInterval int64 `json:"heartbeat_interval" msgpack:"heartbeat_interval"`
}

// SendHello pushes the hello frame advertising the heartbeat interval.
func (h *Handlers) SendHello(s *Session) error {
	return s.Send(OpHello, helloBody{
		HeartbeatInterval: h.heartbeatInterval.Milliseconds(),
	})
}

func (h *Handlers) onHeartbeat(_ context.Context, s *Session, _ any) error {
	s.TouchHeartbeat()
	return s.Send(OpHeartbeatAck, nil)
}

type identifyBody struct {
	Token string `json:"token"`
}

type readyBody struct {
	Version   int              `json:"v" msgpack:"v"`
	User      guild.PublicUser `json:"user" msgpack:"user"`
	SessionID string           `json:"session_id" msgpack:"session_id"`
}

func (h *Handlers) onIdentify(ctx context.Context, s *Session, body any) error {
	var req identifyBody
	if err := codec.Bind(body, &req); err != nil {
		return err
	}
	if req.Token == "" {
		return fmt.Errorf("%w: identify without token", codec.ErrDecode)
	}

	identity, err := h.authn.Authenticate(ctx, req.Token)
	if err != nil {
		return fmt.Errorf("identifying connection: %w", err)
	}

	if !s.BindUser(identity.UserID) {
		return errAlreadyAuthenticated
	}

	h.logger.Info("session identified",
		zap.String("session_id", s.ID),
		zap.String("user_id", identity.UserID.String()),
	)
	h.recordSession(ctx, s, guild.StatusOnline, nil)

	return s.Dispatch(EventReady, readyBody{
		Version:   ProtocolVersion,
		User:      guild.PublicUser{ID: identity.UserID, Bot: identity.Bot},
		SessionID: s.ResumeID(),
	})
}

type resumeBody struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

func (h *Handlers) onResume(ctx context.Context, s *Session, body any) error {
	var req resumeBody
	if err := codec.Bind(body, &req); err != nil {
		return err
	}
	if req.Token == "" || req.SessionID == "" {
		return fmt.Errorf("%w: resume without token or session id", codec.ErrDecode)
	}

	identity, err := h.authn.Authenticate(ctx, req.Token)
	if err != nil {
		return fmt.Errorf("resuming connection: %w", err)
	}

	if !s.BindUser(identity.UserID) {
		return errAlreadyAuthenticated
	}

	// Event replay is owned by upstream history; this layer re-binds the
	// identity and acknowledges.
	h.logger.Info("session resumed",
		zap.String("session_id", s.ID),
		zap.String("user_id", identity.UserID.String()),
		zap.Int64("client_seq", req.Seq),
	)
	h.recordSession(ctx, s, guild.StatusOnline, nil)

	return s.Dispatch(EventResumed, struct{}{})
}

// recordSession best-effort persists the connection's presence session.
func (h *Handlers) recordSession(ctx context.Context, s *Session, status string, activities []guild.Activity) {
	if h.sessions == nil {
		return
	}
	err := h.sessions.UpsertSession(ctx, guild.Session{
		SessionID:  s.ResumeID(),
		UserID:     s.UserID(),
		Status:     status,
		Activities: activities,
	})
	if err != nil {
		h.logger.Warn("recording presence session",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
	}
}

// DropSession removes the connection's presence session record on
// teardown. Safe to call for unauthenticated connections.
func (h *Handlers) DropSession(ctx context.Context, s *Session) {
	if h.sessions == nil || !s.Authenticated() {
		return
	}
	if err := h.sessions.DeleteSession(ctx, s.ResumeID()); err != nil {
		h.logger.Warn("dropping presence session",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
	}
}

type presenceUpdateBody struct {
	Status     string           `json:"status"`
	Activities []guild.Activity `json:"activities"`
}

func (h *Handlers) onPresenceUpdate(ctx context.Context, s *Session, body any) error {
	if !s.Authenticated() {
		return errNotAuthenticated
	}

	var req presenceUpdateBody
	if err := codec.Bind(body, &req); err != nil {
		return err
	}
	if !guild.ValidStatus(req.Status) {
		return fmt.Errorf("%w: unknown status %q", codec.ErrDecode, req.Status)
	}

	userID := s.UserID()
	h.recordSession(ctx, s, req.Status, req.Activities)
	h.bus.Publish(eventbus.Event{
		Type:    EventPresenceUpdate,
		Subject: userID,
		Data: guild.Presence{
			User:       guild.PresenceUser{ID: userID},
			Status:     req.Status,
			Activities: req.Activities,
		},
	})
	return nil
}

type voiceStateBody struct {
	GuildID   snowflake.ID `json:"guild_id"`
	ChannelID snowflake.ID `json:"channel_id"`
	SelfMute  bool         `json:"self_mute"`
	SelfDeaf  bool         `json:"self_deaf"`
}

func (h *Handlers) onVoiceStateUpdate(ctx context.Context, s *Session, body any) error {
	if !s.Authenticated() {
		return errNotAuthenticated
	}

	var req voiceStateBody
	if err := codec.Bind(body, &req); err != nil {
		return err
	}
	if req.GuildID.IsZero() {
		return fmt.Errorf("%w: voice state without guild id", codec.ErrDecode)
	}

	perms, err := h.perms.Permission(ctx, s.UserID(), req.GuildID, req.ChannelID)
	if err != nil {
		return fmt.Errorf("resolving voice permissions: %w", err)
	}
	if !req.ChannelID.IsZero() {
		if err := perms.HasThrow(auth.PermissionConnect); err != nil {
			return err
		}
	}

	h.bus.Publish(eventbus.Event{
		Type:    EventVoiceStateUpdate,
		Subject: s.UserID(),
		Data: map[string]any{
			"guild_id":   req.GuildID,
			"channel_id": req.ChannelID,
			"user_id":    s.UserID(),
			"self_mute":  req.SelfMute,
			"self_deaf":  req.SelfDeaf,
		},
	})
	return nil
}

type requestMembersBody struct {
	GuildID snowflake.ID   `json:"guild_id"`
	Query   string         `json:"query"`
	Limit   int            `json:"limit"`
	UserIDs []snowflake.ID `json:"user_ids"`
}

type guildMembersChunk struct {
	GuildID    snowflake.ID   `json:"guild_id" msgpack:"guild_id"`
	Members    []chunkMember  `json:"members" msgpack:"members"`
	ChunkIndex int            `json:"chunk_index" msgpack:"chunk_index"`
	ChunkCount int            `json:"chunk_count" msgpack:"chunk_count"`
	NotFound   []snowflake.ID `json:"not_found,omitempty" msgpack:"not_found,omitempty"`
}

type chunkMember struct {
	User  guild.PublicUser `json:"user" msgpack:"user"`
	Nick  string           `json:"nick,omitempty" msgpack:"nick,omitempty"`
	Roles []snowflake.ID   `json:"roles" msgpack:"roles"`
}

func (h *Handlers) onRequestGuildMembers(ctx context.Context, s *Session, body any) error {
	if !s.Authenticated() {
		return errNotAuthenticated
	}

	var req requestMembersBody
	if err := codec.Bind(body, &req); err != nil {
		return err
	}
	if req.GuildID.IsZero() {
		return fmt.Errorf("%w: member request without guild id", codec.ErrDecode)
	}
	if req.Limit <= 0 || req.Limit > 1000 {
		req.Limit = 1000
	}

	perms, err := h.perms.Permission(ctx, s.UserID(), req.GuildID, 0)
	if err != nil {
		return fmt.Errorf("resolving member request permissions: %w", err)
	}
	if err := perms.HasThrow(auth.PermissionViewChannel); err != nil {
		return err
	}

	members, err := h.store.SearchMembers(ctx, req.GuildID, req.Query, req.UserIDs, req.Limit)
	if err != nil {
		return fmt.Errorf("querying guild members: %w", err)
	}

	chunk := guildMembersChunk{
		GuildID:    req.GuildID,
		Members:    make([]chunkMember, 0, len(members)),
		ChunkIndex: 0,
		ChunkCount: 1,
	}
	found := make(map[snowflake.ID]bool, len(members))
	for _, m := range members {
		found[m.User.ID] = true
		roles := make([]snowflake.ID, 0, len(m.Roles))
		for _, r := range m.Roles {
			if r.ID != req.GuildID {
				roles = append(roles, r.ID)
			}
		}
		chunk.Members = append(chunk.Members, chunkMember{
			User:  m.User.Public(),
			Nick:  m.Nick,
			Roles: roles,
		})
	}
	for _, id := range req.UserIDs {
		if !found[id] {
			chunk.NotFound = append(chunk.NotFound, id)
		}
	}

	return s.Dispatch(EventGuildMembersChunk, chunk)
}
