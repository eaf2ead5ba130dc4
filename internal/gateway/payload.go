// Package gateway implements the real-time event-distribution core: the
// per-connection session protocol, opcode dispatch, presence subscriptions,
// and the lazy member-list request.
package gateway

import (
	"fmt"

	"github.com/riftchat/rift/internal/gateway/codec"
)

// Opcode tags the kind and shape of a control message.
type Opcode int

// Protocol opcodes. The values are wire contract and never renumbered.
const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
	OpLazyRequest         Opcode = 14
)

var opcodeNames = map[Opcode]string{
	OpDispatch:            "DISPATCH",
	OpHeartbeat:           "HEARTBEAT",
	OpIdentify:            "IDENTIFY",
	OpPresenceUpdate:      "PRESENCE_UPDATE",
	OpVoiceStateUpdate:    "VOICE_STATE_UPDATE",
	OpResume:              "RESUME",
	OpReconnect:           "RECONNECT",
	OpRequestGuildMembers: "REQUEST_GUILD_MEMBERS",
	OpInvalidSession:      "INVALID_SESSION",
	OpHello:               "HELLO",
	OpHeartbeatAck:        "HEARTBEAT_ACK",
	OpLazyRequest:         "LAZY_REQUEST",
}

// String returns the opcode's protocol name, or a numeric form for
// unrecognised values.
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE_%d", int(op))
}

// Close codes. Clients branch on these to decide whether to reconnect, so
// the values are stable contract.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthFailed           = 4004
	CloseAlreadyAuthenticated = 4005
	CloseRateLimited          = 4008
	CloseSessionTimeout       = 4009
)

// Dispatch event names emitted by this core.
const (
	EventReady                 = "READY"
	EventResumed               = "RESUMED"
	EventPresenceUpdate        = "PRESENCE_UPDATE"
	EventVoiceStateUpdate      = "VOICE_STATE_UPDATE"
	EventGuildMembersChunk     = "GUILD_MEMBERS_CHUNK"
	EventGuildMemberListUpdate = "GUILD_MEMBER_LIST_UPDATE"
)

// ValidatePayload checks the envelope shape of a decoded inbound payload.
// Bodies are validated per-opcode by their handlers.
//
// Postcondition: Returns nil for a well-formed envelope, or an error
// wrapping codec.ErrDecode.
func ValidatePayload(p *codec.Payload) error {
	if p == nil {
		return fmt.Errorf("%w: missing payload", codec.ErrDecode)
	}
	if p.Op < 0 {
		return fmt.Errorf("%w: negative opcode %d", codec.ErrDecode, p.Op)
	}
	// Inbound frames never carry a sequence or event name; tolerate their
	// presence but reject impossible values.
	if p.S != nil && *p.S < 0 {
		return fmt.Errorf("%w: negative sequence %d", codec.ErrDecode, *p.S)
	}
	return nil
}
