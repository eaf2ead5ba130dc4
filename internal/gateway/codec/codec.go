// Package codec serializes gateway payloads for one negotiated encoding:
// human-readable JSON or compact MessagePack, optionally behind zlib
// compression. The binary encoder is an injected capability; connections
// negotiating it when it is absent are rejected at upgrade time.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Encoding identifies a negotiated payload serialization.
type Encoding string

// Supported encodings.
const (
	EncodingJSON   Encoding = "json"
	EncodingBinary Encoding = "binary"
)

// ErrUnknownEncoding is returned for an encoding string the gateway does
// not speak.
var ErrUnknownEncoding = errors.New("unknown encoding")

// ErrBinaryUnavailable is returned when a connection negotiates the binary
// encoding and no binary encoder is wired.
var ErrBinaryUnavailable = errors.New("binary encoding unavailable")

// ErrDecode is wrapped by every decode failure so the connection layer can
// map it to the decode-error close code.
var ErrDecode = errors.New("decode error")

// Payload is the wire unit: an opcode, an opcode-specific body opaque to
// the dispatcher, and - outbound only - a sequence number and event name.
type Payload struct {
	Op int    `json:"op" msgpack:"op"`
	D  any    `json:"d,omitempty" msgpack:"d,omitempty"`
	S  *int64 `json:"s,omitempty" msgpack:"s,omitempty"`
	T  string `json:"t,omitempty" msgpack:"t,omitempty"`
}

// BinaryCodec is the optionally-absent compact encoder capability.
type BinaryCodec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Codec serializes payloads for one connection's negotiated encoding.
type Codec struct {
	encoding Encoding
	binary   BinaryCodec
}

// Negotiate validates the requested encoding against the available
// capabilities. An empty encoding defaults to JSON.
//
// Postcondition: Returns a ready Codec, ErrUnknownEncoding, or
// ErrBinaryUnavailable. A binary request never silently falls back to JSON.
func Negotiate(encoding string, binary BinaryCodec) (*Codec, error) {
	switch Encoding(encoding) {
	case EncodingJSON, "":
		return &Codec{encoding: EncodingJSON, binary: binary}, nil
	case EncodingBinary:
		if binary == nil {
			return nil, ErrBinaryUnavailable
		}
		return &Codec{encoding: EncodingBinary, binary: binary}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, encoding)
	}
}

// Encoding returns the negotiated encoding.
func (c *Codec) Encoding() Encoding {
	return c.encoding
}

// Encode serializes a payload in the negotiated encoding.
func (c *Codec) Encode(p *Payload) ([]byte, error) {
	if c.encoding == EncodingBinary {
		data, err := c.binary.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encoding binary payload: %w", err)
		}
		return data, nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding json payload: %w", err)
	}
	return data, nil
}

// Decode parses one inbound frame. Frames that look like JSON (leading
// '{') are parsed as JSON regardless of the negotiated encoding, because
// some clients send text frames on binary connections. Every failure wraps
// ErrDecode.
func (c *Codec) Decode(data []byte) (*Payload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrDecode)
	}

	if data[0] == '{' || c.encoding == EncodingJSON {
		return decodeJSON(data)
	}

	var p Payload
	if err := c.binary.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &p, nil
}

func decodeJSON(data []byte) (*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	// Numbers stay json.Number so identifiers above 2^53 survive the
	// generic body representation.
	dec.UseNumber()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &p, nil
}

// Bind maps a decoded generic payload body onto a typed schema struct.
// Unknown fields are ignored; type mismatches are errors. The weak typing
// lets json.Number and string snowflakes land in integer fields.
func Bind(body any, out any) error {
	if body == nil {
		return fmt.Errorf("%w: missing payload body", ErrDecode)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("building body decoder: %w", err)
	}
	if err := dec.Decode(body); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}
