package codec

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack is the MessagePack implementation of the binary capability.
type Msgpack struct{}

// Marshal implements BinaryCodec.
func (Msgpack) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal implements BinaryCodec.
func (Msgpack) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
