// Package snowflake provides the 64-bit entity identifier used across the
// gateway. IDs are wider than JavaScript's safe integer range, so the JSON
// form is a decimal string while the binary (msgpack) form is a native
// unsigned 64-bit integer. Both forms round-trip exactly.
package snowflake

import (
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

// ID is a 64-bit entity identifier. The zero value means "absent".
type ID uint64

// Parse converts a decimal string into an ID.
//
// Postcondition: Returns the parsed ID, or a non-nil error for anything that
// is not a base-10 unsigned 64-bit integer.
func Parse(s string) (ID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing snowflake %q: %w", s, err)
	}
	return ID(n), nil
}

// String returns the decimal form of the ID.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// IsZero reports whether the ID is absent.
func (id ID) IsZero() bool {
	return id == 0
}

// MarshalJSON renders the ID as a quoted decimal string so values above
// 2^53 survive JSON-speaking clients.
func (id ID) MarshalJSON() ([]byte, error) {
	return strconv.AppendQuote(nil, id.String()), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare number.
// Bare numbers are tolerated for clients that ignore the string contract,
// at the cost of precision above 2^53 on their side.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// EncodeMsgpack writes the ID as a native uint64.
func (id ID) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeUint64(uint64(id))
}

// DecodeMsgpack accepts either a native integer or a decimal string, since
// frames sniffed as text may have been produced by JSON-speaking clients.
func (id *ID) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return err
	}
	switch n := v.(type) {
	case uint64:
		*id = ID(n)
	case int64:
		if n < 0 {
			return fmt.Errorf("negative snowflake %d", n)
		}
		*id = ID(n)
	case string:
		parsed, err := Parse(n)
		if err != nil {
			return err
		}
		*id = parsed
	default:
		return fmt.Errorf("snowflake: unsupported wire type %T", v)
	}
	return nil
}
