package snowflake

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"pgregory.net/rapid"
)

func TestParse(t *testing.T) {
	id, err := Parse("1038819070857932800")
	require.NoError(t, err)
	assert.Equal(t, ID(1038819070857932800), id)
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "abc", "-5", "18446744073709551616"} {
		_, err := Parse(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestJSON_QuotedString(t *testing.T) {
	id := ID(1 << 62)
	data, err := json.Marshal(id)
	require.NoError(t, err)
	assert.Equal(t, `"4611686018427387904"`, string(data))

	var back ID
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, id, back)
}

func TestJSON_BareNumberAccepted(t *testing.T) {
	var id ID
	require.NoError(t, json.Unmarshal([]byte("42"), &id))
	assert.Equal(t, ID(42), id)
}

func TestMsgpack_StringAccepted(t *testing.T) {
	data, err := msgpack.Marshal("1038819070857932800")
	require.NoError(t, err)

	var id ID
	require.NoError(t, msgpack.Unmarshal(data, &id))
	assert.Equal(t, "1038819070857932800", id.String())
}

func TestPropertyJSONRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := ID(rapid.Uint64().Draw(t, "id"))
		data, err := json.Marshal(id)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var back ID
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if back != id {
			t.Fatalf("round trip changed %d to %d", id, back)
		}
	})
}

func TestPropertyMsgpackRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := ID(rapid.Uint64().Draw(t, "id"))
		data, err := msgpack.Marshal(id)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var back ID
		if err := msgpack.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if back != id {
			t.Fatalf("round trip changed %d to %d", id, back)
		}
	})
}
