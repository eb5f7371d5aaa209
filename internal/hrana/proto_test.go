package hrana

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jfoltran/hranad/internal/sqlengine"
)

func TestValue_RoundTrip(t *testing.T) {
	cases := []sqlengine.Value{
		sqlengine.NullValue(),
		sqlengine.IntegerValue(0),
		sqlengine.IntegerValue(math.MaxInt64),
		sqlengine.IntegerValue(math.MinInt64),
		sqlengine.FloatValue(3.14159),
		sqlengine.TextValue("hello, world"),
		sqlengine.BlobValue([]byte{0x00, 0xFF, 0x10, 0xAB}),
		sqlengine.BlobValue(nil),
	}

	for _, want := range cases {
		wire := valueFromEngine(want)

		// Simulate going over the wire: marshal then unmarshal, since
		// toEngine only ever sees a Value whose Value field came out of
		// encoding/json (a string, float64, or nil -- never a raw []byte).
		data, err := json.Marshal(wire)
		require.NoErrorf(t, err, "marshal %+v", want)

		var decoded Value
		require.NoErrorf(t, json.Unmarshal(data, &decoded), "unmarshal %s", data)

		got, err := decoded.toEngine()
		require.NoErrorf(t, err, "toEngine(%+v) after round trip through %s", decoded, data)
		require.Equalf(t, want.Kind, got.Kind, "wire=%s", data)

		switch want.Kind {
		case sqlengine.KindInteger:
			require.Equal(t, want.Integer, got.Integer)
		case sqlengine.KindFloat:
			require.Equal(t, want.Float, got.Float)
		case sqlengine.KindText:
			require.Equal(t, want.Text, got.Text)
		case sqlengine.KindBlob:
			require.Equal(t, string(want.Blob), string(got.Blob))
		}
	}
}

func TestValue_IntegerWireIsDecimalString(t *testing.T) {
	wire := valueFromEngine(sqlengine.IntegerValue(42))
	data, err := json.Marshal(wire)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, "integer", raw["type"])

	_, ok := raw["value"].(string)
	require.Truef(t, ok, "integer value must be wire-encoded as a string, got %T", raw["value"])
}

func TestValue_UnknownTypeRejected(t *testing.T) {
	v := Value{Type: "weird"}
	_, err := v.toEngine()
	require.Error(t, err)
}
