package payload

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/coupler/model"
)

func TestDecode(t *testing.T) {
	cases := []struct {
		name string
		cfg  Conversion
		in   string
		want any
	}{
		{name: "integer", in: `42`, want: int64(42)},
		{name: "float", in: `4.5`, want: 4.5},
		{name: "path", cfg: Conversion{Path: "a.b"}, in: `{"a":{"b":true}}`, want: true},
		{name: "plain number", cfg: Conversion{ValueType: "float"}, in: `21.5 `, want: 21.5},
		{name: "plain bool", cfg: Conversion{ValueType: "bool"}, in: `true`, want: true},
		{name: "string encoding", cfg: Conversion{Encoding: "string", ValueType: "int"}, in: `17`, want: int64(17)},
		{name: "empty", in: ``, want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.cfg, []byte(tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(Conversion{Encoding: "xml"}, []byte(`<a/>`))
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)

	_, err = Decode(Conversion{}, []byte(`not json`))
	assert.Error(t, err)

	_, err = Decode(Conversion{ValueType: "complex"}, []byte(`1`))
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = Decode(Conversion{Path: "a.b"}, []byte(`{"a":1}`))
	assert.Error(t, err)
}

func TestDecodeRecordFlattensAndExtractsTime(t *testing.T) {
	rec, err := DecodeRecord(Conversion{}, "_", "", []byte(`{"ts":1700000000000,"spindle":{"rpm":1200,"load":0.5},"state":"run"}`))
	require.NoError(t, err)

	assert.Equal(t, int64(1200), rec["spindle_rpm"])
	assert.Equal(t, 0.5, rec["spindle_load"])
	assert.Equal(t, "run", rec["state"])
	assert.Equal(t, time.UnixMilli(1700000000000), rec[model.FieldTime])
	_, hasTS := rec["ts"]
	assert.False(t, hasTS)
}

func TestDecodeRecordScalar(t *testing.T) {
	rec, err := DecodeRecord(Conversion{ValueField: "temp"}, "_", "", []byte(`21`))
	require.NoError(t, err)
	assert.Equal(t, model.Record{"temp": int64(21)}, rec)

	rec, err = DecodeRecord(Conversion{}, "_", "spindle_rpm", []byte(`1200`))
	require.NoError(t, err)
	assert.Equal(t, model.Record{"spindle_rpm": int64(1200)}, rec)
}

func TestDecodeRecordBelowPrefix(t *testing.T) {
	rec, err := DecodeRecord(Conversion{}, "_", "spindle", []byte(`{"rpm":1200,"axis":{"x":1.5}}`))
	require.NoError(t, err)
	assert.Equal(t, model.Record{"spindle_rpm": int64(1200), "spindle_axis_x": 1.5}, rec)
}

func TestEncodeRecord(t *testing.T) {
	out := model.OutboundRecord{
		Fields:  map[string]interface{}{"lotSize": int64(3)},
		Tags:    map[string]string{"line": "L1"},
		Time:    1700000000000,
		HasTime: true,
	}
	body, err := EncodeRecord(Conversion{}, out)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, map[string]any{"lotSize": 3.0, "line": "L1", "ts": 1.7e12}, decoded)

	line, err := EncodeRecord(Conversion{Encoding: "string", TimeField: "time"}, out)
	require.NoError(t, err)
	assert.Equal(t, "line=L1 lotSize=3 time=1700000000000", string(line))
}

func TestEncode(t *testing.T) {
	b, err := Encode(Conversion{ValueType: "string"}, 5)
	require.NoError(t, err)
	assert.Equal(t, `"5"`, string(b))

	b, err = Encode(Conversion{Encoding: "bytes"}, []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b)

	_, err = Encode(Conversion{Encoding: "bytes"}, "x")
	assert.Error(t, err)
}
