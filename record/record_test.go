package record

import (
	"bytes"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Record{
		{Op: OpSet, Key: []byte("k1"), Value: []byte("v1")},
		{Op: OpSet, Key: []byte(""), Value: []byte("v")},
		{Op: OpSet, Key: []byte("k"), Value: []byte("")},
		{Op: OpRemove, Key: []byte("k1")},
	}
	for _, c := range cases {
		var buf bytes.Buffer
		n, err := Encode(&buf, c)
		require.NoError(t, err)
		require.Equal(t, n, buf.Len())

		got, consumed, err := Decode(&buf, int64(n))
		require.NoError(t, err)
		require.Equal(t, n, consumed)
		require.Equal(t, c.Op, got.Op)
		require.Equal(t, c.Key, got.Key)
		if c.Op == OpSet {
			require.Equal(t, c.Value, got.Value)
		}
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xFF, 0, 0, 0, 0})
	_, _, err := Decode(buf, 5)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestDecodeRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(OpSet))
	buf.Write([]byte{0, 0, 0, 100}) // declares a 100 byte key
	buf.Write([]byte("short"))      // but only a few bytes actually follow
	_, _, err := Decode(&buf, int64(buf.Len()))
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestFuzzRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 64)
	for i := 0; i < 200; i++ {
		var key, value []byte
		f.Fuzz(&key)
		f.Fuzz(&value)

		rec := Record{Op: OpSet, Key: key, Value: value}
		var buf bytes.Buffer
		n, err := Encode(&buf, rec)
		require.NoError(t, err)

		got, consumed, err := Decode(&buf, int64(n))
		require.NoError(t, err)
		require.Equal(t, n, consumed)
		require.Equal(t, rec.Key, got.Key)
		require.Equal(t, rec.Value, got.Value)
	}
}
