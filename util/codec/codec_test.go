package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixedWidthRoundtrip(t *testing.T) {
	var b []byte
	b = AppendUint8(b, 7)
	b = AppendUint16(b, 300)
	b = AppendUint32(b, 1<<20)
	b = AppendUint64(b, 1<<40)
	b = AppendInt16(b, -3)
	b = AppendInt32(b, -1000)
	b = AppendInt64(b, -1)

	d := NewDecoder(b)
	require.Equal(t, uint8(7), d.Uint8())
	require.Equal(t, uint16(300), d.Uint16())
	require.Equal(t, uint32(1<<20), d.Uint32())
	require.Equal(t, uint64(1<<40), d.Uint64())
	require.Equal(t, int16(-3), d.Int16())
	require.Equal(t, int32(-1000), d.Int32())
	require.Equal(t, int64(-1), d.Int64())
	require.Nil(t, d.Err())
	require.Equal(t, 0, d.Remaining())
}

func TestVarintRoundtrip(t *testing.T) {
	var b []byte
	b = AppendUvarint(b, 0)
	b = AppendUvarint(b, 1<<50)
	b = AppendVarint(b, -1<<40)
	b = AppendBytes(b, []byte("hello"))
	b = AppendBytes(b, nil)

	d := NewDecoder(b)
	require.Equal(t, uint64(0), d.Uvarint())
	require.Equal(t, uint64(1<<50), d.Uvarint())
	require.Equal(t, int64(-1<<40), d.Varint())
	require.Equal(t, []byte("hello"), d.Bytes())
	require.Equal(t, []byte{}, d.Bytes())
	require.Nil(t, d.Err())
}

func TestDecoderErrorSticks(t *testing.T) {
	d := NewDecoder([]byte{1})
	d.Uint32()
	require.NotNil(t, d.Err())
	// further reads keep failing instead of panicking
	require.Equal(t, uint64(0), d.Uvarint())
	require.Nil(t, d.Bytes())
	require.NotNil(t, d.Err())
}

func TestBytesLengthOverrun(t *testing.T) {
	var b []byte
	b = AppendUvarint(b, 100)
	b = append(b, 1, 2, 3)
	d := NewDecoder(b)
	require.Nil(t, d.Bytes())
	require.NotNil(t, d.Err())
}
