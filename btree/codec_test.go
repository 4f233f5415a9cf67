package btree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInt64CodecOrdersByByteComparison(t *testing.T) {
	c := Int64Codec{}
	values := []int64{-100, -1, 0, 1, 100, 1 << 40}
	bufs := make([][]byte, len(values))
	for i, v := range values {
		buf := make([]byte, c.ByteLength())
		c.Serialize(buf, v)
		bufs[i] = buf
	}
	for i := 1; i < len(bufs); i++ {
		require.Negative(t, defaultCompare(bufs[i-1], bufs[i]))
		require.Equal(t, values[i], c.Deserialize(bufs[i]))
	}
}

func TestUint64CodecRoundTrip(t *testing.T) {
	c := Uint64Codec{}
	buf := make([]byte, c.ByteLength())
	c.Serialize(buf, 0xdeadbeef)
	require.Equal(t, uint64(0xdeadbeef), c.Deserialize(buf))
}

func TestFixedBytesCodecPadsAndCompares(t *testing.T) {
	c, err := NewFixedBytesCodec(4)
	require.NoError(t, err)

	buf := make([]byte, c.ByteLength())
	c.Serialize(buf, []byte{1, 2})
	require.Equal(t, []byte{1, 2, 0, 0}, c.Deserialize(buf))

	_, err = NewFixedBytesCodec(0)
	require.Error(t, err)
}

func TestFixedStringCodecTruncatesAtNUL(t *testing.T) {
	c, err := NewFixedStringCodec(8)
	require.NoError(t, err)

	buf := make([]byte, c.ByteLength())
	c.Serialize(buf, "hi")
	require.Equal(t, "hi", c.Deserialize(buf))
	require.Negative(t, c.Compare("abc", "abd"))
	require.Zero(t, c.Compare("same", "same"))
}
