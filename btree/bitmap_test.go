package btree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitmapSetClearGet(t *testing.T) {
	b := NewBitmap()
	b.Set(3)
	b.Set(70)
	require.True(t, b.Get(3))
	require.True(t, b.Get(70))
	require.False(t, b.Get(4))

	b.Clear(3)
	require.False(t, b.Get(3))
	require.True(t, b.Get(70))
}

func TestBitmapNextSetBit(t *testing.T) {
	b := NewBitmap()
	b.Set(5)
	b.Set(130)
	require.EqualValues(t, 5, b.NextSetBit(0))
	require.EqualValues(t, 130, b.NextSetBit(6))
	require.EqualValues(t, -1, b.NextSetBit(131))
}

func TestBitmapSerializeRoundTrip(t *testing.T) {
	b := NewBitmap()
	b.Set(1)
	b.Set(64)
	b.Set(200)

	buf := b.Serialize()
	decoded, err := DeserializeBitmap(buf)
	require.NoError(t, err)
	require.True(t, decoded.Get(1))
	require.True(t, decoded.Get(64))
	require.True(t, decoded.Get(200))
	require.Equal(t, b.Cardinality(), decoded.Cardinality())
}

func TestDeserializeBitmapRejectsTruncatedBuffer(t *testing.T) {
	_, err := DeserializeBitmap([]byte{0, 0, 0, 2, 1})
	require.Error(t, err)
}
