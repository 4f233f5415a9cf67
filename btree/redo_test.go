package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedoLogWriteReadRoundTrip(t *testing.T) {
	path := fmt.Sprintf("%s/redo-test", t.TempDir())
	redo, err := OpenRedoLog(path, RedoOptions{})
	require.NoError(t, err)
	defer redo.Close()

	key := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	val := []byte{9, 9, 9, 9, 9, 9, 9, 9}

	off1, err := redo.Write(EncodePutPayload(key, val))
	require.NoError(t, err)
	off2, err := redo.Write(EncodeRemovePayload(key))
	require.NoError(t, err)
	require.Less(t, off1, off2)

	next, payload, err := redo.Read(off1)
	require.NoError(t, err)
	require.Equal(t, off2, next)
	op, k, v, err := DecodePayload(payload, len(key))
	require.NoError(t, err)
	require.Equal(t, byte(0xA), op)
	require.Equal(t, key, k)
	require.Equal(t, val, v)

	next2, payload2, err := redo.Read(off2)
	require.NoError(t, err)
	op2, k2, _, err := DecodePayload(payload2, len(key))
	require.NoError(t, err)
	require.Equal(t, byte(0xB), op2)
	require.Equal(t, key, k2)

	finalNext, _, err := redo.Read(next2)
	require.NoError(t, err)
	require.Equal(t, redoEOF, finalNext)
}

func TestRedoLogIsValidDetectsCorruption(t *testing.T) {
	path := fmt.Sprintf("%s/redo-test", t.TempDir())
	redo, err := OpenRedoLog(path, RedoOptions{})
	require.NoError(t, err)

	_, err = redo.Write(EncodePutPayload([]byte{1}, []byte{2}))
	require.NoError(t, err)

	ok, err := redo.IsValid()
	require.NoError(t, err)
	require.True(t, ok)

	// Overwrite the trailing footer byte: the log must now report invalid.
	_, err = redo.file.WriteAt([]byte{0}, redo.Offset()-1)
	require.NoError(t, err)
	ok, err = redo.IsValid()
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, redo.Close())
}

func TestRedoLogAlignBlocksPadsAcrossBoundary(t *testing.T) {
	path := fmt.Sprintf("%s/redo-test", t.TempDir())
	redo, err := OpenRedoLog(path, RedoOptions{AlignBlocks: true, BufferSize: 64})
	require.NoError(t, err)
	defer redo.Close()

	// BufferSize 64 is raised to the 512-byte minimum boundary. Each
	// 14-byte frame starts at 14*i, so record 36 (at 504) would straddle
	// 512 and is padded onto the boundary; all 40 must still read back
	// in order with that padding interposed.
	var offsets []int64
	for i := 0; i < 40; i++ {
		off, err := redo.Write(EncodePutPayload([]byte{byte(i)}, []byte{byte(i * 2)}))
		require.NoError(t, err)
		offsets = append(offsets, off)
	}

	off := int64(0)
	count := 0
	for {
		next, payload, err := redo.Read(off)
		require.NoError(t, err)
		if next == redoEOF || payload == nil {
			break
		}
		count++
		off = next
	}
	require.Equal(t, 40, count)
	require.Contains(t, offsets, int64(512))
}
