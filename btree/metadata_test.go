package btree

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetadataEncodeDecodeRoundTrip(t *testing.T) {
	m := Metadata{
		BlockSize:        4096,
		LeafOrder:        9,
		InternalOrder:    9,
		StorageBlocks:    12,
		RootID:           leafID(3),
		LowID:            leafID(3),
		HighID:           internalID(7),
		Elements:         42,
		Height:           2,
		MaxInternalNodes: 37,
		MaxLeafNodes:     703,
		Clean:            true,
	}
	buf := make([]byte, metadataSize)
	EncodeMetadata(buf, m)

	decoded, err := DecodeMetadata(buf)
	require.NoError(t, err)
	require.Equal(t, m, decoded)
}

func TestEncodeMetadataPlacesMagic2AtRecordEnd(t *testing.T) {
	buf := make([]byte, metadataSize)
	EncodeMetadata(buf, Metadata{Clean: true})
	require.Equal(t, metadataMagic2, binary.BigEndian.Uint32(buf[metadataSize-4:metadataSize]))
	require.Equal(t, metadataMagic1, binary.BigEndian.Uint32(buf[0:4]))
}

func TestDecodeMetadataRejectsBadMagic(t *testing.T) {
	buf := make([]byte, metadataSize)
	_, err := DecodeMetadata(buf)
	require.Error(t, err)
}
