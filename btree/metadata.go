package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/kvtree/bplustree/common"
)

const (
	metadataMagic1 uint32 = 0x42D6AECB
	metadataMagic2 uint32 = 0x6B708B42

	metadataCleanFlag   byte = 0xEA
	metadataUncleanFlag byte = 0x00

	// metadataSize is the fixed layout of block 0, per spec.md §4.8:
	// u32 MAGIC1 | u32 block_size | u32 b_order_leaf | u32
	// b_order_internal | u32 storage_block | i32 root_id | i32 low_id |
	// i32 high_id | u32 elements | u32 height | u32 max_internal_nodes
	// | u32 max_leaf_nodes | u8 clean_flag | u32 MAGIC2.
	metadataSize = 4*12 + 1 + 4
)

// Metadata is the single record occupying block 0: everything Open
// needs to reattach to an existing store, plus the clean flag recovery
// checks on every Open.
type Metadata struct {
	BlockSize     uint32
	LeafOrder     uint32
	InternalOrder uint32
	StorageBlocks uint32 // number of blocks in the data file, incl. block 0
	RootID        NodeID
	LowID         NodeID // leftmost leaf, for FirstKey/forward iteration
	HighID        NodeID // rightmost leaf, for LastKey/backward iteration
	Elements      uint32
	Height        uint32

	// MaxInternalNodes/MaxLeafNodes record the read-pool capacities
	// (§4.7) this store was opened with, so a reopen can size
	// populateCache's scan without recomputing them from CacheSize.
	MaxInternalNodes uint32
	MaxLeafNodes     uint32

	Clean bool
}

// EncodeMetadata writes m into a metadataSize (or larger) buffer.
func EncodeMetadata(buf []byte, m Metadata) {
	binary.BigEndian.PutUint32(buf[0:4], metadataMagic1)
	binary.BigEndian.PutUint32(buf[4:8], m.BlockSize)
	binary.BigEndian.PutUint32(buf[8:12], m.LeafOrder)
	binary.BigEndian.PutUint32(buf[12:16], m.InternalOrder)
	binary.BigEndian.PutUint32(buf[16:20], m.StorageBlocks)
	binary.BigEndian.PutUint32(buf[20:24], uint32(int32(m.RootID)))
	binary.BigEndian.PutUint32(buf[24:28], uint32(int32(m.LowID)))
	binary.BigEndian.PutUint32(buf[28:32], uint32(int32(m.HighID)))
	binary.BigEndian.PutUint32(buf[32:36], m.Elements)
	binary.BigEndian.PutUint32(buf[36:40], m.Height)
	binary.BigEndian.PutUint32(buf[40:44], m.MaxInternalNodes)
	binary.BigEndian.PutUint32(buf[44:48], m.MaxLeafNodes)
	if m.Clean {
		buf[48] = metadataCleanFlag
	} else {
		buf[48] = metadataUncleanFlag
	}
	binary.BigEndian.PutUint32(buf[49:53], metadataMagic2)
}

// DecodeMetadata parses block 0. A magic mismatch is reported as
// ErrCorruptStore; Open additionally wraps it in ErrInvalidData, the
// signal for callers to invoke Recover.
func DecodeMetadata(buf []byte) (Metadata, error) {
	if len(buf) < metadataSize {
		return Metadata{}, fmt.Errorf("%w: metadata block shorter than %d bytes", common.ErrCorruptStore, metadataSize)
	}
	if binary.BigEndian.Uint32(buf[0:4]) != metadataMagic1 || binary.BigEndian.Uint32(buf[49:53]) != metadataMagic2 {
		return Metadata{}, fmt.Errorf("%w: metadata magic mismatch", common.ErrCorruptStore)
	}
	m := Metadata{
		BlockSize:        binary.BigEndian.Uint32(buf[4:8]),
		LeafOrder:        binary.BigEndian.Uint32(buf[8:12]),
		InternalOrder:    binary.BigEndian.Uint32(buf[12:16]),
		StorageBlocks:    binary.BigEndian.Uint32(buf[16:20]),
		RootID:           NodeID(int32(binary.BigEndian.Uint32(buf[20:24]))),
		LowID:            NodeID(int32(binary.BigEndian.Uint32(buf[24:28]))),
		HighID:           NodeID(int32(binary.BigEndian.Uint32(buf[28:32]))),
		Elements:         binary.BigEndian.Uint32(buf[32:36]),
		Height:           binary.BigEndian.Uint32(buf[36:40]),
		MaxInternalNodes: binary.BigEndian.Uint32(buf[40:44]),
		MaxLeafNodes:     binary.BigEndian.Uint32(buf[44:48]),
		Clean:            buf[48] == metadataCleanFlag,
	}
	return m, nil
}

// writeMetadata serializes m to block 0 of store. Set returns the
// buffer to the pool.
func writeMetadata(store *BlockStore, m Metadata) error {
	buf := globalBufferPool.Get(store.blockSize, store.direct)
	EncodeMetadata(buf, m)
	return store.Set(0, buf)
}

// readMetadata reads and decodes block 0 of store.
func readMetadata(store *BlockStore) (Metadata, error) {
	buf, err := store.Get(0)
	if err != nil {
		return Metadata{}, err
	}
	defer store.ReleaseBuffer(buf)
	return DecodeMetadata(buf)
}
