package btree

import (
	"fmt"
	"os"
	"sync"

	"github.com/kvtree/bplustree/common"
	"go.uber.org/zap"
)

// BlockStore is the fixed-size random-access block file: allocate,
// read, write, sync, truncate, with an optional segmented memory
// mapping for reads/writes. See spec.md §4.2.
type BlockStore struct {
	path      string
	file      *os.File
	blockSize int
	direct    bool // true when the segmented mmap path backs I/O

	mu        sync.RWMutex
	closed    bool
	numBlocks uint32

	segs   *mmapSegments
	logger *zap.Logger

	stats struct {
		reads  int64
		writes int64
	}
}

// OpenBlockStore opens (creating if necessary) the data file at path
// with the given block size. useMmap requests the segmented-mmap path
// where the platform supports it (§4.2); unsupported platforms fall
// back to positional I/O and log a warning.
func OpenBlockStore(path string, blockSize int, useMmap bool, logger *zap.Logger) (*BlockStore, error) {
	logger = loggerOrDefault(logger)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open block store %s: %v", common.ErrIO, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat block store %s: %v", common.ErrIO, path, err)
	}

	bs := &BlockStore{
		path:      path,
		file:      f,
		blockSize: blockSize,
		numBlocks: uint32(info.Size() / int64(blockSize)),
		logger:    logger,
	}

	if useMmap {
		segs, err := newMmapSegments(f, blockSize)
		if err == nil {
			bs.segs = segs
			bs.direct = true
		} else {
			logger.Warn("segmented mmap unavailable, falling back to positional I/O", zap.Error(err))
		}
	}

	return bs, nil
}

// Get returns a pool-allocated copy of block index. The caller owns
// the returned buffer and should return it with ReleaseBuffer once
// done, or pass it back through Set.
func (bs *BlockStore) Get(index uint32) ([]byte, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if bs.closed {
		return nil, common.ErrInvalidState
	}
	if index >= bs.numBlocks {
		return nil, fmt.Errorf("%w: block %d out of range (%d blocks)", common.ErrIO, index, bs.numBlocks)
	}

	buf := globalBufferPool.Get(bs.blockSize, bs.direct)
	if bs.direct && bs.segs != nil {
		seg, err := bs.segs.slice(index)
		if err != nil {
			return nil, err
		}
		copy(buf, seg)
	} else {
		if _, err := bs.file.ReadAt(buf, int64(index)*int64(bs.blockSize)); err != nil {
			return nil, fmt.Errorf("%w: read block %d: %v", common.ErrIO, index, err)
		}
	}
	bs.stats.reads++
	return buf, nil
}

// Set writes buf to block index and returns buf to the pool.
func (bs *BlockStore) Set(index uint32, buf []byte) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.closed {
		return common.ErrInvalidState
	}
	if err := bs.growLocked(index + 1); err != nil {
		return err
	}

	if bs.direct && bs.segs != nil {
		seg, err := bs.segs.sliceForWrite(index)
		if err != nil {
			return err
		}
		copy(seg, buf)
	} else {
		if _, err := bs.file.WriteAt(buf, int64(index)*int64(bs.blockSize)); err != nil {
			return fmt.Errorf("%w: write block %d: %v", common.ErrIO, index, err)
		}
	}
	bs.stats.writes++
	globalBufferPool.Put(bs.blockSize, bs.direct, buf)
	return nil
}

// growLocked extends the backing file so it can hold n blocks.
func (bs *BlockStore) growLocked(n uint32) error {
	if n <= bs.numBlocks {
		return nil
	}
	if err := bs.file.Truncate(int64(n) * int64(bs.blockSize)); err != nil {
		return fmt.Errorf("%w: grow block store to %d blocks: %v", common.ErrIO, n, err)
	}
	bs.numBlocks = n
	return nil
}

// Allocate extends the store by one block and returns its index.
func (bs *BlockStore) Allocate() (uint32, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	idx := bs.numBlocks
	if err := bs.growLocked(idx + 1); err != nil {
		return 0, err
	}
	return idx, nil
}

// SizeInBlocks returns the current block count, including block 0.
func (bs *BlockStore) SizeInBlocks() uint32 {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.numBlocks
}

// Sync forces pending writes to stable storage. When the mmap path is
// active, mapped segments are forced in ascending index order before
// the file-level sync, per spec.md §4.2.
func (bs *BlockStore) Sync() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.closed {
		return common.ErrInvalidState
	}
	if bs.segs != nil {
		if err := bs.segs.sync(); err != nil {
			return fmt.Errorf("%w: sync mapped segments: %v", common.ErrIO, err)
		}
	}
	if err := bs.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync block store: %v", common.ErrIO, err)
	}
	return nil
}

// Clear truncates the store back to zero blocks.
func (bs *BlockStore) Clear() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.segs != nil {
		bs.segs.close()
		bs.segs = nil
		bs.direct = false
	}
	if err := bs.file.Truncate(0); err != nil {
		return fmt.Errorf("%w: clear block store: %v", common.ErrIO, err)
	}
	bs.numBlocks = 0
	return nil
}

// Close releases the store's file handle and any mapped segments.
func (bs *BlockStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.closed {
		return nil
	}
	bs.closed = true
	if bs.segs != nil {
		bs.segs.close()
	}
	return bs.file.Close()
}

// Delete closes the store and removes its backing file.
func (bs *BlockStore) Delete() error {
	if err := bs.Close(); err != nil {
		return err
	}
	if err := os.Remove(bs.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete block store %s: %v", common.ErrIO, bs.path, err)
	}
	return nil
}

// ReleaseBuffer returns a buffer obtained from Get back to the pool
// without writing it, for callers that only needed to read it.
func (bs *BlockStore) ReleaseBuffer(buf []byte) {
	globalBufferPool.Put(bs.blockSize, bs.direct, buf)
}
