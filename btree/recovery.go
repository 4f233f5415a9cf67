package btree

import (
	"fmt"
	"os"
	"sort"

	"github.com/kvtree/bplustree/common"
	"go.uber.org/zap"
)

// recoverEngine opens (or creates) the store at opts.Filename and
// unconditionally rebuilds it, per spec.md §4.6's `recovery()`
// operation. It does not consult the clean flag — it is the explicit
// remedy callers invoke after Open returns common.ErrInvalidData.
func recoverEngine(opts Options, keyLen, valLen int, logger *zap.Logger) (*engine, error) {
	if err := opts.normalize(keyLen, valLen); err != nil {
		return nil, err
	}
	logger = loggerOrDefault(logger)

	e := &engine{
		opts:          opts,
		dataPath:      opts.Filename + ".data",
		redoPath:      opts.Filename + ".redo",
		freePath:      opts.Filename + ".free",
		keyLen:        keyLen,
		valLen:        valLen,
		leafOrder:     opts.LeafOrder,
		internalOrder: opts.InternalOrder,
		logger:        logger,
	}

	store, err := OpenBlockStore(e.dataPath, opts.BlockSize, opts.UseMmap, logger)
	if err != nil {
		return nil, err
	}
	e.store = store

	if store.SizeInBlocks() == 0 {
		// Nothing on disk to recover; recovery of a never-opened store
		// degenerates to a fresh create.
		if err := e.initFresh(); err != nil {
			return nil, err
		}
	} else {
		meta, err := readMetadata(store)
		if err != nil {
			// A magic mismatch or truncated block 0 still leaves the
			// data blocks themselves scannable; fall back to the
			// caller's configured orders to drive the scan.
			meta = Metadata{LeafOrder: uint32(opts.LeafOrder), InternalOrder: uint32(opts.InternalOrder)}
		}
		if meta.LeafOrder == 0 {
			meta.LeafOrder = uint32(opts.LeafOrder)
			meta.InternalOrder = uint32(opts.InternalOrder)
		}
		if err := rebuildFromBroken(e, meta); err != nil {
			return nil, err
		}
	}

	if err := e.finishOpen(opts); err != nil {
		return nil, err
	}
	return e, nil
}

// rebuildFromBroken scans every data block, keeps the live leaf
// records, replays the redo log over them, then discards the old store
// (renamed aside for inspection) and rebuilds a fresh tree from the
// recovered key/value set.
func rebuildFromBroken(e *engine, meta Metadata) error {
	leafOrder := int(meta.LeafOrder)
	internalOrder := int(meta.InternalOrder)

	entries := make(map[string][]byte)
	numBlocks := e.store.SizeInBlocks()
	for idx := uint32(1); idx < numBlocks; idx++ {
		buf, err := e.store.Get(idx)
		if err != nil {
			continue
		}
		node, decErr := decodeNode(buf, e.keyLen, e.valLen, leafOrder, internalOrder)
		e.store.ReleaseBuffer(buf)
		if decErr != nil || node == nil || node.Deleted() || !node.IsLeaf() {
			continue
		}
		leaf := node.(*LeafNode)
		for i, k := range leaf.keys {
			entries[string(k)] = leaf.values[i]
		}
	}

	redoOpts := RedoOptions{AlignBlocks: e.opts.RedoAlignBlocks, BufferSize: e.store.blockSize}
	if err := replayRedoFile(e.redoPath, e.keyLen, redoOpts, entries); err != nil {
		e.logger.Warn("redo replay during recovery failed, continuing with on-disk snapshot", zap.Error(err))
	}

	if err := e.store.Close(); err != nil {
		return err
	}
	ts := recoveryTimestamp()
	broken := fmt.Sprintf("%s.broken.%d", e.dataPath, ts)
	if err := os.Rename(e.dataPath, broken); err != nil {
		return fmt.Errorf("%w: rename broken store to %s: %v", common.ErrIO, broken, err)
	}
	e.logger.Warn("renamed unrecoverable store", zap.String("path", broken))
	brokenRedo := fmt.Sprintf("%s.broken.%d", e.redoPath, ts)
	if err := os.Rename(e.redoPath, brokenRedo); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("failed to archive stale redo log", zap.Error(err))
	}

	newStore, err := OpenBlockStore(e.dataPath, e.store.blockSize, e.opts.UseMmap, e.logger)
	if err != nil {
		return err
	}
	e.store = newStore
	e.leafOrder = leafOrder
	e.internalOrder = internalOrder
	e.elements = 0
	e.height = 0
	e.freeBitmap = NewBitmap()
	if err := e.initFresh(); err != nil {
		return err
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := e.putLocked([]byte(k), entries[k], false); err != nil {
			return err
		}
	}

	return nil
}

// replayRedoFile reapplies every PUT/REMOVE record found in the redo
// log at path onto entries, last write wins, matching the live state
// at the moment the engine crashed. opts must carry the alignment
// settings the log was written with so padding is skipped.
func replayRedoFile(path string, keyLen int, opts RedoOptions, entries map[string][]byte) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	redo, err := OpenRedoLog(path, opts)
	if err != nil {
		return err
	}
	defer redo.Close()

	var offset int64
	for {
		next, payload, err := redo.Read(offset)
		if err != nil || next <= offset || payload == nil {
			break
		}
		op, keyBuf, valBuf, decErr := DecodePayload(payload, keyLen)
		if decErr == nil {
			switch op {
			case redoOpPut:
				entries[string(keyBuf)] = append([]byte(nil), valBuf...)
			case redoOpRemove:
				delete(entries, string(keyBuf))
			}
		}
		offset = next
	}
	return nil
}
