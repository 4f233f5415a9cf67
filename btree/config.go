package btree

import "fmt"

// MinBOrder is the smallest b-order the node layer accepts. Orders must
// additionally be odd, per spec.md §4.5.
const MinBOrder = 5

// minCacheBytes is the floor §6 sets on CacheSize.
const minCacheBytes = 1024

// Options mirrors the configuration table in spec.md §6. All fields
// must be set before Open; the engine never mutates them afterward.
type Options struct {
	// Filename is the base path for the three files: "<Filename>.data",
	// "<Filename>.redo" and "<Filename>.free".
	Filename string

	// BlockSize is the on-disk block size in bytes when AutoTune is
	// set; otherwise it is ignored and LeafOrder/InternalOrder (below)
	// govern node capacity directly.
	BlockSize int

	// AutoTune computes LeafOrder/InternalOrder to maximize fit within
	// BlockSize when true. When false, LeafOrder/InternalOrder must be
	// supplied directly and BlockSize is derived from them.
	AutoTune bool

	// LeafOrder/InternalOrder are used verbatim when AutoTune is false.
	LeafOrder     int
	InternalOrder int

	// CacheSize is the soft cap, in bytes, on cached node bytes. Values
	// below minCacheBytes are clamped up to it.
	CacheSize int

	// UseRedo enables the redo log; UseRedoThread additionally routes
	// writes through a dedicated writer goroutine.
	UseRedo       bool
	UseRedoThread bool

	// RedoQueueDepth bounds the redo writer thread's queue. spec.md §5
	// specifies a bounded queue of "capacity 1 by default" so a mutation
	// blocks on near-synchronous back-pressure rather than batching many
	// in-flight records that a crash could lose together. Values <= 0
	// are normalized up to 1.
	RedoQueueDepth int

	// DisablePopulateCache skips the read-cache warm-up normally
	// performed on Open.
	DisablePopulateCache bool

	// DisableAutosyncStore suppresses the fsync ReleaseNodes would
	// otherwise trigger once the cache crosses its high-water mark.
	DisableAutosyncStore bool

	// UseMmap requests the segmented memory-mapped read path (§4.2) on
	// platforms that support it; elsewhere it is ignored and a warning
	// is logged.
	UseMmap bool

	// RedoAlignBlocks, RedoFlushOnWrite and RedoSyncOnFlush forward to
	// the redo log, see spec.md §4.3.
	RedoAlignBlocks  bool
	RedoFlushOnWrite bool
	RedoSyncOnFlush  bool
}

// normalize validates and fills in derived fields. keyLen/valLen are
// the fixed widths of the configured key/value codecs.
func (o *Options) normalize(keyLen, valLen int) error {
	if o.Filename == "" {
		return fmt.Errorf("btree: Options.Filename must be set")
	}
	if o.CacheSize < minCacheBytes {
		o.CacheSize = minCacheBytes
	}
	if o.RedoQueueDepth <= 0 {
		o.RedoQueueDepth = 1
	}

	if o.AutoTune {
		if o.BlockSize <= 0 {
			return fmt.Errorf("btree: Options.BlockSize must be > 0 with AutoTune")
		}
		o.LeafOrder = autoTuneOrder(true, o.BlockSize, keyLen, valLen)
		o.InternalOrder = autoTuneOrder(false, o.BlockSize, keyLen, valLen)
	} else {
		if o.LeafOrder < MinBOrder || o.InternalOrder < MinBOrder {
			return fmt.Errorf("btree: LeafOrder and InternalOrder must be >= %d", MinBOrder)
		}
		if o.LeafOrder%2 == 0 || o.InternalOrder%2 == 0 {
			return fmt.Errorf("btree: LeafOrder and InternalOrder must be odd")
		}
		leafSize := structEstimateSize(true, o.LeafOrder, keyLen, valLen)
		internalSize := structEstimateSize(false, o.InternalOrder, keyLen, valLen)
		o.BlockSize = leafSize
		if internalSize > o.BlockSize {
			o.BlockSize = internalSize
		}
	}
	return nil
}

// autoTuneOrder finds the largest odd order >= MinBOrder whose
// serialized node still fits within blockSize, per spec.md §4.5 "Node
// configuration".
func autoTuneOrder(leaf bool, blockSize, keyLen, valLen int) int {
	order := MinBOrder
	for {
		next := order + 2
		if structEstimateSize(leaf, next, keyLen, valLen) > blockSize {
			break
		}
		order = next
	}
	return order
}
