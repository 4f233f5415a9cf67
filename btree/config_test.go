package btree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionsNormalizeAutoTunePicksLargestOddOrder(t *testing.T) {
	opts := Options{Filename: "x", AutoTune: true, BlockSize: 4096, CacheSize: 1}
	require.NoError(t, opts.normalize(8, 8))
	require.True(t, opts.LeafOrder >= MinBOrder)
	require.Equal(t, 1, opts.LeafOrder%2)
	require.Greater(t, structEstimateSize(true, opts.LeafOrder+2, 8, 8), 4096)
	require.Equal(t, minCacheBytes, opts.CacheSize)
}

func TestOptionsNormalizeRejectsEvenOrder(t *testing.T) {
	opts := Options{Filename: "x", LeafOrder: 6, InternalOrder: 7}
	require.Error(t, opts.normalize(8, 8))
}

func TestOptionsNormalizeRejectsMissingFilename(t *testing.T) {
	opts := Options{LeafOrder: 5, InternalOrder: 5}
	require.Error(t, opts.normalize(8, 8))
}

func TestOptionsNormalizeDerivesBlockSizeFromOrders(t *testing.T) {
	opts := Options{Filename: "x", LeafOrder: 5, InternalOrder: 5}
	require.NoError(t, opts.normalize(8, 8))
	require.Positive(t, opts.BlockSize)
}

func TestOptionsNormalizeDefaultsRedoQueueDepthToOne(t *testing.T) {
	opts := Options{Filename: "x", LeafOrder: 5, InternalOrder: 5}
	require.NoError(t, opts.normalize(8, 8))
	require.Equal(t, 1, opts.RedoQueueDepth)

	opts = Options{Filename: "x", LeafOrder: 5, InternalOrder: 5, RedoQueueDepth: 8}
	require.NoError(t, opts.normalize(8, 8))
	require.Equal(t, 8, opts.RedoQueueDepth)
}
