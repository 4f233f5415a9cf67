package btree

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFileConfigMissingPathReturnsZeroValue(t *testing.T) {
	fc, err := LoadFileConfig("")
	require.NoError(t, err)
	require.Equal(t, FileConfig{}, fc)

	fc, err = LoadFileConfig(fmt.Sprintf("%s/does-not-exist.yaml", t.TempDir()))
	require.NoError(t, err)
	require.Equal(t, FileConfig{}, fc)
}

func TestLoadFileConfigParsesYAMLAndOverlaysOptions(t *testing.T) {
	path := fmt.Sprintf("%s/bptree.yaml", t.TempDir())
	body := "filename: /var/lib/store\ncache_size: 8192\nuse_redo: true\nleaf_order: 9\ninternal_order: 9\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	fc, err := LoadFileConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/store", fc.Filename)
	require.Equal(t, 8192, fc.CacheSize)
	require.True(t, fc.UseRedo)

	opts := Options{Filename: "ignored", LeafOrder: 5, InternalOrder: 5}
	fc.ApplyTo(&opts)
	require.Equal(t, "/var/lib/store", opts.Filename)
	require.Equal(t, 8192, opts.CacheSize)
	require.True(t, opts.UseRedo)
	require.Equal(t, 9, opts.LeafOrder)
	require.Equal(t, 9, opts.InternalOrder)
}
