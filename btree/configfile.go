package btree

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors Options for YAML loading. Fields left zero in the
// file keep whatever the caller already set on the Options passed to
// ApplyTo.
type FileConfig struct {
	Filename             string `yaml:"filename"`
	BlockSize            int    `yaml:"block_size"`
	AutoTune             bool   `yaml:"auto_tune"`
	LeafOrder            int    `yaml:"leaf_order"`
	InternalOrder        int    `yaml:"internal_order"`
	CacheSize            int    `yaml:"cache_size"`
	UseRedo              bool   `yaml:"use_redo"`
	UseRedoThread        bool   `yaml:"use_redo_thread"`
	RedoQueueDepth       int    `yaml:"redo_queue_depth"`
	DisablePopulateCache bool   `yaml:"disable_populate_cache"`
	DisableAutosyncStore bool   `yaml:"disable_autosync_store"`
	UseMmap              bool   `yaml:"use_mmap"`
	RedoAlignBlocks      bool   `yaml:"redo_align_blocks"`
	RedoFlushOnWrite     bool   `yaml:"redo_flush_on_write"`
	RedoSyncOnFlush      bool   `yaml:"redo_sync_on_flush"`
}

// LoadFileConfig reads a YAML config file from path. If path is empty
// or the file does not exist, it returns a zero FileConfig and a nil
// error so callers can treat "no config file" as "use defaults".
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	if path == "" {
		return fc, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return fc, err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close config file %q: %v\n", path, closeErr)
		}
	}()
	data, err := io.ReadAll(f)
	if err != nil {
		return fc, err
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// ApplyTo overlays non-zero FileConfig fields onto opts: a value set in
// the YAML file replaces the one already in opts, and fields the file
// leaves zero keep their opts value.
func (fc FileConfig) ApplyTo(opts *Options) {
	if fc.Filename != "" {
		opts.Filename = fc.Filename
	}
	if fc.BlockSize != 0 {
		opts.BlockSize = fc.BlockSize
	}
	if fc.AutoTune {
		opts.AutoTune = true
	}
	if fc.LeafOrder != 0 {
		opts.LeafOrder = fc.LeafOrder
	}
	if fc.InternalOrder != 0 {
		opts.InternalOrder = fc.InternalOrder
	}
	if fc.CacheSize != 0 {
		opts.CacheSize = fc.CacheSize
	}
	if fc.UseRedo {
		opts.UseRedo = true
	}
	if fc.UseRedoThread {
		opts.UseRedoThread = true
	}
	if fc.RedoQueueDepth != 0 {
		opts.RedoQueueDepth = fc.RedoQueueDepth
	}
	if fc.DisablePopulateCache {
		opts.DisablePopulateCache = true
	}
	if fc.DisableAutosyncStore {
		opts.DisableAutosyncStore = true
	}
	if fc.UseMmap {
		opts.UseMmap = true
	}
	if fc.RedoAlignBlocks {
		opts.RedoAlignBlocks = true
	}
	if fc.RedoFlushOnWrite {
		opts.RedoFlushOnWrite = true
	}
	if fc.RedoSyncOnFlush {
		opts.RedoSyncOnFlush = true
	}
}
