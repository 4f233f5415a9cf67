//go:build !unix

package btree

import (
	"fmt"
	"os"
)

// mmapSegments is unavailable on non-unix platforms; OpenBlockStore
// falls back to positional I/O and logs a warning when UseMmap was
// requested.
type mmapSegments struct{}

func newMmapSegments(_ *os.File, _ int) (*mmapSegments, error) {
	return nil, fmt.Errorf("btree: segmented mmap is not supported on this platform")
}

func (m *mmapSegments) slice(_ uint32) ([]byte, error)         { return nil, errMmapUnsupported }
func (m *mmapSegments) sliceForWrite(_ uint32) ([]byte, error) { return nil, errMmapUnsupported }
func (m *mmapSegments) sync() error                            { return nil }
func (m *mmapSegments) close()                                 {}

var errMmapUnsupported = fmt.Errorf("btree: segmented mmap is not supported on this platform")
