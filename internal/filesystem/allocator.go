package filesystem

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrDiskFull is returned by CheckDiskSpace when free space (minus the
// stability buffer) would not cover the requested write; the image saver
// maps this directly to the fs.disk_full category.
var ErrDiskFull = errors.New("filesystem: disk full")

// Allocator checks free disk space ahead of a write. Unlike a byte-range
// download whose final size is known up front, a gallery image's size is
// only known once its headers arrive (or never, for a chunked response),
// so there is no pre-truncation step here — only the space check.
type Allocator struct{}

func NewAllocator() *Allocator {
	return &Allocator{}
}

// CheckDiskSpace verifies the volume holding path has room for required
// bytes plus a stability buffer. required may be 0 when the server gave no
// Content-Length; the buffer alone is then the guard.
func (a *Allocator) CheckDiskSpace(path string, required int64) error {
	return a.checkDiskSpace(path, required)
}

func (a *Allocator) checkDiskSpace(path string, required int64) error {
	dir := filepath.Dir(path)

	// Get volume usage
	usage, err := disk.Usage(dir)
	if err != nil {
		// Fallback: If path doesn't exist yet, we might check volume of root?
		// But disk.Usage works on directories.
		return fmt.Errorf("failed to check disk space: %w", err)
	}

	// Add a buffer of 100MB for system stability
	const buffer = 100 * 1024 * 1024

	if int64(usage.Free) < (required + buffer) {
		return fmt.Errorf("%w: required %d bytes, available %d bytes", ErrDiskFull, required, usage.Free)
	}

	return nil
}
