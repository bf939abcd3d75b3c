//go:build !windows

package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Stat returns space information for the volume holding path, falling back
// to the parent directory when path does not exist yet.
func Stat(path string) (*DiskSpace, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		if err := unix.Statfs(filepath.Dir(path), &st); err != nil {
			return nil, fmt.Errorf("fsutil: failed to get disk stats: %w", err)
		}
	}

	bsize := uint64(st.Bsize)
	total := uint64(st.Blocks) * bsize
	free := uint64(st.Bfree) * bsize
	return &DiskSpace{
		Total:     total,
		Free:      free,
		Available: uint64(st.Bavail) * bsize,
		UsedPct:   usedPct(total, free),
	}, nil
}

func syncDir(d *os.File) error {
	return d.Sync()
}
