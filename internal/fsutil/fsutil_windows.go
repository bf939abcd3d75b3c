//go:build windows

package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
)

// Stat returns space information for the volume holding path.
func Stat(path string) (*DiskSpace, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Dir(path)
	}

	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("fsutil: failed to convert path: %w", err)
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return nil, fmt.Errorf("fsutil: failed to get disk stats: %w", err)
	}
	return &DiskSpace{
		Total:     total,
		Free:      free,
		Available: avail,
		UsedPct:   usedPct(total, free),
	}, nil
}

// Directories cannot be fsynced on windows; MoveFileEx is already durable.
func syncDir(*os.File) error { return nil }
