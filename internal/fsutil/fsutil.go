// Package fsutil holds the file-system helpers shared by the rekey and
// restore paths: free-space checks, durable copies and directory syncs.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// MinFreeBytes is the floor kept free on the vault volume.
	MinFreeBytes = 10 * 1024 * 1024
	// WarnUsedPercent is the usage level at which Ensure reports Low.
	WarnUsedPercent = 90
)

// ErrInsufficientDisk is returned by Ensure.
var ErrInsufficientDisk = errors.New("fsutil: insufficient disk space")

// DiskSpace describes the volume holding a path.
type DiskSpace struct {
	Total     uint64 `json:"total"`
	Free      uint64 `json:"free"`
	Available uint64 `json:"available"` // to non-root users
	UsedPct   int    `json:"used_pct"`
}

// Low reports whether usage is at or above WarnUsedPercent.
func (d *DiskSpace) Low() bool { return d.UsedPct >= WarnUsedPercent }

// Ensure checks that the volume holding dir can take a write of size bytes:
// at least MinFreeBytes or twice size, whichever is larger. The returned
// DiskSpace is nil when the volume could not be queried; that case is not an
// error, so callers on exotic filesystems are not blocked.
func Ensure(dir string, size int64) (*DiskSpace, error) {
	info, err := Stat(dir)
	if err != nil {
		return nil, nil
	}
	required := uint64(MinFreeBytes)
	if size > 0 && uint64(size)*2 > required {
		required = uint64(size) * 2
	}
	if info.Available < required {
		return info, fmt.Errorf("%w: only %d MB available, need at least %d MB",
			ErrInsufficientDisk, info.Available/(1024*1024), required/(1024*1024))
	}
	return info, nil
}

func usedPct(total, free uint64) int {
	if total == 0 {
		return 0
	}
	return int(100 * (total - free) / total)
}

// CopyFile copies src to dst (created 0600, truncated) and fsyncs dst.
func CopyFile(dst, src string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return WriteFile(dst, in)
}

// WriteFile streams r into dst (created 0600, truncated) and fsyncs it.
func WriteFile(dst string, r io.Reader) (int64, error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, r)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// SyncDir flushes directory metadata so a preceding rename is durable.
func SyncDir(dir string) error {
	d, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return err
	}
	defer d.Close()
	return syncDir(d)
}

// SameFile reports whether two files have identical contents.
func SameFile(a, b string) (bool, error) {
	x, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	y, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return string(x) == string(y), nil
}
