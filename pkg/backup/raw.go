package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/forest6511/securevault/internal/fsutil"
	"github.com/forest6511/securevault/pkg/engine"
	"github.com/forest6511/securevault/pkg/record"
)

// StageMarker separates the live file name from the suffix of a staged
// restore candidate.
const StageMarker = ".restore-"

// CopyRaw writes the bytes of the engine file at path to w. The caller must
// have closed every handle on path so the file is quiescent.
func CopyRaw(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("backup: failed to open store: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("backup: failed to copy store: %w", err)
	}
	return n, nil
}

// StageRaw copies a raw backup from r into a new file next to livePath and
// returns its path. The staged file is removed on error.
func StageRaw(r io.Reader, livePath string) (string, int64, error) {
	staged := livePath + StageMarker + uuid.NewString()

	head := make([]byte, 16)
	n, err := io.ReadFull(r, head)
	if err != nil && n == 0 {
		return "", 0, fmt.Errorf("%w: empty input", ErrNotRawBackup)
	}
	if DetectFormat(head[:n]) != FormatRaw {
		return "", 0, ErrNotRawBackup
	}

	written, err := fsutil.WriteFile(staged, io.MultiReader(bytes.NewReader(head[:n]), r))
	if err != nil {
		os.Remove(staged)
		return "", 0, fmt.Errorf("backup: failed to stage raw backup: %w", err)
	}
	return staged, written, nil
}

// ProbeRaw opens the staged file with passphrase, without creating or
// migrating anything first, and returns its record counts. The file is
// closed again before returning.
func ProbeRaw(ctx context.Context, path string, passphrase []byte) (map[record.Kind]int, error) {
	h, err := engine.Open(ctx, path, passphrase, engine.Options{})
	if err != nil {
		return nil, err
	}
	counts, err := h.Count(ctx)
	if cerr := h.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	if err := engine.RemoveCompanions(path); err != nil {
		return nil, err
	}
	return counts, nil
}

// CleanupStaged removes restore candidates left next to livePath.
func CleanupStaged(livePath string) error {
	matches, err := filepath.Glob(livePath + StageMarker + "*")
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
