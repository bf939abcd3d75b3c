package engine

import (
	"errors"
	"fmt"
	"os"
)

// CompanionSuffixes are the sidecar files SQLite may leave next to a store.
var CompanionSuffixes = []string{"-journal", "-wal", "-shm"}

// RemoveCompanions deletes the journal, WAL and shared-memory files of the
// store at path. Missing files are not an error.
func RemoveCompanions(path string) error {
	var errs []error
	for _, suffix := range CompanionSuffixes {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("engine: failed to remove companion files: %w", errors.Join(errs...))
	}
	return nil
}

// Remove deletes the store file and its companions.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("engine: failed to remove store: %w", err)
	}
	return RemoveCompanions(path)
}
