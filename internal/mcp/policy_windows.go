//go:build windows

package mcp

import (
	"fmt"
	"os"
)

// openPolicyFile opens the policy file on Windows.
// Windows doesn't have O_NOFOLLOW, but symlinks are less common on Windows
// and require special privileges to create.
func openPolicyFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("mcp: failed to open policy file: %w", err)
	}
	return f, nil
}

// checkFilePermissions is a no-op: Windows reports ACL-protected files with
// Unix-style modes that do not reflect who can read them.
func checkFilePermissions(_ os.FileInfo) error {
	return nil
}

// checkFileOwnership on Windows is a no-op.
func checkFileOwnership(_ os.FileInfo) error {
	return nil
}
