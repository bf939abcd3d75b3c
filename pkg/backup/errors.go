// Package backup produces and consumes vault backups.
//
// Two formats exist. A raw backup is a byte copy of the engine file and can
// only be opened with the password that was current when it was taken. A
// structured backup is a password-encrypted JSON export of every record that
// can be imported into any vault.
package backup

import "errors"

var (
	// ErrInvalidMagic indicates the input is not a structured backup.
	ErrInvalidMagic = errors.New("backup: invalid backup file: magic number mismatch")

	// ErrUnsupportedVersion indicates a structured backup from a newer format.
	ErrUnsupportedVersion = errors.New("backup: unsupported backup format version")

	// ErrTruncated indicates the input ended before the format said it would.
	ErrTruncated = errors.New("backup: backup file is truncated")

	// ErrInvalidHeader indicates an unreadable or implausible header.
	ErrInvalidHeader = errors.New("backup: invalid backup header")

	// ErrWrongPassword indicates the password does not match the check value.
	ErrWrongPassword = errors.New("backup: wrong backup password")

	// ErrIntegrityFailed indicates the HMAC did not match although the
	// password did, i.e. the file was modified.
	ErrIntegrityFailed = errors.New("backup: integrity check failed: HMAC mismatch")

	// ErrDecryptionFailed indicates the payload could not be decrypted or decoded.
	ErrDecryptionFailed = errors.New("backup: decryption failed")

	// ErrEmptyPassword indicates an empty password was provided.
	ErrEmptyPassword = errors.New("backup: password cannot be empty")

	// ErrNotRawBackup indicates a raw restore candidate is not an engine file.
	ErrNotRawBackup = errors.New("backup: not a raw vault backup")
)
