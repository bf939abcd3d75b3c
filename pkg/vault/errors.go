package vault

import (
	"errors"
	"fmt"

	"github.com/forest6511/securevault/pkg/backup"
	"github.com/forest6511/securevault/pkg/credential"
	"github.com/forest6511/securevault/pkg/engine"
	"github.com/forest6511/securevault/pkg/record"
	"github.com/forest6511/securevault/pkg/rekey"
)

// Errors returned by Vault operations. Lower-level causes stay reachable
// through errors.Is; these classify them for the UI.
var (
	ErrAuthentication        = errors.New("vault: wrong password")
	ErrCorruptData           = errors.New("vault: data is corrupt or not a vault file")
	ErrIO                    = errors.New("vault: storage I/O failed")
	ErrMigration             = errors.New("vault: re-encryption failed, nothing was changed")
	ErrPostSwapInconsistency = errors.New("vault: data was re-encrypted but the credential could not be saved")
	ErrNotInitialized        = errors.New("vault: vault is not set up")
	ErrAlreadyInitialized    = errors.New("vault: vault is already set up")
	ErrLocked                = errors.New("vault: vault is locked")
	ErrRecoveryRequired      = errors.New("vault: recovery required")
	ErrBusy                  = errors.New("vault: vault is in use by another process")
	ErrWeakPassword          = errors.New("vault: password does not meet the policy")
	ErrCooldownActive        = errors.New("vault: too many failed attempts, try again later")
	ErrRecordNotFound        = errors.New("vault: record not found")
	ErrInvalidInput          = errors.New("vault: invalid input")
)

// classify wraps err with the vault sentinel matching its cause.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sentinel error
	switch {
	case isVaultSentinel(err):
		return err
	case errors.Is(err, rekey.ErrBusy):
		sentinel = ErrBusy
	case errors.Is(err, rekey.ErrMigration):
		sentinel = ErrMigration
	case errors.Is(err, engine.ErrAuthentication),
		errors.Is(err, backup.ErrWrongPassword):
		sentinel = ErrAuthentication
	case errors.Is(err, engine.ErrCorrupt),
		errors.Is(err, backup.ErrInvalidMagic),
		errors.Is(err, backup.ErrUnsupportedVersion),
		errors.Is(err, backup.ErrTruncated),
		errors.Is(err, backup.ErrInvalidHeader),
		errors.Is(err, backup.ErrIntegrityFailed),
		errors.Is(err, backup.ErrDecryptionFailed),
		errors.Is(err, backup.ErrNotRawBackup):
		sentinel = ErrCorruptData
	case errors.Is(err, engine.ErrRecordNotFound):
		sentinel = ErrRecordNotFound
	case errors.Is(err, record.ErrUnknownKind),
		errors.Is(err, record.ErrDuplicateID),
		errors.Is(err, engine.ErrEmptyPassphrase),
		errors.Is(err, backup.ErrEmptyPassword):
		sentinel = ErrInvalidInput
	case errors.Is(err, engine.ErrNotFound),
		errors.Is(err, credential.ErrNotInitialized):
		sentinel = ErrNotInitialized
	default:
		sentinel = ErrIO
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

var sentinels = []error{
	ErrAuthentication, ErrCorruptData, ErrIO, ErrMigration, ErrPostSwapInconsistency,
	ErrNotInitialized, ErrAlreadyInitialized, ErrLocked, ErrRecoveryRequired,
	ErrBusy, ErrWeakPassword, ErrCooldownActive, ErrRecordNotFound, ErrInvalidInput,
}

func isVaultSentinel(err error) bool {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

// Outcome is the UI-facing summary of an operation result.
type Outcome struct {
	OK     bool
	Reason string
	// Mutated is set when durable state changed before the failure.
	Mutated bool
}

// Describe turns an operation error into an Outcome.
func Describe(err error) Outcome {
	if err == nil {
		return Outcome{OK: true}
	}
	o := Outcome{}
	switch {
	case errors.Is(err, ErrPostSwapInconsistency):
		o.Reason = "Data was re-encrypted but the new password could not be saved. Run recovery with the new password."
		o.Mutated = true
	case errors.Is(err, ErrRecoveryRequired):
		o.Reason = "The vault needs recovery before it can be used."
	case errors.Is(err, ErrCooldownActive):
		o.Reason = "Too many failed attempts. Wait before trying again."
	case errors.Is(err, ErrAuthentication):
		o.Reason = "Incorrect password."
	case errors.Is(err, ErrWeakPassword):
		o.Reason = "Password must be 8-128 characters and include a letter, a digit and a symbol."
	case errors.Is(err, ErrMigration):
		o.Reason = "Changing the password failed. Your data is unchanged."
	case errors.Is(err, ErrCorruptData):
		o.Reason = "The file is damaged or is not a vault backup."
	case errors.Is(err, ErrNotInitialized):
		o.Reason = "No vault has been set up yet."
	case errors.Is(err, ErrAlreadyInitialized):
		o.Reason = "A vault already exists."
	case errors.Is(err, ErrLocked):
		o.Reason = "The vault is locked."
	case errors.Is(err, ErrRecordNotFound):
		o.Reason = "Record not found."
	case errors.Is(err, ErrInvalidInput):
		o.Reason = "Invalid input."
	case errors.Is(err, ErrBusy):
		o.Reason = "The vault is in use by another process."
	default:
		o.Reason = "A storage error occurred."
	}
	return o
}
