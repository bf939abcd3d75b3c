package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/awnumar/memguard"

	"github.com/forest6511/securevault/internal/fsutil"
	"github.com/forest6511/securevault/pkg/backup"
	"github.com/forest6511/securevault/pkg/credential"
	"github.com/forest6511/securevault/pkg/crypto"
	"github.com/forest6511/securevault/pkg/engine"
	"github.com/forest6511/securevault/pkg/kdf"
	"github.com/forest6511/securevault/pkg/record"
)

// BackupRaw writes a byte copy of the store to w. An open handle is closed
// for the copy and always reopened afterwards.
func (v *Vault) BackupRaw(ctx context.Context, w io.Writer) (n int64, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.usable(); err != nil {
		return 0, err
	}
	if _, err := os.Stat(v.dbPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotInitialized
		}
		return 0, classify(err)
	}

	if enc := v.pass; v.h != nil {
		v.closeHandle()
		defer func() {
			if rerr := v.reopen(ctx, enc); rerr != nil {
				v.guard.Lock()
				err = errors.Join(err, rerr)
			}
		}()
	}

	n, err = backup.CopyRaw(w, v.dbPath)
	if err != nil {
		v.log.Warn().Err(err).Msg("raw backup failed")
		return n, classify(err)
	}
	v.guard.OnInteraction()
	v.log.Info().Int64("bytes", n).Msg("raw backup written")
	return n, nil
}

// RestoreRaw replaces the store with the raw backup read from r. password
// must open the backup; it becomes the vault password. On any failure
// before the swap the current store and credential are untouched.
func (v *Vault) RestoreRaw(ctx context.Context, password string, r io.Reader) (map[record.Kind]int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, fmt.Errorf("%w: vault is closed", ErrIO)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: empty password", ErrInvalidInput)
	}

	staged, size, err := backup.StageRaw(r, v.dbPath)
	if err != nil {
		return nil, classify(err)
	}
	swapped := false
	defer func() {
		if !swapped {
			if rmErr := engine.Remove(staged); rmErr != nil {
				v.log.Warn().Err(rmErr).Msg("failed to remove staged restore file")
			}
		}
	}()

	if _, err := fsutil.Ensure(v.path, size); err != nil {
		return nil, classify(err)
	}

	// The backup may come from a vault set up with other costs.
	d, err := v.deriverFor(ctx, staged)
	if err != nil {
		v.log.Warn().Err(err).Bool("mutated", false).Msg("restore candidate rejected")
		return nil, err
	}
	pass := d.Passphrase(password)
	defer crypto.SecureWipe(pass)

	counts, err := backup.ProbeRaw(ctx, staged, pass)
	if err != nil {
		v.log.Warn().Err(err).Bool("mutated", false).Msg("restore candidate rejected")
		return nil, classify(err)
	}

	prev := v.pass
	wasOpen := v.h != nil
	v.closeHandle()

	if err := v.swapIn(staged); err != nil {
		if wasOpen {
			if rerr := v.reopen(ctx, prev); rerr != nil {
				v.guard.Lock()
				return nil, errors.Join(err, rerr)
			}
		}
		return nil, err
	}
	swapped = true

	v.deriver = d
	err = credential.SaveParams(v.creds, d.Params())
	if err == nil {
		var cred *kdf.Credential
		if cred, err = d.NewCredential(password); err == nil {
			err = credential.Save(v.creds, cred)
			cred.Wipe()
		}
	}
	if err != nil {
		v.markRecoveryRequired("credential write failed after restore")
		return nil, fmt.Errorf("%w: %w", ErrPostSwapInconsistency, err)
	}
	if err := v.clearRecoveryMarker(); err != nil {
		v.log.Warn().Err(err).Msg("failed to clear recovery marker")
	}
	if err := v.clearLockState(); err != nil {
		v.log.Warn().Err(err).Msg("failed to clear lock state")
	}

	if err := v.reopen(ctx, memguard.NewEnclave(cloneBytes(pass))); err != nil {
		v.guard.Lock()
		return counts, err
	}
	v.guard.Unlocked()
	v.log.Info().Int64("bytes", size).Msg("raw backup restored")
	return counts, nil
}

// swapIn renames staged over the live store.
func (v *Vault) swapIn(staged string) error {
	if err := engine.RemoveCompanions(v.dbPath); err != nil {
		return classify(err)
	}
	if err := os.Rename(staged, v.dbPath); err != nil {
		return fmt.Errorf("%w: failed to replace store: %w", ErrIO, err)
	}
	if err := fsutil.SyncDir(v.path); err != nil {
		v.log.Warn().Err(err).Msg("failed to sync vault directory")
	}
	return nil
}

// closeHandle closes the live handle but keeps the passphrase enclave for a
// reopen.
func (v *Vault) closeHandle() {
	if v.h == nil {
		return
	}
	if err := v.h.Close(); err != nil {
		v.log.Warn().Err(err).Msg("failed to close store")
	}
	v.h = nil
}

// ExportEncrypted writes every record to w as a structured backup sealed
// with password.
func (v *Vault) ExportEncrypted(ctx context.Context, w io.Writer, password string) (*backup.Header, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.unlocked(); err != nil {
		return nil, err
	}
	v.guard.OnInteraction()

	set, err := v.h.ReadSet(ctx)
	if err != nil {
		return nil, classify(err)
	}
	header, err := backup.Export(w, set, []byte(password), v.deriver.Params())
	if err != nil {
		return nil, classify(err)
	}
	v.log.Info().Int("records", header.RecordCount).Msg("structured backup written")
	return header, nil
}

// ImportEncrypted decrypts the structured backup in r and replaces every
// record in the open store with its contents. Nothing is written unless the
// whole backup decrypts and verifies.
func (v *Vault) ImportEncrypted(ctx context.Context, r io.Reader, password string) (map[record.Kind]int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.unlocked(); err != nil {
		return nil, err
	}
	v.guard.OnInteraction()

	set, header, err := backup.Import(r, []byte(password))
	if err != nil {
		v.log.Warn().Err(err).Bool("mutated", false).Msg("structured backup rejected")
		return nil, classify(err)
	}
	if err := v.h.ReplaceAll(ctx, set); err != nil {
		return nil, classify(err)
	}
	counts, err := v.h.Count(ctx)
	if err != nil {
		return nil, classify(err)
	}
	v.log.Info().Int("records", header.RecordCount).Msg("structured backup imported")
	return counts, nil
}

// VerifyEncrypted checks a structured backup without importing it.
func (v *Vault) VerifyEncrypted(r io.Reader, password string) *backup.VerifyResult {
	res := backup.Verify(r, []byte(password))
	if !res.Valid {
		res.Err = classify(res.Err)
	}
	return res
}
