package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/forest6511/securevault/pkg/credential"
	"github.com/forest6511/securevault/pkg/crypto"
	"github.com/forest6511/securevault/pkg/engine"
	"github.com/forest6511/securevault/pkg/kdf"
	"github.com/forest6511/securevault/pkg/rekey"
)

// ChangePassword re-encrypts the store under newPassword and then replaces
// the credential.
//
// If re-encryption fails nothing changed and the error wraps ErrMigration.
// If the credential cannot be written after the swap, the store already
// needs newPassword: the vault is marked for recovery and the error wraps
// ErrPostSwapInconsistency.
func (v *Vault) ChangePassword(ctx context.Context, oldPassword, newPassword string) (*rekey.Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.usable(); err != nil {
		return nil, err
	}
	if err := v.checkCooldown(); err != nil {
		return nil, err
	}
	if err := v.verify(oldPassword); err != nil {
		return nil, err
	}
	if err := checkPolicy(newPassword); err != nil {
		return nil, err
	}

	d, err := v.deriverFor(ctx, v.dbPath)
	if err != nil {
		return nil, err
	}
	oldPass := d.Passphrase(oldPassword)
	newPass := d.Passphrase(newPassword)
	defer crypto.SecureWipe(oldPass)
	defer crypto.SecureWipe(newPass)

	wasOpen := v.h != nil
	v.lockLocked()

	res, err := v.rekey.Run(ctx, v.dbPath, oldPass, newPass)
	if err != nil {
		v.log.Warn().Err(err).Bool("mutated", false).Msg("password change failed")
		if wasOpen {
			if rerr := v.reopen(ctx, memguard.NewEnclave(cloneBytes(oldPass))); rerr != nil {
				v.guard.Lock()
				return nil, errors.Join(classify(err), rerr)
			}
		}
		return nil, classify(err)
	}

	cred, err := v.deriver.NewCredential(newPassword)
	if err == nil {
		err = credential.Save(v.creds, cred)
		cred.Wipe()
	}
	if err != nil {
		v.markRecoveryRequired("credential write failed after re-encryption")
		return nil, fmt.Errorf("%w: %w", ErrPostSwapInconsistency, err)
	}
	v.log.Info().Int("records", res.Total).Dur("duration", res.Duration).Msg("password changed")

	if wasOpen {
		if err := v.reopen(ctx, memguard.NewEnclave(cloneBytes(newPass))); err != nil {
			v.guard.Lock()
			return res, err
		}
		v.guard.OnInteraction()
	}
	return res, nil
}

// Recover clears a credential/store mismatch. password must open the store;
// a fresh credential is then written for it and the vault is unlocked.
func (v *Vault) Recover(ctx context.Context, password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return fmt.Errorf("%w: vault is closed", ErrIO)
	}
	if !v.recoveryRequired() {
		return nil
	}
	if err := v.checkCooldown(); err != nil {
		return err
	}

	d, err := v.deriverFor(ctx, v.dbPath)
	if err != nil {
		return err
	}
	pass := d.Passphrase(password)
	h, err := engine.Open(ctx, v.dbPath, pass, engine.Options{Logger: &v.log})
	if err != nil {
		crypto.SecureWipe(pass)
		if errors.Is(err, engine.ErrAuthentication) {
			if _, ferr := v.recordFailedAttempt(); ferr != nil {
				v.log.Warn().Err(ferr).Msg("failed to record failed attempt")
			}
		}
		return classify(err)
	}

	// The credential follows the store's costs.
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
		h.Close()
		crypto.SecureWipe(pass)
		return classify(err)
	}
	if err := v.clearRecoveryMarker(); err != nil {
		h.Close()
		crypto.SecureWipe(pass)
		return classify(err)
	}
	if err := v.clearLockState(); err != nil {
		v.log.Warn().Err(err).Msg("failed to clear lock state")
	}

	v.setOpen(h, pass)
	v.log.Info().Msg("vault recovered")
	return nil
}

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
