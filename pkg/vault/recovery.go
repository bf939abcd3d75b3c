package vault

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// recoveryMarker is written next to the store when the credential and the
// store no longer agree. It holds no secrets.
type recoveryMarker struct {
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

func (v *Vault) markerPath() string {
	return filepath.Join(v.path, RecoveryMarkerName)
}

func (v *Vault) recoveryRequired() bool {
	_, err := os.Stat(v.markerPath())
	return err == nil
}

// markRecoveryRequired closes the live handle and writes the marker. Callers
// hold v.mu.
func (v *Vault) markRecoveryRequired(reason string) {
	v.lockLocked()
	v.guard.Lock()

	data, _ := json.Marshal(recoveryMarker{Reason: reason, CreatedAt: v.now().UTC()})
	if err := os.WriteFile(v.markerPath(), data, FileMode); err != nil {
		v.log.Error().Err(err).Msg("failed to write recovery marker")
	}
	v.log.Error().Bool("mutated", true).Str("reason", reason).Msg("vault requires recovery")
}

func (v *Vault) clearRecoveryMarker() error {
	err := os.Remove(v.markerPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
