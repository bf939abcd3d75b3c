package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Unlock attempt limits: 5 attempts -> 30s, 10 attempts -> 5min,
// 20 attempts -> 30min.
const (
	CooldownThreshold1 = 5
	CooldownThreshold2 = 10
	CooldownThreshold3 = 20
	CooldownDuration1  = 30 * time.Second
	CooldownDuration2  = 5 * time.Minute
	CooldownDuration3  = 30 * time.Minute
)

// LockState tracks failed unlock attempts for cooldown enforcement.
type LockState struct {
	FailedAttempts int       `json:"failed_attempts"`
	LastAttempt    time.Time `json:"last_attempt"`
	CooldownUntil  time.Time `json:"cooldown_until"`
}

func (v *Vault) lockStatePath() string {
	return filepath.Join(v.path, LockStateFileName)
}

// loadLockState reads the lock state file. A corrupted file resets the state.
func (v *Vault) loadLockState() (*LockState, error) {
	data, err := os.ReadFile(v.lockStatePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &LockState{}, nil
		}
		return nil, fmt.Errorf("vault: failed to read lock state: %w", err)
	}

	var state LockState
	if err := json.Unmarshal(data, &state); err != nil {
		return &LockState{}, nil
	}
	return &state, nil
}

func (v *Vault) saveLockState(state *LockState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal lock state: %w", err)
	}
	if err := os.WriteFile(v.lockStatePath(), data, FileMode); err != nil {
		return fmt.Errorf("vault: failed to write lock state: %w", err)
	}
	return nil
}

func (v *Vault) clearLockState() error {
	err := os.Remove(v.lockStatePath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("vault: failed to clear lock state: %w", err)
	}
	return nil
}

// checkCooldown returns ErrCooldownActive while a cooldown is running.
func (v *Vault) checkCooldown() error {
	remaining := v.remainingCooldown()
	if remaining > 0 {
		return fmt.Errorf("%w: please wait %v", ErrCooldownActive, remaining.Round(time.Second))
	}
	return nil
}

func (v *Vault) remainingCooldown() time.Duration {
	state, err := v.loadLockState()
	if err != nil {
		return 0
	}
	now := v.now()
	if !state.CooldownUntil.IsZero() && now.Before(state.CooldownUntil) {
		return state.CooldownUntil.Sub(now)
	}
	return 0
}

// recordFailedAttempt counts a failed unlock and starts a cooldown at the
// thresholds. It returns the cooldown started, if any.
func (v *Vault) recordFailedAttempt() (time.Duration, error) {
	state, err := v.loadLockState()
	if err != nil {
		return 0, err
	}

	now := v.now()
	state.FailedAttempts++
	state.LastAttempt = now

	var cooldown time.Duration
	switch {
	case state.FailedAttempts >= CooldownThreshold3:
		cooldown = CooldownDuration3
	case state.FailedAttempts >= CooldownThreshold2:
		cooldown = CooldownDuration2
	case state.FailedAttempts >= CooldownThreshold1:
		cooldown = CooldownDuration1
	}
	if cooldown > 0 {
		state.CooldownUntil = now.Add(cooldown)
	}

	return cooldown, v.saveLockState(state)
}
