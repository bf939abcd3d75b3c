// Package credential persists the vault credential (salt and password hash)
// outside the encrypted storage engine, so the password can be checked
// before the engine is opened.
//
// The store does not encrypt its contents. It relies on the file being
// readable by the owner only (0600 inside a 0700 vault directory).
package credential

import (
	"errors"
	"fmt"
	"sync"

	"github.com/forest6511/securevault/pkg/kdf"
)

// Preference keys.
const (
	KeySalt       = "salt"
	KeyMasterHash = "master_hash"
)

var (
	// ErrNotInitialized means no complete credential is stored yet.
	ErrNotInitialized = errors.New("credential: vault not initialized")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("credential: store is closed")
)

// Store is a small string preference store.
type Store interface {
	// GetString returns the value for key and whether it was present.
	GetString(key string) (string, bool, error)
	// PutString sets a single key.
	PutString(key, value string) error
	// PutCredential overwrites salt and master_hash together, atomically.
	PutCredential(salt, hash string) error
	Close() error
}

// Load reads and decodes the current credential.
func Load(s Store) (*kdf.Credential, error) {
	salt, ok, err := s.GetString(KeySalt)
	if err != nil {
		return nil, err
	}
	hash, ok2, err := s.GetString(KeyMasterHash)
	if err != nil {
		return nil, err
	}
	if !ok || !ok2 {
		return nil, ErrNotInitialized
	}
	cred, err := kdf.DecodeCredential(salt, hash)
	if err != nil {
		return nil, fmt.Errorf("credential: stored credential is unreadable: %w", err)
	}
	return cred, nil
}

// Save encodes cred and writes both keys in one operation.
func Save(s Store, cred *kdf.Credential) error {
	salt, hash := cred.Encode()
	return s.PutCredential(salt, hash)
}

// Initialized reports whether both credential keys are present.
func Initialized(s Store) (bool, error) {
	_, ok, err := s.GetString(KeySalt)
	if err != nil || !ok {
		return false, err
	}
	_, ok, err = s.GetString(KeyMasterHash)
	return ok, err
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
	closed bool

	// FailWrites makes every write return this error when set.
	FailWrites error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) GetString(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) PutString(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.values[key] = value
	return nil
}

func (m *MemoryStore) PutCredential(salt, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.values[KeySalt] = salt
	m.values[KeyMasterHash] = hash
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
