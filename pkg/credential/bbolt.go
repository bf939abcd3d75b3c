package credential

import (
	"errors"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

// FileName is the credential store file inside the vault directory.
const FileName = "credentials.db"

var bucketPrefs = []byte("prefs")

// BoltStore implements Store on a bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the bbolt credential store at path with 0600
// permissions.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("credential: failed to open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPrefs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("credential: failed to create bucket: %w", err)
	}

	// bbolt honours the mode only on create
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("credential: failed to set permissions: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) GetString(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrefs)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			value = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, wrapClosed(err)
	}
	return value, found, nil
}

func (s *BoltStore) PutString(key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrefs).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("credential: failed to write %s: %w", key, wrapClosed(err))
	}
	return nil
}

// PutCredential writes salt and master_hash in a single bbolt transaction:
// readers observe either both old values or both new ones.
func (s *BoltStore) PutCredential(salt, hash string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrefs)
		if err := b.Put([]byte(KeySalt), []byte(salt)); err != nil {
			return err
		}
		return b.Put([]byte(KeyMasterHash), []byte(hash))
	})
	if err != nil {
		return fmt.Errorf("credential: failed to write credential: %w", wrapClosed(err))
	}
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func wrapClosed(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}
