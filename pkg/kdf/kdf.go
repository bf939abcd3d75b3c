// Package kdf turns a user password into the two secrets the vault needs:
// a salted verification hash (the Credential) and the storage passphrase
// that unlocks the encrypted engine.
//
// Both use Argon2id. The storage passphrase is derived under a fixed,
// labelled context rather than from the verification hash, so the two can
// evolve independently.
package kdf

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/securevault/pkg/crypto"
)

// SaltLength is the credential salt length in bytes (128-bit).
const SaltLength = 16

// passphraseContext labels the storage passphrase derivation.
const passphraseContext = "securevault/storage-passphrase/v1"

var (
	// ErrInvalidSalt is returned when a decoded salt has the wrong length.
	ErrInvalidSalt = errors.New("kdf: invalid salt length")
	// ErrInvalidEncoding is returned when a stored value is not valid base64.
	ErrInvalidEncoding = errors.New("kdf: invalid credential encoding")
)

// Credential is the persisted proof of password knowledge.
type Credential struct {
	Salt         []byte
	PasswordHash []byte
}

// Deriver derives credentials and passphrases with fixed Argon2id costs.
type Deriver struct {
	params crypto.Params
}

// New returns a Deriver using params.
func New(params crypto.Params) (*Deriver, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Deriver{params: params}, nil
}

// Default returns a Deriver with crypto.DefaultParams.
func Default() *Deriver {
	return &Deriver{params: crypto.DefaultParams}
}

// Params returns the Argon2id costs in use.
func (d *Deriver) Params() crypto.Params {
	return d.params
}

// GenerateSalt produces a fresh random credential salt. Callers must never
// reuse a salt across password changes.
func GenerateSalt() ([]byte, error) {
	salt, err := crypto.RandomBytes(SaltLength)
	if err != nil {
		return nil, fmt.Errorf("kdf: failed to generate salt: %w", err)
	}
	return salt, nil
}

// HashWithSalt is the deterministic, memory-hard password hash.
func (d *Deriver) HashWithSalt(password string, salt []byte) []byte {
	return d.params.DeriveKey(normalize(password), salt)
}

// NewCredential generates a salt and hashes password with it.
func (d *Deriver) NewCredential(password string) (*Credential, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	return &Credential{Salt: salt, PasswordHash: d.HashWithSalt(password, salt)}, nil
}

// Verify reports whether password matches cred, in constant time.
func (d *Deriver) Verify(password string, cred *Credential) bool {
	if cred == nil || len(cred.Salt) == 0 || len(cred.PasswordHash) == 0 {
		return false
	}
	candidate := d.HashWithSalt(password, cred.Salt)
	defer crypto.SecureWipe(candidate)
	return subtle.ConstantTimeCompare(candidate, cred.PasswordHash) == 1
}

// Passphrase derives the 32-byte storage passphrase for password.
func (d *Deriver) Passphrase(password string) []byte {
	salt := sha256.Sum256([]byte(passphraseContext))
	return d.params.DeriveKey(normalize(password), salt[:])
}

// Encode returns the base64 forms stored under the salt and master_hash keys.
func (c *Credential) Encode() (salt, hash string) {
	return base64.StdEncoding.EncodeToString(c.Salt),
		base64.StdEncoding.EncodeToString(c.PasswordHash)
}

// DecodeCredential parses the stored base64 forms.
func DecodeCredential(salt, hash string) (*Credential, error) {
	s, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrInvalidEncoding, err)
	}
	if len(s) != SaltLength {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidSalt, len(s))
	}
	h, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: master_hash: %v", ErrInvalidEncoding, err)
	}
	if len(h) != crypto.KeyLength {
		return nil, fmt.Errorf("%w: master_hash has %d bytes", ErrInvalidEncoding, len(h))
	}
	return &Credential{Salt: s, PasswordHash: h}, nil
}

// Wipe zeroes the hash bytes held by c.
func (c *Credential) Wipe() {
	if c == nil {
		return
	}
	crypto.SecureWipe(c.PasswordHash)
}

// normalize maps canonically equivalent Unicode input to the same bytes.
func normalize(password string) []byte {
	return []byte(norm.NFC.String(password))
}
