// Package crypto provides cryptographic primitives for securevault.
//
// This package implements AES-256-GCM authenticated encryption, Argon2id key
// derivation with explicit cost parameters, and HKDF-SHA256 sub-key
// derivation.
//
// # Security Features
//
//   - AES-256-GCM authenticated encryption
//   - Argon2id key derivation (default 64MB memory, 3 iterations, 4 threads)
//   - HKDF-SHA256 for domain-separated sub-keys
//   - Secure memory wiping for sensitive data
//
// # Example Usage
//
//	// Derive a key from password
//	key := crypto.DefaultParams.DeriveKey([]byte("password"), salt)
//
//	// Encrypt data, nonce prepended
//	blob, err := crypto.Seal(key, plaintext)
//
//	// Decrypt data
//	plaintext, err := crypto.Open(key, blob)
//
//	// Securely wipe sensitive data
//	crypto.SecureWipe(key)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// MaxArgon2Memory is the largest memory cost in KiB (1GiB) accepted from
	// configuration or from a file header.
	MaxArgon2Memory = 1024 * 1024

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than the GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrInvalidParams indicates Argon2id parameters that would produce a weak or empty key.
	ErrInvalidParams = errors.New("crypto: invalid argon2id parameters")
)

// Params holds Argon2id cost parameters. They are recorded next to every
// derived secret that must be re-derived later (structured backups).
type Params struct {
	Memory  uint32 `json:"memory" yaml:"memory" mapstructure:"memory"`                // KiB
	Time    uint32 `json:"iterations" yaml:"iterations" mapstructure:"iterations"`    // passes
	Threads uint8  `json:"parallelism" yaml:"parallelism" mapstructure:"parallelism"` // lanes
}

// DefaultParams are the OWASP-recommended Argon2id parameters.
var DefaultParams = Params{
	Memory:  Argon2Memory,
	Time:    Argon2Time,
	Threads: Argon2Threads,
}

// Validate rejects parameters that argon2 would accept but that make no sense
// for password hashing.
func (p Params) Validate() error {
	if p.Memory < 8*uint32(p.Threads) || p.Memory > MaxArgon2Memory || p.Time == 0 || p.Threads == 0 {
		return fmt.Errorf("%w: memory=%d iterations=%d parallelism=%d",
			ErrInvalidParams, p.Memory, p.Time, p.Threads)
	}
	return nil
}

// DeriveKey derives a 256-bit key from a password using Argon2id with p.
func (p Params) DeriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, KeyLength)
}

// DeriveKey derives a 256-bit encryption key from a password using Argon2id
// and DefaultParams.
//
// The salt should be at least 16 bytes of cryptographically secure random data.
// Returns a 32-byte key suitable for AES-256 encryption.
func DeriveKey(password, salt []byte) []byte {
	return DefaultParams.DeriveKey(password, salt)
}

// DeriveSubkey expands secret into a 32-byte key bound to info using
// HKDF-SHA256. salt may be nil.
func DeriveSubkey(secret, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf expand failed: %w", err)
	}
	return key, nil
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: failed to read random bytes: %w", err)
	}
	return b, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt encrypts plaintext using AES-256-GCM authenticated encryption.
//
// The function generates a cryptographically secure random 12-byte nonce
// using crypto/rand. The authentication tag is appended to the ciphertext.
// additionalData is authenticated but not encrypted and may be nil.
//
// Returns:
//   - ciphertext: encrypted data with authentication tag
//   - nonce: 12-byte nonce (must be stored with ciphertext for decryption)
//   - err: ErrInvalidKeyLength if key is not 32 bytes
func Encrypt(key, plaintext []byte, additionalData ...[]byte) (ciphertext []byte, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce, err = RandomBytes(NonceLength)
	if err != nil {
		return nil, nil, err
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, joinAD(additionalData))
	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM authenticated encryption.
//
// If the tag verification fails (indicating tampering, corruption, or the
// wrong key), ErrDecryptionFailed is returned.
func Decrypt(key, ciphertext, nonce []byte, additionalData ...[]byte) (plaintext []byte, err error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	// GCM tag is 16 bytes
	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err = gcm.Open(nil, nonce, ciphertext, joinAD(additionalData))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Seal encrypts plaintext and returns nonce || ciphertext as a single blob.
func Seal(key, plaintext []byte, additionalData ...[]byte) ([]byte, error) {
	ciphertext, nonce, err := Encrypt(key, plaintext, additionalData...)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

// Open reverses Seal.
func Open(key, blob []byte, additionalData ...[]byte) ([]byte, error) {
	if len(blob) < NonceLength {
		return nil, ErrCiphertextTooShort
	}
	return Decrypt(key, blob[NonceLength:], blob[:NonceLength], additionalData...)
}

func joinAD(parts [][]byte) []byte {
	if len(parts) == 0 {
		return nil
	}
	var ad []byte
	for _, p := range parts {
		ad = append(ad, p...)
	}
	return ad
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}
