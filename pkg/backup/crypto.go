package backup

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/forest6511/securevault/pkg/crypto"
)

const (
	// SaltLength is the length of the backup salt in bytes.
	SaltLength = 32

	// HMACLength is the length of the HMAC-SHA256 in bytes.
	HMACLength = 32
)

// HKDF info strings for key derivation.
const (
	hkdfInfoEncryption = "securevault-backup-encryption"
	hkdfInfoMAC        = "securevault-backup-mac"
	hkdfInfoCheck      = "securevault-backup-check"
)

// GenerateSalt generates a cryptographically secure random salt.
func GenerateSalt() ([]byte, error) {
	return crypto.RandomBytes(SaltLength)
}

// keys are the three independent keys derived from a backup password.
type keys struct {
	enc   []byte
	mac   []byte
	check []byte
}

func (k *keys) wipe() {
	crypto.SecureWipe(k.enc)
	crypto.SecureWipe(k.mac)
	crypto.SecureWipe(k.check)
}

// deriveKeys stretches password once with Argon2id and splits the result
// with HKDF.
func deriveKeys(password []byte, kp *KDFParams) (*keys, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}

	master := kp.params().DeriveKey(password, kp.Salt)
	defer crypto.SecureWipe(master)

	k := &keys{}
	var err error
	if k.enc, err = crypto.DeriveSubkey(master, nil, hkdfInfoEncryption); err != nil {
		return nil, fmt.Errorf("backup: failed to derive encryption key: %w", err)
	}
	if k.mac, err = crypto.DeriveSubkey(master, nil, hkdfInfoMAC); err != nil {
		k.wipe()
		return nil, fmt.Errorf("backup: failed to derive MAC key: %w", err)
	}
	if k.check, err = crypto.DeriveSubkey(master, nil, hkdfInfoCheck); err != nil {
		k.wipe()
		return nil, fmt.Errorf("backup: failed to derive check key: %w", err)
	}
	return k, nil
}

// checkValue is stored in the header so a wrong password is told apart from
// a modified file.
func (k *keys) checkValue() []byte {
	return ComputeHMAC([]byte(hkdfInfoCheck), k.check)
}

func (k *keys) matches(check []byte) bool {
	return subtle.ConstantTimeCompare(k.checkValue(), check) == 1
}

// ComputeHMAC computes HMAC-SHA256 over data.
func ComputeHMAC(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// VerifyHMAC verifies the HMAC-SHA256 of data.
func VerifyHMAC(data, expectedMAC, key []byte) bool {
	return hmac.Equal(ComputeHMAC(data, key), expectedMAC)
}
