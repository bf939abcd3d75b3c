package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

// testParams keeps Argon2id cheap in unit tests.
var testParams = Params{Memory: 1024, Time: 1, Threads: 1}

func TestDeriveKey(t *testing.T) {
	password := []byte("test-password-123")
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		t.Fatalf("failed to generate salt: %v", err)
	}

	key := testParams.DeriveKey(password, salt)
	if len(key) != KeyLength {
		t.Errorf("DeriveKey() returned key of length %d, want %d", len(key), KeyLength)
	}

	if key2 := testParams.DeriveKey(password, salt); !bytes.Equal(key, key2) {
		t.Error("DeriveKey() with same inputs should produce identical keys")
	}

	if other := testParams.DeriveKey([]byte("different-password"), salt); bytes.Equal(key, other) {
		t.Error("DeriveKey() with different password should produce different key")
	}

	differentSalt := make([]byte, 16)
	if _, err := rand.Read(differentSalt); err != nil {
		t.Fatalf("failed to generate salt: %v", err)
	}
	if other := testParams.DeriveKey(password, differentSalt); bytes.Equal(key, other) {
		t.Error("DeriveKey() with different salt should produce different key")
	}

	// Cost parameters are part of the derivation
	heavier := Params{Memory: 2048, Time: 1, Threads: 1}
	if other := heavier.DeriveKey(password, salt); bytes.Equal(key, other) {
		t.Error("DeriveKey() with different params should produce different key")
	}
}

// TestDefaultParams verifies Argon2id parameters match OWASP recommendations
func TestDefaultParams(t *testing.T) {
	if DefaultParams.Memory != 64*1024 {
		t.Errorf("Memory = %d, want %d (64MB)", DefaultParams.Memory, 64*1024)
	}
	if DefaultParams.Time != 3 {
		t.Errorf("Time = %d, want 3", DefaultParams.Time)
	}
	if DefaultParams.Threads != 4 {
		t.Errorf("Threads = %d, want 4", DefaultParams.Threads)
	}
	if err := DefaultParams.Validate(); err != nil {
		t.Errorf("DefaultParams.Validate() = %v", err)
	}
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{"zero iterations", Params{Memory: 1024, Time: 0, Threads: 1}},
		{"zero threads", Params{Memory: 1024, Time: 1, Threads: 0}},
		{"memory below 8*threads", Params{Memory: 16, Time: 1, Threads: 4}},
		{"memory above 1GiB", Params{Memory: MaxArgon2Memory + 1, Time: 1, Threads: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.params.Validate(); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("Validate() error = %v, want %v", err, ErrInvalidParams)
			}
		})
	}
}

func TestDeriveSubkey(t *testing.T) {
	secret := make([]byte, KeyLength)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("failed to generate secret: %v", err)
	}

	enc, err := DeriveSubkey(secret, nil, "enc")
	if err != nil {
		t.Fatalf("DeriveSubkey() error = %v", err)
	}
	mac, err := DeriveSubkey(secret, nil, "mac")
	if err != nil {
		t.Fatalf("DeriveSubkey() error = %v", err)
	}
	if len(enc) != KeyLength || len(mac) != KeyLength {
		t.Fatalf("DeriveSubkey() lengths = %d/%d, want %d", len(enc), len(mac), KeyLength)
	}
	if bytes.Equal(enc, mac) {
		t.Error("different info strings must yield different keys")
	}

	again, _ := DeriveSubkey(secret, nil, "enc")
	if !bytes.Equal(enc, again) {
		t.Error("DeriveSubkey() must be deterministic")
	}

	salted, _ := DeriveSubkey(secret, []byte("salt"), "enc")
	if bytes.Equal(enc, salted) {
		t.Error("salt must change the derived key")
	}
}

func TestEncryptInvalidKeyLength(t *testing.T) {
	for _, keyLen := range []int{0, 16, 24, 48} {
		key := make([]byte, keyLen)
		if _, _, err := Encrypt(key, []byte("test data")); err != ErrInvalidKeyLength {
			t.Errorf("Encrypt() with %d-byte key error = %v, want %v", keyLen, err, ErrInvalidKeyLength)
		}
	}
}

func TestDecryptInputValidation(t *testing.T) {
	key := make([]byte, KeyLength)

	if _, err := Decrypt(make([]byte, 16), make([]byte, 32), make([]byte, NonceLength)); err != ErrInvalidKeyLength {
		t.Errorf("Decrypt() short key error = %v, want %v", err, ErrInvalidKeyLength)
	}
	if _, err := Decrypt(key, make([]byte, 32), make([]byte, 8)); err != ErrInvalidNonceLength {
		t.Errorf("Decrypt() short nonce error = %v, want %v", err, ErrInvalidNonceLength)
	}
	if _, err := Decrypt(key, make([]byte, 10), make([]byte, NonceLength)); err != ErrCiphertextTooShort {
		t.Errorf("Decrypt() short ciphertext error = %v, want %v", err, ErrCiphertextTooShort)
	}
}

func TestDecryptWrongKeyAndTamper(t *testing.T) {
	key, _ := RandomBytes(KeyLength)
	wrongKey, _ := RandomBytes(KeyLength)
	plaintext := []byte("secret data that should be protected")

	ciphertext, nonce, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := Decrypt(wrongKey, ciphertext, nonce); err != ErrDecryptionFailed {
		t.Errorf("Decrypt() with wrong key error = %v, want %v", err, ErrDecryptionFailed)
	}

	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0x01
	if _, err := Decrypt(key, tampered, nonce); err != ErrDecryptionFailed {
		t.Errorf("Decrypt() with tampered ciphertext error = %v, want %v", err, ErrDecryptionFailed)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := RandomBytes(KeyLength)
	if err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}

	large := make([]byte, 10000)
	if _, err := rand.Read(large); err != nil {
		t.Fatalf("failed to generate random data: %v", err)
	}

	testCases := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"small", []byte("x")},
		{"large", large},
		{"binary", []byte{0x00, 0xFF, 0x01, 0xFE}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := Seal(key, tc.plaintext)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if len(blob) != NonceLength+len(tc.plaintext)+16 {
				t.Errorf("Seal() blob length = %d, want %d", len(blob), NonceLength+len(tc.plaintext)+16)
			}

			decrypted, err := Open(key, blob)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(decrypted, tc.plaintext) {
				t.Errorf("round trip failed: got length %d, want length %d", len(decrypted), len(tc.plaintext))
			}
		})
	}
}

func TestSealAdditionalData(t *testing.T) {
	key, _ := RandomBytes(KeyLength)

	blob, err := Seal(key, []byte("payload"), []byte("banks"), []byte{0, 0, 0, 7})
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if _, err := Open(key, blob, []byte("banks"), []byte{0, 0, 0, 7}); err != nil {
		t.Errorf("Open() with matching additional data error = %v", err)
	}
	if _, err := Open(key, blob, []byte("cards"), []byte{0, 0, 0, 7}); err != ErrDecryptionFailed {
		t.Errorf("Open() with different additional data error = %v, want %v", err, ErrDecryptionFailed)
	}
	if _, err := Open(key, blob[:5]); err != ErrCiphertextTooShort {
		t.Errorf("Open() truncated blob error = %v, want %v", err, ErrCiphertextTooShort)
	}
}

func TestEncryptProducesUniqueNonce(t *testing.T) {
	key, _ := RandomBytes(KeyLength)
	nonces := make(map[string]bool)

	for i := 0; i < 100; i++ {
		_, nonce, err := Encrypt(key, []byte("test data"))
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if nonces[string(nonce)] {
			t.Errorf("Encrypt() produced duplicate nonce on iteration %d", i)
		}
		nonces[string(nonce)] = true
	}
}

func TestSecureWipe(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	SecureWipe(data)
	for i, b := range data {
		if b != 0 {
			t.Errorf("SecureWipe() byte[%d] = %d, want 0", i, b)
		}
	}

	// Should not panic on empty or nil slices
	SecureWipe([]byte{})
	SecureWipe(nil)
}

func BenchmarkDeriveKey(b *testing.B) {
	password := []byte("benchmark-password-123")
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		b.Fatalf("failed to generate salt: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DeriveKey(password, salt)
	}
}

func BenchmarkSeal1KB(b *testing.B) {
	key, _ := RandomBytes(KeyLength)
	plaintext := make([]byte, 1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Seal(key, plaintext); err != nil {
			b.Fatal(err)
		}
	}
}
