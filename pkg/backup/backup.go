package backup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/forest6511/securevault/pkg/crypto"
	"github.com/forest6511/securevault/pkg/record"
)

// VerifyResult contains the result of a verify operation.
type VerifyResult struct {
	// Valid indicates the backup passed all integrity checks.
	Valid bool
	// Version is the backup format version.
	Version int
	// CreatedAt is when the backup was created.
	CreatedAt time.Time
	// RecordCount is the number of records in the backup.
	RecordCount int
	// Counts holds the per-kind record counts.
	Counts map[string]int
	// Err is set if verification failed.
	Err error
}

// Export writes set as a structured backup encrypted under password.
func Export(w io.Writer, set record.Set, password []byte, params crypto.Params) (*Header, error) {
	if w == nil {
		return nil, fmt.Errorf("backup: output writer is required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	kp := KDFParams{
		Salt:        salt,
		Memory:      params.Memory,
		Iterations:  params.Time,
		Parallelism: params.Threads,
	}
	if err := kp.validate(); err != nil {
		return nil, err
	}
	k, err := deriveKeys(password, &kp)
	if err != nil {
		return nil, err
	}
	defer k.wipe()

	if set == nil {
		set = record.NewSet()
	}
	plaintext, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to marshal records: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	ciphertext, err := crypto.Seal(k.enc, plaintext)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to encrypt payload: %w", err)
	}

	counts := make(map[string]int, len(record.Kinds))
	for kind, n := range set.Counts() {
		counts[string(kind)] = n
	}
	header := &Header{
		Version:      FormatVersion,
		CreatedAt:    time.Now().UTC(),
		KDFParams:    kp,
		Check:        k.checkValue(),
		RecordCount:  set.Total(),
		Counts:       counts,
		ChecksumAlgo: "hmac-sha256",
	}

	// buffer first: the HMAC covers everything before it
	var buf bytes.Buffer
	if err := WriteHeader(&buf, header); err != nil {
		return nil, err
	}
	if err := writeUint32(&buf, uint32(len(ciphertext))); err != nil {
		return nil, err
	}
	buf.Write(ciphertext)
	mac := ComputeHMAC(buf.Bytes(), k.mac)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("backup: failed to write backup: %w", err)
	}
	if _, err := w.Write(mac); err != nil {
		return nil, fmt.Errorf("backup: failed to write HMAC: %w", err)
	}
	return header, nil
}

// Import reads a structured backup and returns its records.
//
// The checks run in a fixed order so each failure has one meaning: format
// (ErrInvalidMagic, ErrUnsupportedVersion, ErrTruncated), then password
// (ErrWrongPassword), then integrity (ErrIntegrityFailed), then payload
// (ErrDecryptionFailed).
func Import(r io.Reader, password []byte) (record.Set, *Header, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxHeaderLen+maxCiphertextLen+64))
	if err != nil {
		return nil, nil, fmt.Errorf("backup: failed to read backup: %w", err)
	}
	return decode(data, password)
}

func decode(data, password []byte) (record.Set, *Header, error) {
	c, err := parseContainer(data)
	if err != nil {
		return nil, nil, err
	}

	k, err := deriveKeys(password, &c.header.KDFParams)
	if err != nil {
		return nil, nil, err
	}
	defer k.wipe()

	if !k.matches(c.header.Check) {
		return nil, nil, ErrWrongPassword
	}
	if !VerifyHMAC(c.signed, c.mac, k.mac) {
		return nil, nil, ErrIntegrityFailed
	}

	plaintext, err := crypto.Open(k.enc, c.ciphertext)
	if err != nil {
		return nil, nil, ErrDecryptionFailed
	}
	defer crypto.SecureWipe(plaintext)

	var set record.Set
	if err := json.Unmarshal(plaintext, &set); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return set, c.header, nil
}

// Verify checks a structured backup without importing it.
func Verify(r io.Reader, password []byte) *VerifyResult {
	set, header, err := Import(r, password)
	if err != nil {
		return &VerifyResult{Valid: false, Err: err}
	}
	counts := make(map[string]int, len(record.Kinds))
	for kind, n := range set.Counts() {
		counts[string(kind)] = n
	}
	return &VerifyResult{
		Valid:       true,
		Version:     header.Version,
		CreatedAt:   header.CreatedAt,
		RecordCount: set.Total(),
		Counts:      counts,
	}
}

// writeUint32 writes a uint32 in big-endian format.
func writeUint32(w io.Writer, v uint32) error {
	buf := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	_, err := w.Write(buf)
	return err
}
