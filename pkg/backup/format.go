package backup

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/forest6511/securevault/pkg/crypto"
)

// MagicNumber opens every structured backup: "SVLT_BKP".
var MagicNumber = [8]byte{'S', 'V', 'L', 'T', '_', 'B', 'K', 'P'}

// FormatVersion is the structured format written by Export.
const FormatVersion = 1

const (
	maxHeaderLen     = 1024 * 1024
	maxCiphertextLen = 512 * 1024 * 1024

	// Argon2 memory above this in a header is refused rather than attempted.
	maxKDFMemory = crypto.MaxArgon2Memory // KiB
)

// KDFParams records how the backup key was derived.
type KDFParams struct {
	Salt        []byte `json:"salt"`
	Memory      uint32 `json:"memory"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
}

func (p *KDFParams) params() crypto.Params {
	return crypto.Params{Memory: p.Memory, Time: p.Iterations, Threads: p.Parallelism}
}

func (p *KDFParams) validate() error {
	if len(p.Salt) < 16 {
		return fmt.Errorf("%w: salt too short", ErrInvalidHeader)
	}
	if p.Memory > maxKDFMemory {
		return fmt.Errorf("%w: kdf memory %d KiB exceeds limit", ErrInvalidHeader, p.Memory)
	}
	if err := p.params().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	return nil
}

// Header is the cleartext metadata of a structured backup. It is covered by
// the HMAC.
type Header struct {
	Version      int            `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	KDFParams    KDFParams      `json:"kdf_params"`
	Check        []byte         `json:"password_check"`
	RecordCount  int            `json:"record_count"`
	Counts       map[string]int `json:"counts,omitempty"`
	ChecksumAlgo string         `json:"checksum_algorithm"`
}

// WriteHeader writes the magic number, header length and header JSON.
func WriteHeader(w io.Writer, header *Header) error {
	if _, err := w.Write(MagicNumber[:]); err != nil {
		return fmt.Errorf("backup: failed to write magic number: %w", err)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("backup: failed to marshal header: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("backup: failed to write header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("backup: failed to write header: %w", err)
	}
	return nil
}

// ReadHeader reads and validates the magic number and header.
func ReadHeader(r io.Reader) (*Header, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrInvalidMagic
		}
		return nil, fmt.Errorf("backup: failed to read magic number: %w", err)
	}
	if magic != MagicNumber {
		return nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, truncated(err)
	}
	if headerLen == 0 || headerLen > maxHeaderLen {
		return nil, fmt.Errorf("%w: header length %d", ErrInvalidHeader, headerLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, truncated(err)
	}

	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if header.Version < 1 || header.Version > FormatVersion {
		return nil, fmt.Errorf("%w: got %d, max supported %d",
			ErrUnsupportedVersion, header.Version, FormatVersion)
	}
	if err := header.KDFParams.validate(); err != nil {
		return nil, err
	}
	return &header, nil
}

// container is a parsed structured backup.
type container struct {
	header     *Header
	signed     []byte // everything the HMAC covers
	ciphertext []byte // nonce || ciphertext
	mac        []byte
}

func parseContainer(data []byte) (*container, error) {
	r := bytes.NewReader(data)
	header, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	var ctLen uint32
	if err := binary.Read(r, binary.BigEndian, &ctLen); err != nil {
		return nil, truncated(err)
	}
	if ctLen > maxCiphertextLen {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrInvalidHeader, ctLen)
	}
	if r.Len() < int(ctLen)+HMACLength {
		return nil, ErrTruncated
	}
	if r.Len() > int(ctLen)+HMACLength {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidHeader, r.Len()-int(ctLen)-HMACLength)
	}

	signedLen := len(data) - r.Len() + int(ctLen)
	return &container{
		header:     header,
		signed:     data[:signedLen],
		ciphertext: data[signedLen-int(ctLen) : signedLen],
		mac:        data[signedLen:],
	}, nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return fmt.Errorf("backup: read failed: %w", err)
}

// Format identifies a backup kind.
type Format int

const (
	FormatUnknown Format = iota
	FormatRaw
	FormatStructured
)

func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatStructured:
		return "structured"
	default:
		return "unknown"
	}
}

// Extension returns the file extension used by FileName.
func (f Format) Extension() string {
	if f == FormatStructured {
		return ".vaultbackup"
	}
	return ".db"
}

// DetectFormat classifies a backup from its first bytes (16 are enough).
func DetectFormat(prefix []byte) Format {
	switch {
	case bytes.HasPrefix(prefix, MagicNumber[:]):
		return FormatStructured
	case bytes.HasPrefix(prefix, []byte("SQLite format 3\x00")):
		return FormatRaw
	default:
		return FormatUnknown
	}
}

// FileName returns the conventional name of a backup taken at t, e.g.
// securevault_backup_20240131_235959.vaultbackup.
func FileName(f Format, t time.Time) string {
	return "securevault_backup_" + t.Format("20060102_150405") + f.Extension()
}
