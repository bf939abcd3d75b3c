// Package engine implements the encrypted storage engine: a SQLite file
// (pure Go driver, no cgo) holding one table per record kind.
//
// Every record payload is sealed with AES-256-GCM under a key derived from
// the storage passphrase and a random per-file salt. A verifier row lets
// Open reject a wrong passphrase before any record is touched, so the file
// can be probed without being modified.
package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/forest6511/securevault/pkg/crypto"
	"github.com/forest6511/securevault/pkg/record"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

const (
	fileSaltLength = 32
	recordsInfo    = "securevault-engine-records"
	verifierText   = "securevault-engine-verifier-v1"
	sqliteHeader   = "SQLite format 3\x00"

	defaultBusyTimeout = 5 * time.Second
)

var (
	// ErrAuthentication means the passphrase does not open this file.
	ErrAuthentication = errors.New("engine: passphrase does not match")
	// ErrCorrupt means the file is not a vault store or is damaged.
	ErrCorrupt = errors.New("engine: not a valid vault store")
	// ErrNotFound means the file does not exist and Create was not set.
	ErrNotFound = errors.New("engine: store file not found")
	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("engine: handle is closed")
	// ErrRecordNotFound is returned by Delete for an unknown id.
	ErrRecordNotFound = errors.New("engine: record not found")
	// ErrEmptyPassphrase is returned when Open is given no passphrase.
	ErrEmptyPassphrase = errors.New("engine: empty passphrase")
)

var tables = map[record.Kind]string{
	record.KindAadhar:   "aadhar",
	record.KindBanks:    "banks",
	record.KindCards:    "cards",
	record.KindPolicies: "policies",
	record.KindPAN:      "pan",
	record.KindVoterID:  "voter_id",
	record.KindLicense:  "license",
}

// Options control Open.
type Options struct {
	// Create makes Open create the file when it is missing. An existing
	// file is opened normally.
	Create bool

	// Params are the Argon2id costs the passphrase was derived with. They
	// are recorded when the file is created and ignored otherwise.
	Params crypto.Params

	// BusyTimeout defaults to 5s.
	BusyTimeout time.Duration

	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger
}

// Handle is an open store.
type Handle struct {
	path string
	log  zerolog.Logger

	mu  sync.Mutex
	db  *sql.DB
	key []byte
}

// Open opens the store at path with passphrase.
func Open(ctx context.Context, path string, passphrase []byte, opts Options) (*Handle, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "engine").Logger()
	}

	created, err := checkFile(path, opts.Create)
	if err != nil {
		return nil, err
	}

	timeout := opts.BusyTimeout
	if timeout <= 0 {
		timeout = defaultBusyTimeout
	}
	dsn := path +
		"?_pragma=busy_timeout(" + strconv.FormatInt(timeout.Milliseconds(), 10) + ")" +
		"&_pragma=journal_mode(DELETE)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"

	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to open database: %w", err)
	}

	h := &Handle{path: path, log: log, db: db}
	if err := h.init(ctx, passphrase, created, opts.Params); err != nil {
		db.Close()
		if created {
			os.Remove(path)
			RemoveCompanions(path)
		}
		return nil, err
	}

	if err := os.Chmod(path, 0600); err != nil {
		h.Close()
		return nil, fmt.Errorf("engine: failed to set permissions: %w", err)
	}

	log.Debug().Str("path", path).Bool("created", created).Msg("store opened")
	return h, nil
}

// checkFile reports whether the file will be newly created.
func checkFile(path string, create bool) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		if !create {
			return false, ErrNotFound
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("engine: failed to open store file: %w", err)
	}
	defer f.Close()

	header := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(f, header); err != nil {
		return false, fmt.Errorf("%w: file too short", ErrCorrupt)
	}
	if !bytes.Equal(header, []byte(sqliteHeader)) {
		return false, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	return false, nil
}

func (h *Handle) init(ctx context.Context, passphrase []byte, created bool, params crypto.Params) error {
	if !created {
		// Refuse foreign SQLite files before goose writes its version table.
		var n int
		err := h.db.QueryRowContext(ctx,
			"SELECT count(*) FROM sqlite_master WHERE type='table' AND name='engine_meta'").Scan(&n)
		if err != nil {
			return classify(err)
		}
		if n == 0 {
			return fmt.Errorf("%w: missing engine_meta", ErrCorrupt)
		}
	}

	if err := migrate(ctx, h.db); err != nil {
		return classify(err)
	}
	h.db.SetMaxOpenConns(1)
	h.db.SetMaxIdleConns(1)

	var salt, verifier []byte
	err := h.db.QueryRowContext(ctx, "SELECT file_salt, verifier FROM engine_meta WHERE id = 1").
		Scan(&salt, &verifier)
	switch {
	case errors.Is(err, sql.ErrNoRows) && created:
		return h.writeMeta(ctx, passphrase, params)
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: engine_meta row missing", ErrCorrupt)
	case err != nil:
		return classify(err)
	}

	key, err := crypto.DeriveSubkey(passphrase, salt, recordsInfo)
	if err != nil {
		return err
	}
	plain, err := crypto.Open(key, verifier, []byte("engine_meta"))
	if err != nil || string(plain) != verifierText {
		crypto.SecureWipe(key)
		return ErrAuthentication
	}
	h.key = key
	return nil
}

func (h *Handle) writeMeta(ctx context.Context, passphrase []byte, params crypto.Params) error {
	salt, err := crypto.RandomBytes(fileSaltLength)
	if err != nil {
		return err
	}
	key, err := crypto.DeriveSubkey(passphrase, salt, recordsInfo)
	if err != nil {
		return err
	}
	verifier, err := crypto.Seal(key, []byte(verifierText), []byte("engine_meta"))
	if err != nil {
		crypto.SecureWipe(key)
		return err
	}
	if _, err := h.db.ExecContext(ctx,
		"INSERT INTO engine_meta(id, file_salt, verifier, kdf_memory, kdf_iterations, kdf_parallelism) VALUES(1, ?, ?, ?, ?, ?)",
		salt, verifier, params.Memory, params.Time, params.Threads); err != nil {
		crypto.SecureWipe(key)
		return fmt.Errorf("engine: failed to write meta: %w", err)
	}
	h.key = key
	return nil
}

// ReadParams returns the Argon2id costs recorded in the store at path
// without deriving anything or modifying the file. ok is false for a store
// that does not record them.
func ReadParams(ctx context.Context, path string) (p crypto.Params, ok bool, err error) {
	if _, err := checkFile(path, false); err != nil {
		return p, false, err
	}
	db, err := sql.Open(DriverName, path+"?_pragma=query_only(1)")
	if err != nil {
		return p, false, fmt.Errorf("engine: failed to open database: %w", err)
	}
	defer db.Close()

	var cols int
	err = db.QueryRowContext(ctx,
		"SELECT count(*) FROM pragma_table_info('engine_meta') WHERE name IN ('kdf_memory', 'kdf_iterations', 'kdf_parallelism')").
		Scan(&cols)
	if err != nil {
		return p, false, classify(err)
	}
	if cols == 0 {
		var tables int
		err := db.QueryRowContext(ctx,
			"SELECT count(*) FROM sqlite_master WHERE type='table' AND name='engine_meta'").Scan(&tables)
		if err != nil {
			return p, false, classify(err)
		}
		if tables == 0 {
			return p, false, fmt.Errorf("%w: missing engine_meta", ErrCorrupt)
		}
		return p, false, nil
	}
	if cols != 3 {
		return p, false, fmt.Errorf("%w: incomplete kdf columns", ErrCorrupt)
	}

	return readParams(ctx, db)
}

// Params returns the Argon2id costs recorded in the open store. ok is false
// when none are recorded.
func (h *Handle) Params(ctx context.Context) (crypto.Params, bool, error) {
	db, err := h.conn()
	if err != nil {
		return crypto.Params{}, false, err
	}
	return readParams(ctx, db)
}

func readParams(ctx context.Context, db *sql.DB) (crypto.Params, bool, error) {
	var mem, iter, par int64
	err := db.QueryRowContext(ctx,
		"SELECT kdf_memory, kdf_iterations, kdf_parallelism FROM engine_meta WHERE id = 1").
		Scan(&mem, &iter, &par)
	if errors.Is(err, sql.ErrNoRows) {
		return crypto.Params{}, false, fmt.Errorf("%w: engine_meta row missing", ErrCorrupt)
	}
	if err != nil {
		return crypto.Params{}, false, classify(err)
	}
	if mem == 0 && iter == 0 && par == 0 {
		return crypto.Params{}, false, nil
	}
	if mem < 0 || mem > crypto.MaxArgon2Memory || iter <= 0 || iter > math.MaxUint32 || par <= 0 || par > math.MaxUint8 {
		return crypto.Params{}, false, fmt.Errorf("%w: implausible kdf params", ErrCorrupt)
	}
	p := crypto.Params{Memory: uint32(mem), Time: uint32(iter), Threads: uint8(par)}
	if err := p.Validate(); err != nil {
		return crypto.Params{}, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return p, true, nil
}

// classify maps SQLite errors that mean "this is not our file" to ErrCorrupt.
func classify(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	return fmt.Errorf("engine: %w", err)
}

// Path returns the file path the handle was opened with.
func (h *Handle) Path() string { return h.path }

func (h *Handle) conn() (*sql.DB, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil, ErrClosed
	}
	return h.db, nil
}

// Close releases the database and wipes the record key. It is safe to call
// more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil
	}
	crypto.SecureWipe(h.key)
	h.key = nil
	err := h.db.Close()
	h.db = nil
	if err != nil {
		return fmt.Errorf("engine: failed to close: %w", err)
	}
	return nil
}

func table(kind record.Kind) (string, error) {
	t, ok := tables[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", record.ErrUnknownKind, kind)
	}
	return t, nil
}

func recordAD(kind record.Kind, id int64) []byte {
	return []byte(string(kind) + ":" + strconv.FormatInt(id, 10))
}

func (h *Handle) seal(kind record.Kind, id int64, fields map[string]string) ([]byte, error) {
	if fields == nil {
		fields = map[string]string{}
	}
	plain, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(plain)
	return crypto.Seal(h.key, plain, recordAD(kind, id))
}

func (h *Handle) open(kind record.Kind, id int64, payload []byte) (map[string]string, error) {
	plain, err := crypto.Open(h.key, payload, recordAD(kind, id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s record %d: %v", ErrCorrupt, kind, id, err)
	}
	defer crypto.SecureWipe(plain)
	fields := map[string]string{}
	if err := json.Unmarshal(plain, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s record %d: %v", ErrCorrupt, kind, id, err)
	}
	return fields, nil
}

// ReadAll returns every record of kind ordered by id.
func (h *Handle) ReadAll(ctx context.Context, kind record.Kind) ([]record.Record, error) {
	db, err := h.conn()
	if err != nil {
		return nil, err
	}
	t, err := table(kind)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT id, payload FROM "+t+" ORDER BY id")
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	recs := []record.Record{}
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, classify(err)
		}
		fields, err := h.open(kind, id, payload)
		if err != nil {
			return nil, err
		}
		recs = append(recs, record.Record{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return recs, nil
}

// ReadSet returns all records of all kinds.
func (h *Handle) ReadSet(ctx context.Context) (record.Set, error) {
	set := record.NewSet()
	for _, k := range record.Kinds {
		recs, err := h.ReadAll(ctx, k)
		if err != nil {
			return nil, err
		}
		set[k] = recs
	}
	return set, nil
}

// Insert stores fields as a new record and returns its id.
func (h *Handle) Insert(ctx context.Context, kind record.Kind, fields map[string]string) (int64, error) {
	var id int64
	err := h.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = h.insertTx(ctx, tx, kind, record.Record{Fields: fields})
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// InsertAll stores recs in one transaction. Records keep their ids and
// replace any existing row with the same id; a zero id gets a fresh one.
func (h *Handle) InsertAll(ctx context.Context, kind record.Kind, recs []record.Record) error {
	return h.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range recs {
			if _, err := h.insertTx(ctx, tx, kind, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceAll clears every table and inserts set, all in one transaction. A
// set with duplicate ids within a kind is rejected before anything changes.
func (h *Handle) ReplaceAll(ctx context.Context, set record.Set) error {
	if err := set.CheckIDs(); err != nil {
		return err
	}
	return h.withTx(ctx, func(tx *sql.Tx) error {
		for _, k := range record.Kinds {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+tables[k]); err != nil {
				return classify(err)
			}
		}
		kinds := make([]string, 0, len(set))
		for k := range set {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, name := range kinds {
			k := record.Kind(name)
			for _, r := range set[k] {
				if _, err := h.insertTx(ctx, tx, k, r); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (h *Handle) insertTx(ctx context.Context, tx *sql.Tx, kind record.Kind, r record.Record) (int64, error) {
	t, err := table(kind)
	if err != nil {
		return 0, err
	}
	id := r.ID
	if id <= 0 {
		if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) + 1 FROM "+t).Scan(&id); err != nil {
			return 0, classify(err)
		}
	}
	payload, err := h.seal(kind, id, r.Fields)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO "+t+"(id, payload) VALUES(?, ?)", id, payload); err != nil {
		return 0, classify(err)
	}
	return id, nil
}

// Delete removes one record.
func (h *Handle) Delete(ctx context.Context, kind record.Kind, id int64) error {
	db, err := h.conn()
	if err != nil {
		return err
	}
	t, err := table(kind)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, "DELETE FROM "+t+" WHERE id = ?", id)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", ErrRecordNotFound, kind, id)
	}
	return nil
}

// Count returns the number of records per kind.
func (h *Handle) Count(ctx context.Context) (map[record.Kind]int, error) {
	db, err := h.conn()
	if err != nil {
		return nil, err
	}
	counts := make(map[record.Kind]int, len(record.Kinds))
	for _, k := range record.Kinds {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+tables[k]).Scan(&n); err != nil {
			return nil, classify(err)
		}
		counts[k] = n
	}
	return counts, nil
}

func (h *Handle) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := h.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}
