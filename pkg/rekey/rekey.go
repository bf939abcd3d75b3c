// Package rekey re-encrypts a store under a new passphrase.
//
// The live file is never written in place. Records are copied into a fresh
// store next to it, the copy is verified, and only then is it renamed over
// the live file. Until that rename the live file is left byte-for-byte as it
// was, whatever fails.
package rekey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forest6511/securevault/internal/fsutil"
	"github.com/forest6511/securevault/pkg/engine"
	"github.com/forest6511/securevault/pkg/record"
)

// TempMarker separates the live file name from the random suffix of the
// migration copy.
const TempMarker = ".rekey-"

var (
	// ErrMigration is wrapped by every *Error.
	ErrMigration = errors.New("rekey: migration failed")
	// ErrBusy is returned when Run is called while another run is active.
	ErrBusy = errors.New("rekey: migration already in progress")
	// ErrVerify means the migrated copy did not hold the records read.
	ErrVerify = errors.New("rekey: migrated store failed verification")
)

// Stage is a step of the migration.
type Stage int

const (
	Idle Stage = iota
	ReadingOld
	WritingNew
	Swapping
	Done
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case ReadingOld:
		return "reading_old"
	case WritingNew:
		return "writing_new"
	case Swapping:
		return "swapping"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// State is the coordinator's position. Failed marks the stage at which the
// last run stopped.
type State struct {
	Stage  Stage
	Failed bool
}

func (s State) String() string {
	if s.Failed {
		return "failed(" + s.Stage.String() + ")"
	}
	return s.Stage.String()
}

// Error carries the stage a migration failed in.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rekey: failed while %s: %v", e.Stage, e.Err)
}

// Unwrap exposes both ErrMigration and the underlying cause to errors.Is.
func (e *Error) Unwrap() []error {
	return []error{ErrMigration, e.Err}
}

// Observer is told about every state change.
type Observer func(from, to State)

// Options configure a Coordinator.
type Options struct {
	Logger   *zerolog.Logger
	Observer Observer
}

// Result summarizes a successful run.
type Result struct {
	Counts   map[record.Kind]int
	Total    int
	Duration time.Duration
}

// Coordinator runs migrations one at a time.
type Coordinator struct {
	log      zerolog.Logger
	observer Observer

	mu      sync.Mutex
	state   State
	running bool

	// test seams
	beforeStage func(Stage) error
	rename      func(oldpath, newpath string) error
}

// New returns an idle Coordinator.
func New(opts Options) *Coordinator {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "rekey").Logger()
	}
	return &Coordinator{
		log:      log,
		observer: opts.Observer,
		rename:   os.Rename,
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) set(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()

	ev := c.log.Debug()
	if next.Failed {
		ev = c.log.Warn()
	}
	ev.Str("from", prev.String()).Str("to", next.String()).Msg("rekey state")
	if c.observer != nil {
		c.observer(prev, next)
	}
}

func (c *Coordinator) enter(s Stage) error {
	c.set(State{Stage: s})
	if c.beforeStage != nil {
		return c.beforeStage(s)
	}
	return nil
}

// Run migrates the store at livePath from oldPass to newPass. Both must be
// derived with the Argon2id costs recorded in the live store; the copy
// records the same costs. The caller must have closed its own handle on
// livePath. On error the live file is
// unchanged and no temporary file remains.
func (c *Coordinator) Run(ctx context.Context, livePath string, oldPass, newPass []byte) (res *Result, err error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.running = true
	c.mu.Unlock()

	start := time.Now()
	stage := Idle
	c.set(State{Stage: Idle})

	tempPath := livePath + TempMarker + uuid.NewString()
	var oldH, newH *engine.Handle

	defer func() {
		if oldH != nil {
			oldH.Close()
		}
		if newH != nil {
			newH.Close()
		}
		if err != nil {
			if rmErr := engine.Remove(tempPath); rmErr != nil {
				c.log.Warn().Err(rmErr).Msg("failed to remove migration copy")
			}
			err = &Error{Stage: stage, Err: err}
			c.set(State{Stage: stage, Failed: true})
		}
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	// 1-2: read everything through the old passphrase
	stage = ReadingOld
	if err := c.enter(stage); err != nil {
		return nil, err
	}
	oldH, err = engine.Open(ctx, livePath, oldPass, engine.Options{Logger: &c.log})
	if err != nil {
		return nil, err
	}
	set, err := oldH.ReadSet(ctx)
	if err != nil {
		return nil, err
	}
	want := set.Counts()
	params, _, err := oldH.Params(ctx)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(livePath)
	if fi, statErr := os.Stat(livePath); statErr == nil {
		info, spaceErr := fsutil.Ensure(dir, fi.Size())
		if spaceErr != nil {
			return nil, spaceErr
		}
		if info != nil && info.Low() {
			c.log.Warn().Int("used_pct", info.UsedPct).Msg("disk almost full")
		}
	}

	// 3-4: write into a fresh store with the new passphrase
	stage = WritingNew
	if err := c.enter(stage); err != nil {
		return nil, err
	}
	newH, err = engine.Open(ctx, tempPath, newPass, engine.Options{Create: true, Params: params, Logger: &c.log})
	if err != nil {
		return nil, err
	}
	for _, k := range record.Kinds {
		if err := newH.InsertAll(ctx, k, set[k]); err != nil {
			return nil, err
		}
	}

	// 5: no handle may remain across the swap
	if err := newH.Close(); err != nil {
		return nil, err
	}
	newH = nil
	if err := oldH.Close(); err != nil {
		return nil, err
	}
	oldH = nil
	if err := engine.RemoveCompanions(tempPath); err != nil {
		return nil, err
	}

	// 6: verify the copy opens with the new passphrase and holds every record
	got, err := countStore(ctx, tempPath, newPass, &c.log)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, k := range record.Kinds {
		if got[k] != want[k] {
			return nil, fmt.Errorf("%w: %s has %d records, expected %d", ErrVerify, k, got[k], want[k])
		}
		total += got[k]
	}

	// 7: atomic replace
	stage = Swapping
	if err := c.enter(stage); err != nil {
		return nil, err
	}
	if err := engine.RemoveCompanions(livePath); err != nil {
		return nil, err
	}
	if err := c.rename(tempPath, livePath); err != nil {
		return nil, err
	}
	if err := fsutil.SyncDir(dir); err != nil {
		// the rename happened; durability of the directory entry is best effort
		c.log.Warn().Err(err).Msg("failed to sync vault directory")
	}

	c.set(State{Stage: Done})
	c.log.Info().Int("records", total).Dur("took", time.Since(start)).Msg("store re-encrypted")
	return &Result{Counts: got, Total: total, Duration: time.Since(start)}, nil
}

func countStore(ctx context.Context, path string, pass []byte, log *zerolog.Logger) (map[record.Kind]int, error) {
	h, err := engine.Open(ctx, path, pass, engine.Options{Logger: log})
	if err != nil {
		return nil, err
	}
	counts, err := h.Count(ctx)
	if cerr := h.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	if err := engine.RemoveCompanions(path); err != nil {
		return nil, err
	}
	return counts, nil
}

// CleanupStale removes migration copies left next to livePath by a process
// that died mid-run. It returns the paths it removed.
func CleanupStale(livePath string) ([]string, error) {
	matches, err := filepath.Glob(livePath + TempMarker + "*")
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("rekey: failed to remove %s: %w", m, err)
		}
		removed = append(removed, m)
	}
	return removed, nil
}
