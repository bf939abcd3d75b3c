// Package vault is the single-user facade over the credential store, the
// encrypted record engine and the session guard.
//
// A Vault owns exactly one engine handle while unlocked. Every operation is
// serialized by one mutex and, across processes, by an advisory lock on
// securevault.lock in the vault directory.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"github.com/forest6511/securevault/pkg/backup"
	"github.com/forest6511/securevault/pkg/credential"
	"github.com/forest6511/securevault/pkg/crypto"
	"github.com/forest6511/securevault/pkg/engine"
	"github.com/forest6511/securevault/pkg/kdf"
	"github.com/forest6511/securevault/pkg/record"
	"github.com/forest6511/securevault/pkg/rekey"
	"github.com/forest6511/securevault/pkg/session"
)

// Files in the vault directory.
const (
	DBFileName         = "securevault.db"
	LockFileName       = "securevault.lock"
	LockStateFileName  = "vault.lockstate"
	RecoveryMarkerName = "RECOVERY_REQUIRED"
	FileMode           = 0600 // Owner read/write only
	DirMode            = 0700 // Owner read/write/execute only
)

// Options configure Open.
type Options struct {
	// Params are the Argon2id costs. Zero means crypto.DefaultParams.
	Params crypto.Params

	// SessionTimeout is the idle period before auto-lock. Zero means
	// session.DefaultTimeout.
	SessionTimeout time.Duration

	Logger *zerolog.Logger
	Clock  session.Clock

	// Credentials replaces the bbolt store in the vault directory. The
	// caller keeps ownership and must close it.
	Credentials credential.Store

	// OnAutoLock is called after the guard locked the vault.
	OnAutoLock func()
}

// Vault manages one vault directory.
type Vault struct {
	path       string
	dbPath     string
	deriver    *kdf.Deriver
	log        zerolog.Logger
	creds      credential.Store
	ownCreds   bool
	flock      *fileLock
	guard      *session.Guard
	rekey      *rekey.Coordinator
	now        func() time.Time
	onAutoLock func()

	mu     sync.Mutex
	h      *engine.Handle
	pass   *memguard.Enclave
	closed bool

	autoLock chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// Status describes the vault without revealing secrets.
type Status struct {
	Path             string
	Initialized      bool
	Unlocked         bool
	RecoveryRequired bool
	Counts           map[record.Kind]int
	SchemaVersion    int64
	Session          session.Snapshot
	FailedAttempts   int
	Cooldown         time.Duration
}

// Open prepares the vault directory at path and takes the process lock. The
// vault starts locked.
func Open(path string, opts Options) (*Vault, error) {
	params := opts.Params
	if params == (crypto.Params{}) {
		params = crypto.DefaultParams
	}
	deriver, err := kdf.New(params)
	if err != nil {
		return nil, err
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "vault").Logger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = session.SystemClock
	}

	if err := os.MkdirAll(path, DirMode); err != nil {
		return nil, fmt.Errorf("%w: failed to create vault directory: %w", ErrIO, err)
	}
	checkPermissions(path, log)

	flock, err := acquireLock(filepath.Join(path, LockFileName))
	if err != nil {
		return nil, err
	}

	v := &Vault{
		path:       path,
		dbPath:     filepath.Join(path, DBFileName),
		deriver:    deriver,
		log:        log,
		creds:      opts.Credentials,
		flock:      flock,
		now:        clock.Now,
		onAutoLock: opts.OnAutoLock,
		autoLock:   make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if v.creds == nil {
		store, err := credential.OpenBolt(filepath.Join(path, credential.FileName))
		if err != nil {
			flock.release()
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}
		v.creds = store
		v.ownCreds = true
	}

	// A vault keeps the costs it was set up with.
	stored, ok, err := credential.LoadParams(v.creds)
	if err != nil {
		v.closeStores()
		return nil, classify(err)
	}
	if ok && stored != params {
		log.Debug().Msg("using kdf params recorded at setup")
		if v.deriver, err = kdf.New(stored); err != nil {
			v.closeStores()
			return nil, err
		}
	}

	v.rekey = rekey.New(rekey.Options{Logger: &log})
	v.guard = session.New(opts.SessionTimeout, v.signalAutoLock,
		session.WithClock(clock), session.WithLogger(log))

	if stale, err := rekey.CleanupStale(v.dbPath); err != nil {
		log.Warn().Err(err).Msg("failed to remove stale migration files")
	} else if len(stale) > 0 {
		log.Info().Int("files", len(stale)).Msg("removed stale migration files")
	}
	if err := backup.CleanupStaged(v.dbPath); err != nil {
		log.Warn().Err(err).Msg("failed to remove staged restore files")
	}

	v.wg.Add(1)
	go v.autoLockLoop()
	return v, nil
}

// Path returns the vault directory.
func (v *Vault) Path() string { return v.path }

// DBPath returns the engine file path.
func (v *Vault) DBPath() string { return v.dbPath }

// Guard exposes the session guard for UI wiring.
func (v *Vault) Guard() *session.Guard { return v.guard }

// Close locks the vault and releases the directory lock.
func (v *Vault) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.lockLocked()
	v.guard.Lock()
	close(v.done)
	v.mu.Unlock()

	v.wg.Wait()

	return v.closeStores()
}

func (v *Vault) closeStores() error {
	var errs []error
	if v.ownCreds {
		errs = append(errs, v.creds.Close())
	}
	errs = append(errs, v.flock.release())
	return errors.Join(errs...)
}

// signalAutoLock runs on the guard's timer goroutine and must not block.
func (v *Vault) signalAutoLock() {
	select {
	case v.autoLock <- struct{}{}:
	default:
	}
}

func (v *Vault) autoLockLoop() {
	defer v.wg.Done()
	for {
		select {
		case <-v.done:
			return
		case <-v.autoLock:
			v.mu.Lock()
			// An unlock may have raced the timer.
			locked := v.guard.State() == session.Locked && v.h != nil
			if locked {
				v.lockLocked()
				v.log.Info().Msg("vault auto-locked after inactivity")
			}
			v.mu.Unlock()
			if locked && v.onAutoLock != nil {
				v.onAutoLock()
			}
		}
	}
}

// Initialized reports whether a credential has been stored.
func (v *Vault) Initialized() (bool, error) {
	ok, err := credential.Initialized(v.creds)
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

// IsLocked reports whether no engine handle is open.
func (v *Vault) IsLocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.h == nil
}

// Setup creates the credential and an empty engine for password. The vault
// is unlocked afterwards.
func (v *Vault) Setup(ctx context.Context, password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.usable(); err != nil {
		return err
	}
	ok, err := credential.Initialized(v.creds)
	if err != nil {
		return classify(err)
	}
	if ok {
		return ErrAlreadyInitialized
	}
	if err := checkPolicy(password); err != nil {
		return err
	}

	// An engine file without a credential cannot be opened by anyone.
	if _, err := os.Stat(v.dbPath); err == nil {
		v.log.Warn().Str("path", v.dbPath).Msg("removing store left without a credential")
		if err := engine.Remove(v.dbPath); err != nil {
			return classify(err)
		}
	}

	if err := credential.SaveParams(v.creds, v.deriver.Params()); err != nil {
		return classify(err)
	}

	pass := v.deriver.Passphrase(password)
	h, err := engine.Open(ctx, v.dbPath, pass, engine.Options{
		Create: true,
		Params: v.deriver.Params(),
		Logger: &v.log,
	})
	if err != nil {
		crypto.SecureWipe(pass)
		return classify(err)
	}

	cred, err := v.deriver.NewCredential(password)
	if err == nil {
		err = credential.Save(v.creds, cred)
		cred.Wipe()
	}
	if err != nil {
		h.Close()
		crypto.SecureWipe(pass)
		if rmErr := engine.Remove(v.dbPath); rmErr != nil {
			v.log.Warn().Err(rmErr).Msg("failed to remove new store")
		}
		return classify(err)
	}

	v.setOpen(h, pass)
	v.log.Info().Msg("vault initialized")
	return nil
}

// CheckPassword reports whether password matches the stored credential. It
// has no side effects.
func (v *Vault) CheckPassword(password string) (bool, error) {
	cred, err := credential.Load(v.creds)
	if err != nil {
		return false, classify(err)
	}
	defer cred.Wipe()
	return v.deriver.Verify(password, cred), nil
}

// Unlock verifies password, opens the engine and starts a session.
func (v *Vault) Unlock(ctx context.Context, password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.usable(); err != nil {
		return err
	}
	if err := v.checkCooldown(); err != nil {
		return err
	}
	if err := v.verify(password); err != nil {
		return err
	}
	if v.h != nil {
		v.guard.OnInteraction()
		return nil
	}

	d, err := v.deriverFor(ctx, v.dbPath)
	if err != nil {
		return err
	}
	pass := d.Passphrase(password)
	h, err := engine.Open(ctx, v.dbPath, pass, engine.Options{Logger: &v.log})
	if err != nil {
		crypto.SecureWipe(pass)
		if errors.Is(err, engine.ErrAuthentication) {
			// The credential matched but the store did not.
			v.markRecoveryRequired("store rejected a verified password")
			return fmt.Errorf("%w: %w", ErrRecoveryRequired, err)
		}
		return classify(err)
	}

	v.setOpen(h, pass)
	v.log.Info().Msg("vault unlocked")
	return nil
}

// deriverFor returns a Deriver using the costs recorded in the store at
// path, falling back to the vault's own for a store that records none.
func (v *Vault) deriverFor(ctx context.Context, path string) (*kdf.Deriver, error) {
	p, ok, err := engine.ReadParams(ctx, path)
	if err != nil {
		return nil, classify(err)
	}
	if !ok || p == v.deriver.Params() {
		return v.deriver, nil
	}
	v.log.Debug().Uint32("memory", p.Memory).Uint32("iterations", p.Time).
		Uint8("parallelism", p.Threads).Msg("store records different kdf params")
	return kdf.New(p)
}

// verify checks password against the credential and counts failures.
func (v *Vault) verify(password string) error {
	cred, err := credential.Load(v.creds)
	if err != nil {
		return classify(err)
	}
	defer cred.Wipe()

	if v.deriver.Verify(password, cred) {
		if err := v.clearLockState(); err != nil {
			v.log.Warn().Err(err).Msg("failed to clear lock state")
		}
		return nil
	}

	cooldown, err := v.recordFailedAttempt()
	if err != nil {
		v.log.Warn().Err(err).Msg("failed to record failed attempt")
	}
	v.log.Warn().Dur("cooldown", cooldown).Msg("password verification failed")
	if cooldown > 0 {
		return fmt.Errorf("%w: cooldown of %v started", ErrAuthentication, cooldown)
	}
	return ErrAuthentication
}

// Lock closes the engine and ends the session.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.h != nil {
		v.log.Info().Msg("vault locked")
	}
	v.lockLocked()
	v.guard.Lock()
}

func (v *Vault) lockLocked() {
	if v.h != nil {
		if err := v.h.Close(); err != nil {
			v.log.Warn().Err(err).Msg("failed to close store")
		}
		v.h = nil
	}
	// Enclave contents are sealed under a session key; dropping the
	// reference is enough.
	v.pass = nil
}

// setOpen installs h as the live handle. pass is wiped.
func (v *Vault) setOpen(h *engine.Handle, pass []byte) {
	v.h = h
	v.pass = memguard.NewEnclave(pass)
	v.guard.Unlocked()
}

// reopen opens the live file with the held passphrase.
func (v *Vault) reopen(ctx context.Context, enc *memguard.Enclave) error {
	lb, err := enc.Open()
	if err != nil {
		return fmt.Errorf("%w: failed to open passphrase enclave: %w", ErrIO, err)
	}
	defer lb.Destroy()

	h, err := engine.Open(ctx, v.dbPath, lb.Bytes(), engine.Options{Logger: &v.log})
	if err != nil {
		return classify(err)
	}
	v.h = h
	v.pass = enc
	return nil
}

// usable rejects operations on a closed vault or one awaiting recovery.
func (v *Vault) usable() error {
	if v.closed {
		return fmt.Errorf("%w: vault is closed", ErrIO)
	}
	if v.recoveryRequired() {
		return ErrRecoveryRequired
	}
	return nil
}

// unlocked is usable plus an open handle.
func (v *Vault) unlocked() error {
	if err := v.usable(); err != nil {
		return err
	}
	if v.h == nil {
		return ErrLocked
	}
	return nil
}

// OnUserInteraction restarts the idle timer of an active session.
func (v *Vault) OnUserInteraction() { v.guard.OnInteraction() }

// OnBackground pauses the idle timer.
func (v *Vault) OnBackground() { v.guard.OnBackground() }

// OnForeground resumes the idle timer with a full timeout.
func (v *Vault) OnForeground() { v.guard.OnForeground() }

// Status returns the current state. Counts are only filled while unlocked.
func (v *Vault) Status(ctx context.Context) (*Status, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	st := &Status{
		Path:             v.path,
		RecoveryRequired: v.recoveryRequired(),
		Session:          v.guard.Snapshot(),
		Cooldown:         v.remainingCooldown(),
	}
	ok, err := credential.Initialized(v.creds)
	if err != nil {
		return nil, classify(err)
	}
	st.Initialized = ok
	if ls, err := v.loadLockState(); err == nil {
		st.FailedAttempts = ls.FailedAttempts
	}

	if v.h != nil {
		st.Unlocked = true
		counts, err := v.h.Count(ctx)
		if err != nil {
			return nil, classify(err)
		}
		st.Counts = counts
		version, err := v.h.SchemaVersion(ctx)
		if err != nil {
			return nil, classify(err)
		}
		st.SchemaVersion = version
	}
	return st, nil
}

func checkPolicy(password string) error {
	if res := kdf.ValidatePassword(password); !res.Valid {
		return fmt.Errorf("%w: %s", ErrWeakPassword, res.Problems[0])
	}
	return nil
}

// checkPermissions warns when the vault directory is readable by others.
func checkPermissions(path string, log zerolog.Logger) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		log.Warn().Str("path", path).Str("mode", perm.String()).
			Msg("vault directory is accessible by other users")
	}
}
