package vault

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forest6511/securevault/pkg/backup"
	"github.com/forest6511/securevault/pkg/credential"
	"github.com/forest6511/securevault/pkg/crypto"
	"github.com/forest6511/securevault/pkg/record"
	"github.com/forest6511/securevault/pkg/session"
)

const testPassword = "Abc123!@"

// Light Argon2id costs keep the suite fast.
var testParams = crypto.Params{Memory: 64, Time: 1, Threads: 1}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) session.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func openTestVault(t *testing.T, dir string, opts Options) *Vault {
	t.Helper()
	opts.Params = testParams
	v, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func setupTestVault(t *testing.T) *Vault {
	t.Helper()
	v := openTestVault(t, t.TempDir(), Options{})
	if err := v.Setup(context.Background(), testPassword); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	return v
}

// addOneOfEach stores one record of every kind and returns their ids.
func addOneOfEach(t *testing.T, v *Vault) map[record.Kind]int64 {
	t.Helper()
	ids := make(map[record.Kind]int64)
	for _, k := range record.Kinds {
		id, err := v.AddRecord(context.Background(), k, map[string]string{
			"name":   "holder of " + string(k),
			"number": "0001",
		})
		if err != nil {
			t.Fatalf("AddRecord(%s) failed: %v", k, err)
		}
		ids[k] = id
	}
	return ids
}

func totalRecords(t *testing.T, v *Vault) int {
	t.Helper()
	counts, err := v.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

func TestSetupUnlockLock(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	v := openTestVault(t, dir, Options{})

	ok, err := v.Initialized()
	if err != nil || ok {
		t.Fatalf("Initialized = %v, %v; want false", ok, err)
	}
	if err := v.Setup(ctx, testPassword); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if v.IsLocked() {
		t.Error("expected vault to be unlocked after Setup")
	}
	for _, name := range []string{DBFileName, credential.FileName, LockFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}

	if err := v.Setup(ctx, testPassword); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Setup: expected ErrAlreadyInitialized, got %v", err)
	}

	v.Lock()
	if !v.IsLocked() {
		t.Error("expected vault to be locked")
	}
	if err := v.Unlock(ctx, "Wrong123!"); !errors.Is(err, ErrAuthentication) {
		t.Errorf("expected ErrAuthentication, got %v", err)
	}
	if err := v.Unlock(ctx, testPassword); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if v.IsLocked() {
		t.Error("expected vault to be unlocked")
	}

	ok, err = v.CheckPassword(testPassword)
	if err != nil || !ok {
		t.Errorf("CheckPassword(correct) = %v, %v", ok, err)
	}
	ok, err = v.CheckPassword("nope")
	if err != nil || ok {
		t.Errorf("CheckPassword(wrong) = %v, %v", ok, err)
	}
}

func TestSetupRejectsWeakPassword(t *testing.T) {
	v := openTestVault(t, t.TempDir(), Options{})
	for _, pw := range []string{"", "short1!", "abcdefgh", "abcdefg1", "12345678!"} {
		if err := v.Setup(context.Background(), pw); !errors.Is(err, ErrWeakPassword) {
			t.Errorf("Setup(%q): expected ErrWeakPassword, got %v", pw, err)
		}
	}
	if ok, _ := v.Initialized(); ok {
		t.Error("weak password must not initialize the vault")
	}
}

func TestSetupReplacesOrphanStore(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DBFileName), []byte("left over"), 0600); err != nil {
		t.Fatal(err)
	}
	v := openTestVault(t, dir, Options{})
	if err := v.Setup(context.Background(), testPassword); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if n := totalRecords(t, v); n != 0 {
		t.Errorf("expected empty store, got %d records", n)
	}
}

func TestUnlockBeforeSetup(t *testing.T) {
	v := openTestVault(t, t.TempDir(), Options{})
	if err := v.Unlock(context.Background(), testPassword); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestOpenBusy(t *testing.T) {
	dir := t.TempDir()
	openTestVault(t, dir, Options{})

	_, err := Open(dir, Options{Params: testParams})
	if !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestReopenAfterClose(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	v, err := Open(dir, Options{Params: testParams})
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Setup(ctx, testPassword); err != nil {
		t.Fatal(err)
	}
	if _, err := v.AddRecord(ctx, record.KindPAN, map[string]string{"pan": "ABCDE1234F"}); err != nil {
		t.Fatal(err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	v2 := openTestVault(t, dir, Options{})
	if !v2.IsLocked() {
		t.Error("reopened vault should start locked")
	}
	if err := v2.Unlock(ctx, testPassword); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	recs, err := v2.ListRecords(ctx, record.KindPAN)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Fields["pan"] != "ABCDE1234F" {
		t.Errorf("unexpected records after reopen: %+v", recs)
	}
}

func TestUnlockUsesParamsRecordedAtSetup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	v, err := Open(dir, Options{Params: testParams})
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Setup(ctx, testPassword); err != nil {
		t.Fatal(err)
	}
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}

	changed := crypto.Params{Memory: 128, Time: 2, Threads: 1}
	v2, err := Open(dir, Options{Params: changed})
	if err != nil {
		t.Fatal(err)
	}
	defer v2.Close()
	if got := v2.deriver.Params(); got != testParams {
		t.Errorf("deriver params = %+v, want %+v", got, testParams)
	}
	if err := v2.Unlock(ctx, testPassword); err != nil {
		t.Fatalf("Unlock after config change failed: %v", err)
	}
}

func TestRecordOperations(t *testing.T) {
	ctx := context.Background()
	v := setupTestVault(t)

	id1, err := v.AddRecord(ctx, record.KindCards, map[string]string{"cardNumber": "4111"})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := v.AddRecord(ctx, record.KindCards, map[string]string{"cardNumber": "5500"})
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Errorf("expected increasing ids, got %d then %d", id1, id2)
	}

	recs, err := v.ListRecords(ctx, record.KindCards)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ID != id1 || recs[1].Fields["cardNumber"] != "5500" {
		t.Errorf("unexpected records: %+v", recs)
	}

	if err := v.DeleteRecord(ctx, record.KindCards, id1); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	if err := v.DeleteRecord(ctx, record.KindCards, id1); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
	if _, err := v.AddRecord(ctx, record.Kind("passport"), nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}

	counts, err := v.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[record.KindCards] != 1 {
		t.Errorf("expected 1 card, got %d", counts[record.KindCards])
	}
}

func TestRecordOperationsWhileLocked(t *testing.T) {
	ctx := context.Background()
	v := setupTestVault(t)
	v.Lock()

	if _, err := v.AddRecord(ctx, record.KindBanks, nil); !errors.Is(err, ErrLocked) {
		t.Errorf("AddRecord: expected ErrLocked, got %v", err)
	}
	if _, err := v.ListRecords(ctx, record.KindBanks); !errors.Is(err, ErrLocked) {
		t.Errorf("ListRecords: expected ErrLocked, got %v", err)
	}
	if err := v.DeleteRecord(ctx, record.KindBanks, 1); !errors.Is(err, ErrLocked) {
		t.Errorf("DeleteRecord: expected ErrLocked, got %v", err)
	}
	if _, err := v.ExportEncrypted(ctx, &bytes.Buffer{}, "pw"); !errors.Is(err, ErrLocked) {
		t.Errorf("ExportEncrypted: expected ErrLocked, got %v", err)
	}
}

func TestFailedAttemptsStartCooldown(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	v := openTestVault(t, t.TempDir(), Options{Clock: clock})
	if err := v.Setup(ctx, testPassword); err != nil {
		t.Fatal(err)
	}
	v.Lock()

	for i := 0; i < CooldownThreshold1; i++ {
		if err := v.Unlock(ctx, "Wrong123!"); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("attempt %d: expected ErrAuthentication, got %v", i+1, err)
		}
	}

	err := v.Unlock(ctx, testPassword)
	if !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive, got %v", err)
	}

	st, err := v.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.FailedAttempts != CooldownThreshold1 {
		t.Errorf("expected %d failed attempts, got %d", CooldownThreshold1, st.FailedAttempts)
	}
	if st.Cooldown <= 0 || st.Cooldown > CooldownDuration1 {
		t.Errorf("unexpected cooldown %v", st.Cooldown)
	}

	clock.Advance(CooldownDuration1 + time.Second)
	if err := v.Unlock(ctx, testPassword); err != nil {
		t.Fatalf("Unlock after cooldown failed: %v", err)
	}
	st, err = v.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.FailedAttempts != 0 {
		t.Errorf("expected failed attempts to be cleared, got %d", st.FailedAttempts)
	}
}

func TestChangePasswordScenario(t *testing.T) {
	ctx := context.Background()
	v := setupTestVault(t)
	ids := addOneOfEach(t, v)

	res, err := v.ChangePassword(ctx, testPassword, "Xyz789#$")
	if err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	if res.Total != len(record.Kinds) {
		t.Errorf("expected %d migrated records, got %d", len(record.Kinds), res.Total)
	}
	if v.IsLocked() {
		t.Error("vault should stay unlocked after ChangePassword")
	}

	v.Lock()
	if err := v.Unlock(ctx, testPassword); !errors.Is(err, ErrAuthentication) {
		t.Errorf("old password: expected ErrAuthentication, got %v", err)
	}
	if err := v.Unlock(ctx, "Xyz789#$"); err != nil {
		t.Fatalf("Unlock with new password failed: %v", err)
	}

	for _, k := range record.Kinds {
		recs, err := v.ListRecords(ctx, k)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 1 {
			t.Fatalf("%s: expected 1 record, got %d", k, len(recs))
		}
		if recs[0].ID != ids[k] {
			t.Errorf("%s: id changed from %d to %d", k, ids[k], recs[0].ID)
		}
		if recs[0].Fields["name"] != "holder of "+string(k) {
			t.Errorf("%s: fields changed: %v", k, recs[0].Fields)
		}
	}
}

func TestChangePasswordWhileLocked(t *testing.T) {
	ctx := context.Background()
	v := setupTestVault(t)
	addOneOfEach(t, v)
	v.Lock()

	if _, err := v.ChangePassword(ctx, testPassword, "Xyz789#$"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	if !v.IsLocked() {
		t.Error("a locked vault should stay locked")
	}
	if err := v.Unlock(ctx, "Xyz789#$"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if n := totalRecords(t, v); n != len(record.Kinds) {
		t.Errorf("expected %d records, got %d", len(record.Kinds), n)
	}
}

func TestChangePasswordRejected(t *testing.T) {
	ctx := context.Background()
	v := setupTestVault(t)
	addOneOfEach(t, v)
	before, err := os.ReadFile(v.DBPath())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.ChangePassword(ctx, "Wrong123!", "Xyz789#$"); !errors.Is(err, ErrAuthentication) {
		t.Errorf("wrong old password: expected ErrAuthentication, got %v", err)
	}
	if _, err := v.ChangePassword(ctx, testPassword, "weak"); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("weak new password: expected ErrWeakPassword, got %v", err)
	}

	after, err := os.ReadFile(v.DBPath())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("store changed after rejected password change")
	}
	if n := totalRecords(t, v); n != len(record.Kinds) {
		t.Errorf("expected %d records, got %d", len(record.Kinds), n)
	}
}

func TestChangePasswordPostSwapInconsistency(t *testing.T) {
	ctx := context.Background()
	creds := credential.NewMemoryStore()
	v := openTestVault(t, t.TempDir(), Options{Credentials: creds})
	if err := v.Setup(ctx, testPassword); err != nil {
		t.Fatal(err)
	}
	addOneOfEach(t, v)

	creds.FailWrites = errors.New("disk full")
	_, err := v.ChangePassword(ctx, testPassword, "Xyz789#$")
	if !errors.Is(err, ErrPostSwapInconsistency) {
		t.Fatalf("expected ErrPostSwapInconsistency, got %v", err)
	}
	if o := Describe(err); o.OK || !o.Mutated {
		t.Errorf("Describe = %+v, want a mutated failure", o)
	}
	if !v.IsLocked() {
		t.Error("vault should be locked after a post-swap failure")
	}

	st, err := v.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.RecoveryRequired {
		t.Error("expected RecoveryRequired")
	}
	if err := v.Unlock(ctx, testPassword); !errors.Is(err, ErrRecoveryRequired) {
		t.Errorf("Unlock: expected ErrRecoveryRequired, got %v", err)
	}
	if _, err := v.BackupRaw(ctx, &bytes.Buffer{}); !errors.Is(err, ErrRecoveryRequired) {
		t.Errorf("BackupRaw: expected ErrRecoveryRequired, got %v", err)
	}

	creds.FailWrites = nil
	if err := v.Recover(ctx, testPassword); !errors.Is(err, ErrAuthentication) {
		t.Errorf("Recover with old password: expected ErrAuthentication, got %v", err)
	}
	if err := v.Recover(ctx, "Xyz789#$"); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if v.IsLocked() {
		t.Error("vault should be unlocked after Recover")
	}
	if n := totalRecords(t, v); n != len(record.Kinds) {
		t.Errorf("expected %d records, got %d", len(record.Kinds), n)
	}

	v.Lock()
	if err := v.Unlock(ctx, "Xyz789#$"); err != nil {
		t.Fatalf("Unlock after recovery failed: %v", err)
	}
}

func TestUnlockDetectsMismatchedStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	creds := credential.NewMemoryStore()
	v := openTestVault(t, dir, Options{Credentials: creds})
	if err := v.Setup(ctx, testPassword); err != nil {
		t.Fatal(err)
	}
	v.Lock()

	// A credential for another password, as if the store had been swapped.
	other := credential.NewMemoryStore()
	v2 := openTestVault(t, t.TempDir(), Options{Credentials: other})
	if err := v2.Setup(ctx, "Other123!"); err != nil {
		t.Fatal(err)
	}
	salt, _, _ := other.GetString(credential.KeySalt)
	hash, _, _ := other.GetString(credential.KeyMasterHash)
	if err := creds.PutCredential(salt, hash); err != nil {
		t.Fatal(err)
	}

	if err := v.Unlock(ctx, "Other123!"); !errors.Is(err, ErrRecoveryRequired) {
		t.Fatalf("expected ErrRecoveryRequired, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, RecoveryMarkerName)); err != nil {
		t.Errorf("recovery marker not written: %v", err)
	}
	if err := v.Recover(ctx, testPassword); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, RecoveryMarkerName)); !os.IsNotExist(err) {
		t.Errorf("recovery marker should be removed, stat err = %v", err)
	}
}

func TestBackupRawRestoreRaw(t *testing.T) {
	ctx := context.Background()
	v := setupTestVault(t)
	addOneOfEach(t, v)

	var buf bytes.Buffer
	n, err := v.BackupRaw(ctx, &buf)
	if err != nil {
		t.Fatalf("BackupRaw failed: %v", err)
	}
	if n == 0 || int64(buf.Len()) != n {
		t.Errorf("BackupRaw wrote %d bytes, buffer has %d", n, buf.Len())
	}
	if v.IsLocked() {
		t.Fatal("vault should be reopened after BackupRaw")
	}

	if _, err := v.AddRecord(ctx, record.KindAadhar, map[string]string{"name": "extra"}); err != nil {
		t.Fatal(err)
	}
	if got := totalRecords(t, v); got != len(record.Kinds)+1 {
		t.Fatalf("expected %d records, got %d", len(record.Kinds)+1, got)
	}

	counts, err := v.RestoreRaw(ctx, testPassword, bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("RestoreRaw failed: %v", err)
	}
	if counts[record.KindAadhar] != 1 {
		t.Errorf("expected 1 aadhar record in backup, got %d", counts[record.KindAadhar])
	}
	if got := totalRecords(t, v); got != len(record.Kinds) {
		t.Errorf("expected %d records after restore, got %d", len(record.Kinds), got)
	}

	matches, _ := filepath.Glob(v.DBPath() + ".restore-*")
	if len(matches) != 0 {
		t.Errorf("staged files left behind: %v", matches)
	}
}

func TestRestoreRawWrongPassword(t *testing.T) {
	ctx := context.Background()
	v := setupTestVault(t)
	addOneOfEach(t, v)

	var buf bytes.Buffer
	if _, err := v.BackupRaw(ctx, &buf); err != nil {
		t.Fatal(err)
	}
	if _, err := v.AddRecord(ctx, record.KindLicense, map[string]string{"dl": "X"}); err != nil {
		t.Fatal(err)
	}

	_, err := v.RestoreRaw(ctx, "Wrong123!", bytes.NewReader(buf.Bytes()))
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if o := Describe(err); o.Mutated {
		t.Error("a rejected restore must not report mutation")
	}
	if got := totalRecords(t, v); got != len(record.Kinds)+1 {
		t.Errorf("records changed: got %d, want %d", got, len(record.Kinds)+1)
	}

	v.Lock()
	if err := v.Unlock(ctx, testPassword); err != nil {
		t.Errorf("current password should still unlock: %v", err)
	}
}

func TestRestoreRawRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	v := setupTestVault(t)

	for name, data := range map[string][]byte{
		"empty":   nil,
		"text":    []byte("definitely not a database file"),
		"partial": []byte("SQLite format 3\x00"),
	} {
		_, err := v.RestoreRaw(ctx, testPassword, bytes.NewReader(data))
		if !errors.Is(err, ErrCorruptData) {
			t.Errorf("%s: expected ErrCorruptData, got %v", name, err)
		}
	}
	if v.IsLocked() {
		t.Error("vault should stay unlocked after rejected restores")
	}
}

func TestRestoreRawIntoNewVault(t *testing.T) {
	ctx := context.Background()
	src := setupTestVault(t)
	addOneOfEach(t, src)

	var buf bytes.Buffer
	if _, err := src.BackupRaw(ctx, &buf); err != nil {
		t.Fatal(err)
	}

	dst := openTestVault(t, t.TempDir(), Options{})
	if _, err := dst.RestoreRaw(ctx, testPassword, &buf); err != nil {
		t.Fatalf("RestoreRaw failed: %v", err)
	}
	if ok, _ := dst.Initialized(); !ok {
		t.Error("restore should initialize the vault")
	}
	if got := totalRecords(t, dst); got != len(record.Kinds) {
		t.Errorf("expected %d records, got %d", len(record.Kinds), got)
	}
	dst.Lock()
	if err := dst.Unlock(ctx, testPassword); err != nil {
		t.Errorf("Unlock with backup password failed: %v", err)
	}
}

func TestRestoreRawAcrossKDFParams(t *testing.T) {
	ctx := context.Background()
	src := setupTestVault(t)
	addOneOfEach(t, src)

	var buf bytes.Buffer
	if _, err := src.BackupRaw(ctx, &buf); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	other := crypto.Params{Memory: 128, Time: 2, Threads: 1}
	dst, err := Open(dir, Options{Params: other})
	if err != nil {
		t.Fatal(err)
	}
	if err := dst.Setup(ctx, "Xyz789#$"); err != nil {
		t.Fatal(err)
	}
	counts, err := dst.RestoreRaw(ctx, testPassword, bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("RestoreRaw failed: %v", err)
	}
	if counts[record.KindPAN] != 1 {
		t.Errorf("expected 1 pan record, got %d", counts[record.KindPAN])
	}
	if got := dst.deriver.Params(); got != testParams {
		t.Errorf("deriver params = %+v, want %+v", got, testParams)
	}
	stored, ok, err := credential.LoadParams(dst.creds)
	if err != nil || !ok || stored != testParams {
		t.Errorf("stored params = %+v, %v, %v; want %+v", stored, ok, err, testParams)
	}
	if err := dst.Close(); err != nil {
		t.Fatal(err)
	}

	dst, err = Open(dir, Options{Params: other})
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()
	if err := dst.Unlock(ctx, "Xyz789#$"); !errors.Is(err, ErrAuthentication) {
		t.Errorf("replaced password: expected ErrAuthentication, got %v", err)
	}
	if err := dst.Unlock(ctx, testPassword); err != nil {
		t.Fatalf("Unlock with backup password failed: %v", err)
	}
	if got := totalRecords(t, dst); got != len(record.Kinds) {
		t.Errorf("expected %d records, got %d", len(record.Kinds), got)
	}

	if _, err := dst.ChangePassword(ctx, testPassword, "Xyz789#$"); err != nil {
		t.Fatalf("ChangePassword after restore failed: %v", err)
	}
	dst.Lock()
	if err := dst.Unlock(ctx, "Xyz789#$"); err != nil {
		t.Errorf("Unlock with new password failed: %v", err)
	}
}

func TestExportImportEncrypted(t *testing.T) {
	ctx := context.Background()
	v := setupTestVault(t)
	ids := addOneOfEach(t, v)

	var buf bytes.Buffer
	header, err := v.ExportEncrypted(ctx, &buf, "backup-pass")
	if err != nil {
		t.Fatalf("ExportEncrypted failed: %v", err)
	}
	if header.RecordCount != len(record.Kinds) {
		t.Errorf("header record count = %d", header.RecordCount)
	}
	data := buf.Bytes()

	if res := v.VerifyEncrypted(bytes.NewReader(data), "backup-pass"); !res.Valid {
		t.Errorf("VerifyEncrypted failed: %v", res.Err)
	}

	for k, id := range ids {
		if err := v.DeleteRecord(ctx, k, id); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := v.AddRecord(ctx, record.KindBanks, map[string]string{"bank": "new"}); err != nil {
		t.Fatal(err)
	}

	if _, err := v.ImportEncrypted(ctx, bytes.NewReader(data), "wrong-pass"); !errors.Is(err, ErrAuthentication) {
		t.Errorf("wrong password: expected ErrAuthentication, got %v", err)
	}
	if got := totalRecords(t, v); got != 1 {
		t.Errorf("failed import changed records: got %d", got)
	}

	counts, err := v.ImportEncrypted(ctx, bytes.NewReader(data), "backup-pass")
	if err != nil {
		t.Fatalf("ImportEncrypted failed: %v", err)
	}
	if counts[record.KindBanks] != 1 {
		t.Errorf("expected 1 bank record, got %d", counts[record.KindBanks])
	}
	for k, id := range ids {
		recs, err := v.ListRecords(ctx, k)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 1 || recs[0].ID != id {
			t.Errorf("%s: unexpected records after import: %+v", k, recs)
		}
	}
}

func TestImportEncryptedRejectsTampering(t *testing.T) {
	ctx := context.Background()
	v := setupTestVault(t)
	addOneOfEach(t, v)

	var buf bytes.Buffer
	if _, err := v.ExportEncrypted(ctx, &buf, "backup-pass"); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	data[len(data)-40] ^= 0xff

	if _, err := v.ImportEncrypted(ctx, bytes.NewReader(data), "backup-pass"); !errors.Is(err, ErrCorruptData) {
		t.Errorf("expected ErrCorruptData, got %v", err)
	}
	if got := totalRecords(t, v); got != len(record.Kinds) {
		t.Errorf("records changed: got %d", got)
	}
}

func TestImportEncryptedRejectsDuplicateIDs(t *testing.T) {
	ctx := context.Background()
	v := setupTestVault(t)
	addOneOfEach(t, v)

	set := record.NewSet()
	set[record.KindCards] = []record.Record{
		{ID: 9, Fields: map[string]string{"cardNumber": "4111"}},
		{ID: 9, Fields: map[string]string{"cardNumber": "5500"}},
	}
	var buf bytes.Buffer
	if _, err := backup.Export(&buf, set, []byte("backup-pass"), testParams); err != nil {
		t.Fatal(err)
	}

	if res := v.VerifyEncrypted(bytes.NewReader(buf.Bytes()), "backup-pass"); res.Valid || !errors.Is(res.Err, ErrCorruptData) {
		t.Errorf("VerifyEncrypted: expected ErrCorruptData, got %v", res.Err)
	}
	_, err := v.ImportEncrypted(ctx, bytes.NewReader(buf.Bytes()), "backup-pass")
	if !errors.Is(err, ErrCorruptData) {
		t.Fatalf("expected ErrCorruptData, got %v", err)
	}
	if o := Describe(err); o.Mutated {
		t.Error("a rejected import must not report mutation")
	}
	if got := totalRecords(t, v); got != len(record.Kinds) {
		t.Errorf("records changed: got %d, want %d", got, len(record.Kinds))
	}
}

func TestImportEncryptedReturnsStoredCounts(t *testing.T) {
	ctx := context.Background()
	v := setupTestVault(t)

	set := record.NewSet()
	set[record.KindBanks] = []record.Record{
		{Fields: map[string]string{"bankName": "first"}},
		{Fields: map[string]string{"bankName": "second"}},
	}
	set[record.KindPAN] = []record.Record{{ID: 4, Fields: map[string]string{"pan": "ABCDE1234F"}}}
	var buf bytes.Buffer
	if _, err := backup.Export(&buf, set, []byte("backup-pass"), testParams); err != nil {
		t.Fatal(err)
	}

	counts, err := v.ImportEncrypted(ctx, &buf, "backup-pass")
	if err != nil {
		t.Fatalf("ImportEncrypted failed: %v", err)
	}
	stored, err := v.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range record.Kinds {
		if counts[k] != stored[k] {
			t.Errorf("%s: import reported %d, store holds %d", k, counts[k], stored[k])
		}
	}
	if counts[record.KindBanks] != 2 || counts[record.KindPAN] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestAutoLock(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	var fired atomic.Int32
	v := openTestVault(t, t.TempDir(), Options{
		Clock:          clock,
		SessionTimeout: time.Minute,
		OnAutoLock:     func() { fired.Add(1) },
	})
	if err := v.Setup(ctx, testPassword); err != nil {
		t.Fatal(err)
	}

	clock.Advance(30 * time.Second)
	v.OnUserInteraction()
	clock.Advance(45 * time.Second)
	if v.IsLocked() {
		t.Fatal("interaction should have extended the session")
	}

	v.OnBackground()
	clock.Advance(10 * time.Minute)
	if v.IsLocked() {
		t.Fatal("a backgrounded session must not time out")
	}
	v.OnForeground()
	clock.Advance(61 * time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for !v.IsLocked() {
		if time.Now().After(deadline) {
			t.Fatal("vault did not auto-lock")
		}
		time.Sleep(10 * time.Millisecond)
	}
	for fired.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("OnAutoLock was not called")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := fired.Load(); got != 1 {
		t.Errorf("OnAutoLock called %d times", got)
	}
	if _, err := v.Counts(ctx); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked after auto-lock, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	v := setupTestVault(t)
	addOneOfEach(t, v)

	st, err := v.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Initialized || !st.Unlocked || st.RecoveryRequired {
		t.Errorf("unexpected status: %+v", st)
	}
	if st.Session.State != session.Active {
		t.Errorf("session state = %v, want active", st.Session.State)
	}
	if st.Counts[record.KindVoterID] != 1 {
		t.Errorf("counts = %v", st.Counts)
	}
	if st.SchemaVersion < 1 {
		t.Errorf("schema version = %d", st.SchemaVersion)
	}

	v.Lock()
	st, err = v.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Unlocked || st.Counts != nil || st.Session.State != session.Locked {
		t.Errorf("unexpected locked status: %+v", st)
	}
}

func TestTask(t *testing.T) {
	ctx := context.Background()
	v := setupTestVault(t)
	v.Lock()

	task := v.UnlockAsync(ctx, testPassword)
	if _, err := task.Wait(ctx); err != nil {
		t.Fatalf("UnlockAsync failed: %v", err)
	}
	if v.IsLocked() {
		t.Error("expected vault to be unlocked")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	var buf bytes.Buffer
	backupTask := v.BackupRawAsync(cancelled, &buf)
	// The wait may observe either outcome, but the backup itself finishes.
	backupTask.Wait(cancelled)
	n, err := backupTask.Result()
	if err != nil || n == 0 {
		t.Errorf("BackupRawAsync = %d, %v", n, err)
	}

	if o := v.CheckPasswordAsync("Wrong123!").Outcome(); !o.OK {
		t.Errorf("CheckPasswordAsync outcome = %+v", o)
	}
	if o := v.SetupAsync(ctx, testPassword).Outcome(); o.OK || o.Reason == "" {
		t.Errorf("SetupAsync on an initialized vault = %+v", o)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err     error
		ok      bool
		mutated bool
	}{
		{nil, true, false},
		{ErrAuthentication, false, false},
		{classify(errors.New("read failed")), false, false},
		{ErrPostSwapInconsistency, false, true},
		{ErrMigration, false, false},
	}
	for _, tt := range tests {
		o := Describe(tt.err)
		if o.OK != tt.ok || o.Mutated != tt.mutated {
			t.Errorf("Describe(%v) = %+v", tt.err, o)
		}
		if !o.OK && o.Reason == "" {
			t.Errorf("Describe(%v) has no reason", tt.err)
		}
	}

	if err := classify(errors.New("read failed")); !errors.Is(err, ErrIO) {
		t.Errorf("unknown errors should classify as ErrIO, got %v", err)
	}
	if err := classify(ErrLocked); err != ErrLocked {
		t.Errorf("vault errors should pass through, got %v", err)
	}
}
