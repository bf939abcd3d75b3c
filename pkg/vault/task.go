package vault

import (
	"context"
	"io"

	"github.com/forest6511/securevault/pkg/backup"
	"github.com/forest6511/securevault/pkg/record"
	"github.com/forest6511/securevault/pkg/rekey"
)

// Task is the result of an operation running in its own goroutine.
//
// Cancelling the context passed to Wait only stops the wait. The operation
// itself always runs to completion so a half-done mutation is never
// abandoned.
type Task[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Go runs fn in a new goroutine.
func Go[T any](fn func() (T, error)) *Task[T] {
	t := &Task[T]{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.val, t.err = fn()
	}()
	return t
}

// Done is closed when the operation finishes.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Wait blocks until the operation finishes or ctx is done.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.val, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome of a finished task. It blocks until then.
func (t *Task[T]) Result() (T, error) {
	<-t.done
	return t.val, t.err
}

// Outcome waits for the task and describes its error.
func (t *Task[T]) Outcome() Outcome {
	_, err := t.Result()
	return Describe(err)
}

// The Async forms run the operation in its own goroutine. The context given
// to the operation is detached from ctx's cancellation; ctx only carries
// values.

// SetupAsync is the Task form of Setup.
func (v *Vault) SetupAsync(ctx context.Context, password string) *Task[struct{}] {
	ctx = context.WithoutCancel(ctx)
	return Go(func() (struct{}, error) {
		return struct{}{}, v.Setup(ctx, password)
	})
}

// UnlockAsync is the Task form of Unlock.
func (v *Vault) UnlockAsync(ctx context.Context, password string) *Task[struct{}] {
	ctx = context.WithoutCancel(ctx)
	return Go(func() (struct{}, error) {
		return struct{}{}, v.Unlock(ctx, password)
	})
}

// CheckPasswordAsync is the Task form of CheckPassword.
func (v *Vault) CheckPasswordAsync(password string) *Task[bool] {
	return Go(func() (bool, error) {
		return v.CheckPassword(password)
	})
}

// ChangePasswordAsync is the Task form of ChangePassword.
func (v *Vault) ChangePasswordAsync(ctx context.Context, oldPassword, newPassword string) *Task[*rekey.Result] {
	ctx = context.WithoutCancel(ctx)
	return Go(func() (*rekey.Result, error) {
		return v.ChangePassword(ctx, oldPassword, newPassword)
	})
}

// RecoverAsync is the Task form of Recover.
func (v *Vault) RecoverAsync(ctx context.Context, password string) *Task[struct{}] {
	ctx = context.WithoutCancel(ctx)
	return Go(func() (struct{}, error) {
		return struct{}{}, v.Recover(ctx, password)
	})
}

// BackupRawAsync is the Task form of BackupRaw.
func (v *Vault) BackupRawAsync(ctx context.Context, w io.Writer) *Task[int64] {
	ctx = context.WithoutCancel(ctx)
	return Go(func() (int64, error) {
		return v.BackupRaw(ctx, w)
	})
}

// RestoreRawAsync is the Task form of RestoreRaw.
func (v *Vault) RestoreRawAsync(ctx context.Context, password string, r io.Reader) *Task[map[record.Kind]int] {
	ctx = context.WithoutCancel(ctx)
	return Go(func() (map[record.Kind]int, error) {
		return v.RestoreRaw(ctx, password, r)
	})
}

// ExportEncryptedAsync is the Task form of ExportEncrypted.
func (v *Vault) ExportEncryptedAsync(ctx context.Context, w io.Writer, password string) *Task[*backup.Header] {
	ctx = context.WithoutCancel(ctx)
	return Go(func() (*backup.Header, error) {
		return v.ExportEncrypted(ctx, w, password)
	})
}

// ImportEncryptedAsync is the Task form of ImportEncrypted.
func (v *Vault) ImportEncryptedAsync(ctx context.Context, r io.Reader, password string) *Task[map[record.Kind]int] {
	ctx = context.WithoutCancel(ctx)
	return Go(func() (map[record.Kind]int, error) {
		return v.ImportEncrypted(ctx, r, password)
	})
}

// StatusAsync is the Task form of Status.
func (v *Vault) StatusAsync(ctx context.Context) *Task[*Status] {
	ctx = context.WithoutCancel(ctx)
	return Go(func() (*Status, error) {
		return v.Status(ctx)
	})
}
