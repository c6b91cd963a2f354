package fs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func Test_Locker_TryLock_Returns_ErrWouldBlock_When_Path_Is_Locked(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	lock1, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = lock1.Close() })

	lock2, err := locker.TryLock(path)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryLock(%q) while locked: err=%v, want %v", path, err, ErrWouldBlock)
	}
	if lock2 != nil {
		_ = lock2.Close()
		t.Fatalf("TryLock(%q) while locked: want lock=nil", path)
	}
}

func Test_Locker_LockWithTimeout_Returns_ErrWouldBlock_When_Path_Is_Locked(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	held, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = held.Close() })

	start := time.Now()

	_, err = locker.LockWithTimeout(path, 30*time.Millisecond)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("LockWithTimeout(): err=%v, want %v", err, ErrWouldBlock)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("LockWithTimeout(): err=%q, want substring %q", err.Error(), "timed out")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("LockWithTimeout() returned after %s, want >= 30ms", elapsed)
	}
}

func Test_Locker_LockWithTimeout_Returns_Error_When_Timeout_Is_Non_Positive(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())

	for _, timeout := range []time.Duration{0, -time.Second} {
		_, err := locker.LockWithTimeout(filepath.Join(t.TempDir(), "lock"), timeout)
		if !errors.Is(err, ErrInvalidTimeout) {
			t.Fatalf("LockWithTimeout(%s): err=%v, want %v", timeout, err, ErrInvalidTimeout)
		}
	}
}

func Test_Locker_LockWithTimeout_Succeeds_When_Holder_Releases_In_Time(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	held, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = held.Close()
	}()

	lock, err := locker.LockWithTimeout(path, 5*time.Second)
	if err != nil {
		t.Fatalf("LockWithTimeout(): %v", err)
	}
	_ = lock.Close()
}

func Test_Locker_Locks_Do_Not_Interfere_Across_Paths(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	dir := t.TempDir()

	a, err := locker.TryLock(filepath.Join(dir, "a"))
	if err != nil {
		t.Fatalf("TryLock(a): %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	b, err := locker.TryLock(filepath.Join(dir, "b"))
	if err != nil {
		t.Fatalf("TryLock(b) while a is locked: %v", err)
	}
	_ = b.Close()
}

func Test_Locker_Can_Reacquire_After_Close(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	for i := range 3 {
		lock, err := locker.TryLock(path)
		if err != nil {
			t.Fatalf("TryLock() round %d: %v", i, err)
		}

		if err := lock.Close(); err != nil {
			t.Fatalf("Close() round %d: %v", i, err)
		}
	}
}

func Test_Locker_Lock_Creates_Parent_Directories_When_Missing(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "nested", "dir", "lock")

	lock, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = lock.Close() })

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}

	if got, want := lock.File().Name(), path; got != want {
		t.Fatalf("File().Name()=%q, want=%q", got, want)
	}
}

func Test_Lock_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())

	lock, err := locker.Lock(filepath.Join(t.TempDir(), "lock"))
	if err != nil {
		t.Fatalf("Lock(): %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("second Close(): %v", err)
	}

	if lock.File() != nil {
		t.Fatalf("File() after Close: want nil")
	}
}

func Test_Locker_TryLock_Returns_ErrWouldBlock_When_Flock_WouldBlock(t *testing.T) {
	// Verifies we normalize kernel "would block" errors (EAGAIN/EWOULDBLOCK) to
	// ErrWouldBlock for TryLock callers.

	tests := []struct {
		name string
		err  error
	}{
		{name: "EWOULDBLOCK", err: syscall.EWOULDBLOCK},
		{name: "EAGAIN", err: syscall.EAGAIN},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locker := NewLocker(NewReal())
			locker.flock = func(int, int) error { return tt.err }

			lock, err := locker.TryLock(filepath.Join(t.TempDir(), "lock"))
			if !errors.Is(err, ErrWouldBlock) {
				t.Fatalf("TryLock(): err=%v, want %v", err, ErrWouldBlock)
			}
			if lock != nil {
				t.Fatalf("TryLock(): want lock=nil, got non-nil")
			}
		})
	}
}

func Test_Locker_Retries_EINTR_When_Flock_Is_Interrupted(t *testing.T) {
	t.Parallel()

	calls := 0

	locker := NewLocker(NewReal())
	locker.flock = func(fd, how int) error {
		calls++
		if calls <= 3 {
			return syscall.EINTR
		}

		return unix.Flock(fd, how)
	}

	lock, err := locker.Lock(filepath.Join(t.TempDir(), "lock"))
	if err != nil {
		t.Fatalf("Lock(): %v", err)
	}
	_ = lock.Close()

	if calls < 4 {
		t.Fatalf("flock calls=%d, want >= 4", calls)
	}
}

func Test_Locker_Lock_Retries_When_LockFile_Was_Replaced_During_Acquire(t *testing.T) {
	// Lock() must not return a lock on an inode that is no longer at path:
	// it retries until it locks the file currently there.
	t.Parallel()

	path := filepath.Join(t.TempDir(), "lock")
	replaced := false

	locker := NewLocker(NewReal())
	locker.flock = func(fd, how int) error {
		if !replaced && how&unix.LOCK_UN == 0 {
			replaced = true

			if err := os.Remove(path); err != nil {
				return err
			}

			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return err
			}
		}

		return unix.Flock(fd, how)
	}

	lock, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(): %v", err)
	}
	t.Cleanup(func() { _ = lock.Close() })

	match, err := locker.inodeMatchesPath(path, lock.File())
	if err != nil {
		t.Fatalf("inodeMatchesPath(): %v", err)
	}
	if !match {
		t.Fatalf("Lock() returned a lock on a replaced inode")
	}
}

func Test_Locker_Returns_Injected_Error_When_Lock_File_Cannot_Be_Opened(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	chaos := NewChaos(NewReal(), 1, ChaosConfig{})
	chaos.SetPathState(dir, PathIOError)

	_, err := NewLocker(chaos).TryLock(filepath.Join(dir, "lock"))
	if !errors.Is(err, syscall.EIO) || !IsInjected(err) {
		t.Fatalf("TryLock(): err=%v, want injected EIO", err)
	}
}
