package fs

import (
	"bytes"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

// Real is the [FS] of the running OS.
type Real struct{}

// NewReal returns the OS filesystem.
func NewReal() *Real {
	return &Real{}
}

// OpenFile calls [os.OpenFile].
func (*Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

// WriteFileAtomic writes data to a temporary file next to path, fsyncs it
// and renames it over path. perm is applied once the file is in place.
func (*Real) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}

	return os.Chmod(path, perm)
}

// ReadDir calls [os.ReadDir].
func (*Real) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

// MkdirAll calls [os.MkdirAll].
func (*Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Stat calls [os.Stat].
func (*Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// SyncDir opens the directory read-only and fsyncs it.
func (*Real) SyncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}

	syncErr := d.Sync()
	closeErr := d.Close()

	if syncErr != nil {
		return fmt.Errorf("sync dir %s: %w", path, syncErr)
	}

	return closeErr
}

var _ FS = (*Real)(nil)
