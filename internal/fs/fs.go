// Package fs is the filesystem seam of the queue packages.
//
// [Real] talks to the OS, [Chaos] wraps another [FS] and injects faults,
// and [Locker] takes flock(2) locks through an [FS]. Files stay real
// descriptors in every implementation because segments and the table
// store are mapped with mmap(2) and locked with flock(2).
package fs

import (
	"io"
	"os"
)

// File is an open file backed by an OS descriptor. [os.File] satisfies it.
//
// Fd must stay valid for mmap, flock and ftruncate until Close.
type File interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt

	Fd() uintptr
	Name() string
	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
}

// FS is the set of filesystem operations a queue directory needs.
// Implementations must be safe for concurrent use.
type FS interface {
	// OpenFile is [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// WriteFileAtomic replaces path with data so that readers see either
	// the old content or all of data, never a prefix. Used to publish a
	// new table store.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error

	// ReadDir is [os.ReadDir]: entries sorted by name.
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll is [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat is [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// SyncDir fsyncs the directory at path so entries created in it
	// survive a crash.
	SyncDir(path string) error
}

var _ File = (*os.File)(nil)
