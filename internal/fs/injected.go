package fs

import (
	"errors"
	iofs "io/fs"
	"sync"
	"syscall"
)

// IsInjected reports whether err (or any wrapped error) was injected by
// [Chaos]. Returns false if err is nil.
//
// Injected errors are plain *fs.PathError values carrying a syscall.Errno, so
// errors.Is(err, syscall.EIO) and os.IsPermission keep working. They are
// tracked by identity so tests can still tell them apart from real failures.
func IsInjected(err error) bool {
	if err == nil {
		return false
	}

	var pathErr *iofs.PathError
	if errors.As(err, &pathErr) {
		_, ok := injectedPathErrors.Load(pathErr)

		return ok
	}

	return false
}

var injectedPathErrors sync.Map // map[*fs.PathError]struct{}

// injectedError builds and registers an injected error for op on path.
func injectedError(op, path string, errno syscall.Errno) error {
	err := &iofs.PathError{Op: op, Path: path, Err: errno}
	injectedPathErrors.Store(err, struct{}{})

	return err
}
