package fs

import (
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
)

// ChaosConfig controls fault injection probabilities.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
type ChaosConfig struct {
	OpenFailRate       float64 // OpenFile, including segment and lock files
	WriteFailRate      float64 // WriteFileAtomic, with ENOSPC
	ReadDirFailRate    float64
	ReadDirPartialRate float64 // ReadDir returns a prefix of the listing
	StatFailRate       float64
	MkdirFailRate      float64
	SyncFailRate       float64 // SyncDir
}

// DefaultChaosConfig returns low fault rates for soak tests.
func DefaultChaosConfig() ChaosConfig {
	return ChaosConfig{
		OpenFailRate:       0.05,
		WriteFailRate:      0.05,
		ReadDirFailRate:    0.02,
		ReadDirPartialRate: 0.02,
		StatFailRate:       0.02,
		MkdirFailRate:      0.02,
		SyncFailRate:       0.05,
	}
}

// PathState tracks the fault state of a path for consistent error injection.
type PathState int

const (
	// PathNormal means no persistent fault - errors are transient.
	// This is the zero value, so untracked paths are normal.
	PathNormal PathState = iota
	// PathIOError is sticky - the path has a "bad sector" and always returns EIO.
	PathIOError
	// PathReadOnly is sticky for writes - filesystem is read-only, returns EROFS.
	PathReadOnly
)

// ChaosMode controls how Chaos behaves.
type ChaosMode uint8

const (
	// ChaosModePassthrough behaves like the underlying FS.
	// It ignores fault rates and also ignores any sticky path state.
	ChaosModePassthrough ChaosMode = iota

	// ChaosModeInject enables fault-rate injection and sticky path state.
	ChaosModeInject

	// ChaosModeStickyOnly applies only sticky path state. Fault rates are disabled.
	ChaosModeStickyOnly
)

// ChaosStats counts injected faults per operation.
type ChaosStats struct {
	OpenFails       int64
	WriteFails      int64
	ReadDirFails    int64
	PartialReadDirs int64
	StatFails       int64
	MkdirFails      int64
	SyncFails       int64
}

// Chaos wraps an [FS] and injects failures for testing.
//
// Faults happen at the path level: files returned by OpenFile are
// the wrapped filesystem's own, so their descriptors stay usable for flock
// and mmap. A sticky [PathState] also applies to everything below a
// directory.
//
// All injected errors are real OS errors (syscall.Errno wrapped in
// os.PathError). Use [IsInjected] to tell them from real ones.
type Chaos struct {
	fs     FS
	config ChaosConfig
	mode   atomic.Uint32

	mu         sync.Mutex
	rng        *rand.Rand
	pathStates map[string]PathState

	openFails       atomic.Int64
	writeFails      atomic.Int64
	readDirFails    atomic.Int64
	partialReadDirs atomic.Int64
	statFails       atomic.Int64
	mkdirFails      atomic.Int64
	syncFails       atomic.Int64
}

// NewChaos creates a new Chaos filesystem wrapping the given [FS].
// The seed controls random fault injection for reproducibility. The
// initial mode is [ChaosModeInject].
func NewChaos(fs FS, seed int64, config ChaosConfig) *Chaos {
	c := &Chaos{
		fs:         fs,
		rng:        rand.New(rand.NewSource(seed)),
		config:     config,
		pathStates: make(map[string]PathState),
	}
	c.mode.Store(uint32(ChaosModeInject))

	return c
}

// SetMode updates Chaos behavior. It is safe to call concurrently with
// filesystem operations.
func (c *Chaos) SetMode(mode ChaosMode) {
	c.mode.Store(uint32(mode))
}

// Mode returns the current mode.
func (c *Chaos) Mode() ChaosMode {
	return ChaosMode(c.mode.Load())
}

// SetPathState marks path (and everything below it) with a sticky fault.
// PathNormal clears it.
func (c *Chaos) SetPathState(path string, state PathState) {
	path = filepath.Clean(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	if state == PathNormal {
		delete(c.pathStates, path)

		return
	}

	c.pathStates[path] = state
}

// Stats returns the number of faults injected so far.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		OpenFails:       c.openFails.Load(),
		WriteFails:      c.writeFails.Load(),
		ReadDirFails:    c.readDirFails.Load(),
		PartialReadDirs: c.partialReadDirs.Load(),
		StatFails:       c.statFails.Load(),
		MkdirFails:      c.mkdirFails.Load(),
		SyncFails:       c.syncFails.Load(),
	}
}

// OpenFile opens a file. Opening for writing counts as a write for
// [PathReadOnly].
func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	write := flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0

	if err := c.fault("open", path, write, c.config.OpenFailRate, syscall.EIO, &c.openFails); err != nil {
		return nil, err
	}

	return c.fs.OpenFile(path, flag, perm)
}

// WriteFileAtomic writes data to path, or fails without touching it.
func (c *Chaos) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := c.fault("write", path, true, c.config.WriteFailRate, syscall.ENOSPC, &c.writeFails); err != nil {
		return err
	}

	return c.fs.WriteFileAtomic(path, data, perm)
}

// ReadDir lists path. A partial listing drops a random suffix of entries.
func (c *Chaos) ReadDir(path string) ([]os.DirEntry, error) {
	if err := c.fault("readdirent", path, false, c.config.ReadDirFailRate, syscall.EIO, &c.readDirFails); err != nil {
		return nil, err
	}

	entries, err := c.fs.ReadDir(path)
	if err != nil || len(entries) == 0 {
		return entries, err
	}

	if c.Mode() == ChaosModeInject && c.roll(c.config.ReadDirPartialRate) {
		c.partialReadDirs.Add(1)

		c.mu.Lock()
		n := c.rng.Intn(len(entries))
		c.mu.Unlock()

		return entries[:n], nil
	}

	return entries, nil
}

// MkdirAll creates path and its parents.
func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	if err := c.fault("mkdir", path, true, c.config.MkdirFailRate, syscall.EIO, &c.mkdirFails); err != nil {
		return err
	}

	return c.fs.MkdirAll(path, perm)
}

// Stat returns file info.
func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	if err := c.fault("stat", path, false, c.config.StatFailRate, syscall.EIO, &c.statFails); err != nil {
		return nil, err
	}

	return c.fs.Stat(path)
}

// SyncDir fsyncs the directory at path.
func (c *Chaos) SyncDir(path string) error {
	if err := c.fault("fsync", path, true, c.config.SyncFailRate, syscall.EIO, &c.syncFails); err != nil {
		return err
	}

	return c.fs.SyncDir(path)
}

// fault decides whether op on path fails. Sticky state wins over rates.
func (c *Chaos) fault(op, path string, write bool, rate float64, errno syscall.Errno, counter *atomic.Int64) error {
	mode := c.Mode()
	if mode == ChaosModePassthrough {
		return nil
	}

	switch c.stateOf(path) {
	case PathIOError:
		counter.Add(1)

		return injectedError(op, path, syscall.EIO)

	case PathReadOnly:
		if write {
			counter.Add(1)

			return injectedError(op, path, syscall.EROFS)
		}
	}

	if mode == ChaosModeInject && c.roll(rate) {
		counter.Add(1)

		return injectedError(op, path, errno)
	}

	return nil
}

// stateOf returns the sticky state of path or its closest marked parent.
func (c *Chaos) stateOf(path string) PathState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pathStates) == 0 {
		return PathNormal
	}

	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		if st, ok := c.pathStates[p]; ok {
			return st
		}

		if parent := filepath.Dir(p); parent == p {
			return PathNormal
		}
	}
}

func (c *Chaos) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}

	if rate >= 1 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.Float64() < rate
}

var _ FS = (*Chaos)(nil)
