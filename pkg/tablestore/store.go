package tablestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/rollq/internal/fs"
)

// DefaultLockTimeout bounds how long [Open] and [Store.AcquireSlot] wait for
// the creation lock held by another process.
const DefaultLockTimeout = 10 * time.Second

// Options configures [Open].
type Options struct {
	// Path is the table store file. Required.
	//
	// A lock file is also created at Path+".lock".
	Path string

	// Metadata is persisted into the header when the file is created. It is
	// ignored when the file already exists; use [Store.Metadata] to read
	// the stored seed. At most [MaxMetadataLen] bytes.
	Metadata []byte

	// SlotCapacity is the number of named slots. Zero means
	// [DefaultSlotCapacity]. Fixed at creation time.
	SlotCapacity int

	// LockTimeout bounds waiting for the creation lock. Zero means
	// [DefaultLockTimeout].
	LockTimeout time.Duration

	// Logger receives diagnostics. Nil means [zap.L].
	Logger *zap.Logger

	// FS is the filesystem used for creation. Nil means [fs.NewReal].
	FS fs.FS
}

// Store is an open handle on a table store file.
//
// A Store is safe for concurrent use. Handles on the same file within a
// process share one mapping.
type Store struct {
	mu     sync.Mutex
	closed bool

	path   string
	header header
	m      *mapping
	locker *fs.Locker
	lockTO time.Duration
	log    *zap.Logger
}

// Open opens the table store at opts.Path, creating it if it does not exist
// (or exists with zero length).
//
// Racing creators are serialized by a flock on Path+".lock" and the file is
// created via temp+rename, so every process observes either no file or the
// complete one.
//
// Possible errors:
//   - [ErrInvalidInput]: empty path, metadata too large, bad slot capacity
//   - [ErrCorrupt]: existing file fails header validation or is truncated
//   - [ErrIncompatible]: existing file uses another format version
//   - [fs.ErrWouldBlock]: creation lock not acquired within LockTimeout
//   - syscall errors: file I/O failures (open, stat, read, mmap)
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	if len(opts.Metadata) > MaxMetadataLen {
		return nil, fmt.Errorf("metadata is %d bytes, max %d: %w", len(opts.Metadata), MaxMetadataLen, ErrInvalidInput)
	}

	capacity := opts.SlotCapacity
	if capacity == 0 {
		capacity = DefaultSlotCapacity
	}

	if capacity < 1 || capacity > MaxSlotCapacity {
		return nil, fmt.Errorf("slot_capacity %d out of range [1,%d]: %w", capacity, MaxSlotCapacity, ErrInvalidInput)
	}

	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	log := opts.Logger
	if log == nil {
		log = zap.L()
	}

	lockTO := opts.LockTimeout
	if lockTO <= 0 {
		lockTO = DefaultLockTimeout
	}

	s := &Store{
		path:   opts.Path,
		locker: fs.NewLocker(fsys),
		lockTO: lockTO,
		log:    log.With(zap.String("path", opts.Path)),
	}

	needCreate, err := isMissingOrEmpty(fsys, opts.Path)
	if err != nil {
		return nil, err
	}

	if needCreate {
		err = s.createLocked(fsys, opts.Metadata, uint32(capacity))
		if err != nil {
			return nil, err
		}
	}

	err = s.mapExisting()
	if err != nil {
		return nil, err
	}

	return s, nil
}

func isMissingOrEmpty(fsys fs.FS, path string) (bool, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}

		return false, fmt.Errorf("stat %s: %w", path, err)
	}

	return info.Size() == 0, nil
}

// createLocked writes a fresh store file under the creation lock, unless a
// racing process already did.
func (s *Store) createLocked(fsys fs.FS, meta []byte, capacity uint32) error {
	lk, err := s.locker.LockWithTimeout(s.path+".lock", s.lockTO)
	if err != nil {
		return fmt.Errorf("acquire creation lock: %w", err)
	}
	defer func() { _ = lk.Close() }()

	needCreate, err := isMissingOrEmpty(fsys, s.path)
	if err != nil {
		return err
	}

	if !needCreate {
		return nil
	}

	image := encodeFile(header{
		SlotCapacity: capacity,
		CreatedAt:    time.Now().UnixNano(),
		StoreID:      uuid.New(),
		Metadata:     meta,
	})

	err = fsys.WriteFileAtomic(s.path, image, 0o644)
	if err != nil {
		return fmt.Errorf("create table store: %w", err)
	}

	err = fsys.SyncDir(filepath.Dir(s.path))
	if err != nil {
		return fmt.Errorf("create table store: %w", err)
	}

	s.log.Debug("created table store", zap.Uint32("slot_capacity", capacity))

	return nil
}

// mapExisting opens, validates and maps the file at s.path, sharing an
// existing in-process mapping of the same inode if there is one.
func (s *Store) mapExisting() error {
	fd, err := unix.Open(s.path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}

	// The mapping outlives the descriptor.
	defer func() { _ = unix.Close(fd) }()

	var stat unix.Stat_t

	err = unix.Fstat(fd, &stat)
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}

	if stat.Size < headerSize {
		return fmt.Errorf("file size %d is less than header size %d: %w", stat.Size, headerSize, ErrCorrupt)
	}

	buf := make([]byte, headerSize)

	n, err := unix.Pread(fd, buf, 0)
	if err != nil || n != headerSize {
		return fmt.Errorf("read header: %w", ErrCorrupt)
	}

	h, err := decodeHeader(buf)
	if err != nil {
		return err
	}

	want := fileSize(h.SlotCapacity)
	if stat.Size < int64(want) {
		return fmt.Errorf("file size %d is less than layout size %d: %w", stat.Size, want, ErrCorrupt)
	}

	id := fileIdentity{dev: uint64(stat.Dev), ino: stat.Ino}

	m, err := acquireMapping(id, fd, want)
	if err != nil {
		return err
	}

	s.header = h
	s.m = m

	return nil
}

// Close releases this handle. The mapping is unmapped when the last handle
// on the same file closes. Close is idempotent.
//
// Slots obtained from the store must not be used after the last handle on
// the file is closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	return releaseMapping(s.m)
}

// Path returns the file path.
func (s *Store) Path() string { return s.path }

// ID returns the identity written once at creation.
func (s *Store) ID() uuid.UUID { return s.header.StoreID }

// CreatedAt returns the creation time stored in the header.
func (s *Store) CreatedAt() time.Time { return time.Unix(0, s.header.CreatedAt) }

// SlotCapacity returns the fixed number of slots.
func (s *Store) SlotCapacity() int { return int(s.header.SlotCapacity) }

// Metadata returns a copy of the seed persisted at creation.
func (s *Store) Metadata() []byte {
	out := make([]byte, len(s.header.Metadata))
	copy(out, s.header.Metadata)

	return out
}

// Sync flushes the mapping to disk with msync(MS_SYNC).
//
// Slot values are visible to other processes without Sync; it only matters
// for durability across power loss.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	err := unix.Msync(s.m.data, unix.MS_SYNC)
	if err != nil {
		return fmt.Errorf("msync: %w", err)
	}

	return nil
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	return nil
}

// fileIdentity uniquely identifies a file by device and inode.
type fileIdentity struct {
	dev uint64
	ino uint64
}

// mapping is one shared MAP_SHARED mapping, reference-counted across the
// Store handles of a process.
type mapping struct {
	id   fileIdentity
	data []byte
	refs int
}

var (
	registryMu sync.Mutex
	registry   = map[fileIdentity]*mapping{}
)

func acquireMapping(id fileIdentity, fd int, size int) (*mapping, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if m, ok := registry[id]; ok {
		m.refs++

		return m, nil
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	m := &mapping{id: id, data: data, refs: 1}
	registry[id] = m

	return m, nil
}

func releaseMapping(m *mapping) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	m.refs--
	if m.refs > 0 {
		return nil
	}

	delete(registry, m.id)

	err := unix.Munmap(m.data)
	m.data = nil

	if err != nil {
		return fmt.Errorf("munmap: %w", err)
	}

	return nil
}

// openMappings returns the number of live mappings. Used by tests.
func openMappings() int {
	registryMu.Lock()
	defer registryMu.Unlock()

	return len(registry)
}
