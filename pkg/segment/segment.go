package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/rollq/internal/fs"
	"github.com/calvinalkan/rollq/pkg/process"
)

// DefaultInitialSize is the size a new segment file is truncated to.
const DefaultInitialSize = 256 << 10

// Recovery kinds passed to [Options.OnRecover].
const (
	RecoveryAdopted = "adopted" // committed frame past the write position
	RecoveryCleared = "cleared" // incomplete frame of a dead writer
)

// Options configures [Open].
type Options struct {
	// Path is the segment file. Required.
	Path string

	// Cycle is the roll cycle the file belongs to. It is written into new
	// files and checked against existing ones.
	Cycle int64

	// Create initializes a missing or empty file. Without it a missing file
	// is reported as [os.ErrNotExist] and an empty one as [ErrEmpty].
	Create bool

	// InitialSize is the size new files are truncated to. Zero means
	// [DefaultInitialSize].
	InitialSize int64

	// Liveness decides whether an interrupted write belongs to a dead
	// process. Nil means [process.OS].
	Liveness process.Liveness

	// OnRecover is called after a repair with one of the Recovery* kinds.
	OnRecover func(kind string)

	// Logger receives warnings. Nil means [zap.L].
	Logger *zap.Logger

	// FS opens the file. Nil means [fs.NewReal].
	FS fs.FS
}

// Segment is an open, memory-mapped cycle file.
//
// Reads are safe for concurrent use with one writer. Appends (Begin, Seal,
// Recover) must be serialized by the caller across all processes, normally
// by holding the queue's write lock.
type Segment struct {
	mu      sync.RWMutex
	closed  bool
	data    []byte
	retired [][]byte // replaced mappings, unmapped on Close

	file      fs.File
	fsys      fs.FS
	path      string
	cycle     int64
	createdAt int64
	locker    *fs.Locker
	liveness  process.Liveness
	onRecover func(string)
	log       *zap.Logger
}

// Open opens the segment at opts.Path.
//
// Possible errors:
//   - [os.ErrNotExist]: file missing and Create is false
//   - [ErrEmpty]: file has no published header and Create is false
//   - [ErrRecoveryLocked]: initialization needed but another process holds
//     the segment's file lock
//   - [ErrCorrupt]: header invalid or written for another cycle
//   - syscall errors: open, stat, truncate, mmap
func Open(opts Options) (*Segment, error) {
	if opts.Path == "" {
		return nil, errors.New("segment: path is required")
	}

	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	flag := os.O_RDWR
	if opts.Create {
		flag |= os.O_CREATE
	}

	f, err := fsys.OpenFile(opts.Path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	s := &Segment{
		file:      f,
		fsys:      fsys,
		path:      opts.Path,
		cycle:     opts.Cycle,
		locker:    fs.NewLocker(fsys),
		liveness:  opts.Liveness,
		onRecover: opts.OnRecover,
		log:       opts.Logger,
	}

	if s.liveness == nil {
		s.liveness = process.OS{}
	}

	if s.log == nil {
		s.log = zap.L()
	}

	s.log = s.log.With(zap.String("path", opts.Path), zap.Int64("cycle", opts.Cycle))

	err = s.load(opts)
	if err != nil {
		_ = s.Close()

		return nil, err
	}

	return s, nil
}

func (s *Segment) load(opts Options) error {
	size, err := s.fileSize()
	if err != nil {
		return err
	}

	if size >= HeaderSize {
		err = s.remap(size)
		if err != nil {
			return err
		}

		h, err := decodeHeader(s.data)
		if err == nil {
			return s.accept(h)
		}

		if !errors.Is(err, ErrEmpty) {
			return err
		}
	}

	if !opts.Create {
		return ErrEmpty
	}

	return s.initialize(opts)
}

// initialize publishes a header on an empty file. It holds the segment's
// file lock so that two creators, or an operator tool holding the file,
// cannot interleave with it.
func (s *Segment) initialize(opts Options) error {
	lk, err := s.locker.TryLock(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return fmt.Errorf("initialize %s: %w", s.path, ErrRecoveryLocked)
		}

		return fmt.Errorf("lock segment: %w", err)
	}
	defer func() { _ = lk.Close() }()

	size, err := s.fileSize()
	if err != nil {
		return err
	}

	want := opts.InitialSize
	if want <= 0 {
		want = DefaultInitialSize
	}

	want = roundUpPage(max(want, HeaderSize))

	if size < want {
		err = s.file.Truncate(want)
		if err != nil {
			return fmt.Errorf("truncate segment: %w", err)
		}

		size = want
	}

	err = s.remap(size)
	if err != nil {
		return err
	}

	h, err := decodeHeader(s.data)
	if err == nil {
		// Published by a racing creator before we got the lock.
		return s.accept(h)
	}

	if !errors.Is(err, ErrEmpty) {
		return err
	}

	h = header{Version: formatVersion, Cycle: opts.Cycle, CreatedAt: time.Now().UnixNano()}

	clear(s.data[:HeaderSize])
	encodeStatic(s.data, h)
	atomicStoreUint64(s.data[offWritePos:], HeaderSize)
	atomicStoreUint64(s.data[offCount:], 0)
	atomicStoreUint32(s.data[offMagic:], magicWord)

	s.log.Debug("initialized segment", zap.Int64("size", size))

	if err := s.fsys.SyncDir(filepath.Dir(s.path)); err != nil {
		s.log.Warn("Could not sync queue directory after creating segment", zap.Error(err))
	}

	return s.accept(h)
}

func (s *Segment) accept(h header) error {
	if h.Cycle != s.cycle {
		return fmt.Errorf("header cycle %d, expected %d: %w", h.Cycle, s.cycle, ErrCorrupt)
	}

	s.createdAt = h.CreatedAt

	return nil
}

// Close unmaps the file and closes it. Close is idempotent.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	var errs []error

	for _, m := range append(s.retired, s.data) {
		if m == nil {
			continue
		}

		if err := unix.Munmap(m); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
	}

	s.data = nil
	s.retired = nil

	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	return errors.Join(errs...)
}

// Path returns the file path.
func (s *Segment) Path() string { return s.path }

// Cycle returns the roll cycle stored in the header.
func (s *Segment) Cycle() int64 { return s.cycle }

// CreatedAt returns the time the header was published.
func (s *Segment) CreatedAt() time.Time { return time.Unix(0, s.createdAt) }

// WritePosition returns the offset where the next frame will be written.
func (s *Segment) WritePosition() int64 {
	return int64(atomicLoadUint64(s.view()[offWritePos:]))
}

// Count returns the number of committed records.
func (s *Segment) Count() uint64 {
	return atomicLoadUint64(s.view()[offCount:])
}

// Sealed reports whether the segment carries an end-of-cycle marker.
func (s *Segment) Sealed() bool {
	pos := s.WritePosition()

	data, ok := s.viewAt(pos + frameHeaderSize)
	if !ok {
		return false
	}

	return classify(atomicLoadUint32(data[pos:])) == FrameEOF
}

// Sync flushes the mapping to disk with msync(MS_SYNC).
func (s *Segment) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	err := unix.Msync(s.data, unix.MS_SYNC)
	if err != nil {
		return fmt.Errorf("msync: %w", err)
	}

	return nil
}

func (s *Segment) view() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.data
}

// viewAt returns a mapping covering [0, end), remapping if another process
// grew the file. ok is false if the file is shorter than end.
func (s *Segment) viewAt(end int64) ([]byte, bool) {
	data := s.view()
	if end <= int64(len(data)) {
		return data, true
	}

	size, err := s.fileSize()
	if err != nil || size < end {
		return data, false
	}

	if err := s.remap(size); err != nil {
		return data, false
	}

	data = s.view()

	return data, end <= int64(len(data))
}

// grow makes the file and mapping cover at least end bytes.
func (s *Segment) grow(end int64) ([]byte, error) {
	if data, ok := s.viewAt(end); ok {
		return data, nil
	}

	cur := int64(len(s.view()))
	size := roundUpPage(max(cur*2, end))

	err := s.file.Truncate(size)
	if err != nil {
		return nil, fmt.Errorf("grow segment to %d: %w", size, err)
	}

	err = s.remap(size)
	if err != nil {
		return nil, err
	}

	s.log.Debug("grew segment", zap.Int64("size", size))

	return s.view(), nil
}

func (s *Segment) remap(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if size <= int64(len(s.data)) {
		return nil
	}

	data, err := unix.Mmap(int(s.file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}

	// Readers may still hold the old slice.
	if s.data != nil {
		s.retired = append(s.retired, s.data)
	}

	s.data = data

	return nil
}

func (s *Segment) fileSize() (int64, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat segment: %w", err)
	}

	return info.Size(), nil
}

func (s *Segment) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return nil
}

var pageSize = int64(unix.Getpagesize())

func roundUpPage(n int64) int64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}
