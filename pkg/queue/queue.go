package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/rollq/pkg/codec"
	"github.com/calvinalkan/rollq/pkg/process"
	"github.com/calvinalkan/rollq/pkg/rollcycle"
	"github.com/calvinalkan/rollq/pkg/segment"
	"github.com/calvinalkan/rollq/pkg/tablestore"
	"github.com/calvinalkan/rollq/pkg/writelock"
)

// MetadataFile is the name of the table store inside a queue directory.
const MetadataFile = "metadata.rqt"

// Slot names in the table store.
const (
	QueueLockName   = "write.lock"
	cycleLockPrefix = "write.lock."
	lastCycleName   = "cycle.last"
)

// cycleLockStripes bounds the slots used by [ScopeCycle] locks. Cycles that
// share a stripe share a lock.
const cycleLockStripes = 32

// Queue is an open queue directory.
//
// A Queue is safe for concurrent use. Appenders and tailers created from it
// are not; give each goroutine its own.
type Queue struct {
	dir     string
	rc      rollcycle.RollCycle
	codec   codec.Codec
	opts    Options
	pid     int
	store   *tablestore.Store
	last    *tablestore.Slot
	metrics Recorder
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
	locks  map[string]*writelock.Lock
	segs   map[int64]*segRef
}

type segRef struct {
	seg  *segment.Segment
	refs int
}

// Open opens the queue in dir, creating the directory and its metadata on
// first use.
//
// If the queue already exists its stored roll cycle is used, and a differing
// opts.RollCycle is ignored with a warning.
//
// Possible errors:
//   - [tablestore.ErrCorrupt]: metadata file or its roll cycle seed is damaged
//   - [tablestore.ErrIncompatible]: metadata written by another format version
//   - [tablestore.ErrFull]: no free slot for the queue's lock or cycle slots
//   - filesystem errors creating the directory or listing it
func Open(dir string, opts Options) (*Queue, error) {
	if dir == "" {
		return nil, errors.New("queue: directory is required")
	}

	explicit := !opts.RollCycle.IsZero()
	explicitCodec := opts.Codec != nil
	opts = opts.withDefaults()

	if err := opts.RollCycle.Validate(); err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	if err := opts.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	seed, err := encodeMetadata(opts.RollCycle, opts.Codec)
	if err != nil {
		return nil, err
	}

	log := opts.Logger.With(zap.String("queue", dir))

	store, err := tablestore.Open(tablestore.Options{
		Path:     filepath.Join(dir, MetadataFile),
		Metadata: seed,
		Logger:   log,
		FS:       opts.FS,
	})
	if err != nil {
		return nil, fmt.Errorf("open queue metadata: %w", err)
	}

	rc, cd, err := resolveMetadata(store.Metadata(), opts.RollCycle, opts.Codec)
	if err != nil {
		_ = store.Close()

		return nil, err
	}

	if explicit && rc != opts.RollCycle {
		log.Warn("Overriding roll cycle from stored metadata",
			zap.String("stored", rc.Name), zap.String("requested", opts.RollCycle.Name))
	}

	if explicitCodec && cd.Name() != opts.Codec.Name() {
		log.Warn("Overriding codec from stored metadata",
			zap.String("stored", cd.Name()), zap.String("requested", opts.Codec.Name()))
	}

	q := &Queue{
		dir:     dir,
		rc:      rc,
		codec:   cd,
		opts:    opts,
		pid:     process.PID(),
		store:   store,
		metrics: opts.Metrics,
		log:     log,
		locks:   make(map[string]*writelock.Lock),
		segs:    make(map[int64]*segRef),
	}

	q.last, err = store.AcquireSlot(lastCycleName)
	if err != nil {
		_ = store.Close()

		return nil, fmt.Errorf("acquire %s slot: %w", lastCycleName, err)
	}

	cycles, err := q.listCycles(true)
	if err != nil {
		_ = store.Close()

		return nil, err
	}

	if len(cycles) > 0 {
		q.raiseLastCycle(cycles[len(cycles)-1])
	}

	return q, nil
}

// Close releases the queue's segments and metadata. Appenders and tailers
// fail with [ErrClosed] afterwards. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true

	var errs []error

	for cycle, ref := range q.segs {
		if err := ref.seg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cycle %d: %w", cycle, err))
		}
	}

	q.segs = nil

	if q.opts.SyncOnCommit {
		if err := q.store.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync metadata: %w", err))
		}
	}

	if err := q.store.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Dir returns the queue directory.
func (q *Queue) Dir() string { return q.dir }

// RollCycle returns the queue's roll cycle policy.
func (q *Queue) RollCycle() rollcycle.RollCycle { return q.rc }

// Codec returns the codec records are stored with. A stored codec wins over
// [Options.Codec].
func (q *Queue) Codec() codec.Codec { return q.codec }

// SegmentPath returns the path of the segment file for cycle.
func (q *Queue) SegmentPath(cycle int64) string {
	return filepath.Join(q.dir, q.rc.FileName(cycle))
}

// Cycles returns every cycle with a segment file, ascending. Zero-length
// placeholder files are included.
func (q *Queue) Cycles() ([]int64, error) {
	return q.listCycles(false)
}

// FirstCycle returns the lowest cycle with a segment file. The boolean is
// false if the queue has none.
func (q *Queue) FirstCycle() (int64, bool, error) {
	cycles, err := q.listCycles(false)
	if err != nil || len(cycles) == 0 {
		return 0, false, err
	}

	return cycles[0], true, nil
}

// LastCycle returns the highest cycle known to the queue, either from a
// segment file in the directory or from an appender that rolled to it.
func (q *Queue) LastCycle() (int64, bool, error) {
	if err := q.checkOpen(); err != nil {
		return 0, false, err
	}

	cycles, err := q.listCycles(false)
	if err != nil {
		return 0, false, err
	}

	last, ok := q.lastKnownCycle()

	if n := len(cycles); n > 0 && (!ok || cycles[n-1] > last) {
		return cycles[n-1], true, nil
	}

	return last, ok, nil
}

// Slots lists the table store slots of the queue in allocation order: the
// last-cycle slot and every write lock any process has created.
func (q *Queue) Slots() ([]tablestore.SlotInfo, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	return q.store.Slots()
}

// IsLockSlot reports whether name is the slot of a write lock.
func IsLockSlot(name string) bool {
	return name == QueueLockName || strings.HasPrefix(name, cycleLockPrefix)
}

// DescribeSlot renders a slot value for diagnostics: the holder of a lock
// slot, the cycle in cycle.last ("none" before the first append), or the
// raw number for slots the queue does not own.
func DescribeSlot(s tablestore.SlotInfo) string {
	switch {
	case IsLockSlot(s.Name):
		return writelock.Holder(s.Value).String()
	case s.Name == lastCycleName && s.Value == 0:
		return "none"
	case s.Name == lastCycleName:
		return "cycle=" + strconv.FormatUint(s.Value-1, 10)
	default:
		return strconv.FormatUint(s.Value, 10)
	}
}

// WriteLock returns the in-process handle of the write lock that guards
// appends to cycle. With [ScopeQueue] every cycle maps to the same lock.
func (q *Queue) WriteLock(cycle int64) (*writelock.Lock, error) {
	name := QueueLockName
	if q.opts.LockScope == ScopeCycle {
		name = fmt.Sprintf("%s%d", cycleLockPrefix, cycle%cycleLockStripes)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	if l, ok := q.locks[name]; ok {
		return l, nil
	}

	slot, err := q.store.AcquireSlot(name)
	if err != nil {
		return nil, fmt.Errorf("acquire %s slot: %w", name, err)
	}

	var rec writelock.Recorder
	if q.metrics != nil {
		rec = q.metrics
	}

	l := writelock.New(slot, writelock.Options{
		Timeout:  q.opts.Timeout,
		Pauser:   q.opts.Pauser,
		Logger:   q.log,
		PID:      q.pid,
		Liveness: q.opts.Liveness,
		Recorder: rec,
	})
	q.locks[name] = l

	return l, nil
}

// checkOpen guards code that touches the table store mapping, which is
// unmapped by Close.
func (q *Queue) checkOpen() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	return nil
}

// listCycles reads the directory for segment files of the queue's roll
// cycle, ascending. With nonEmpty, zero-length files are skipped.
func (q *Queue) listCycles(nonEmpty bool) ([]int64, error) {
	entries, err := q.opts.FS.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("list queue dir: %w", err)
	}

	var cycles []int64

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		cycle, ok := q.rc.ParseFileName(e.Name())
		if !ok {
			continue
		}

		if nonEmpty {
			info, err := e.Info()
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
			}

			if info.Size() == 0 {
				continue
			}
		}

		cycles = append(cycles, cycle)
	}

	slices.Sort(cycles)

	return cycles, nil
}

// writerActive reports whether the write lock guarding cycle is held by a
// live process.
func (q *Queue) writerActive(cycle int64) (bool, error) {
	lock, err := q.WriteLock(cycle)
	if err != nil {
		return false, err
	}

	h := lock.Holder()

	return h != writelock.Unlocked && q.opts.Liveness.Alive(h.PID()), nil
}

// The cycle.last slot stores cycle+1 so that zero means "no cycle yet".

func (q *Queue) lastKnownCycle() (int64, bool) {
	v := q.last.Load()
	if v == 0 {
		return 0, false
	}

	return int64(v - 1), true
}

// raiseLastCycle moves cycle.last up to cycle. It reports the value it
// replaced and whether this call moved it.
func (q *Queue) raiseLastCycle(cycle int64) (prev int64, hadPrev bool, raised bool) {
	want := uint64(cycle) + 1

	for {
		cur := q.last.Load()
		if cur >= want {
			return 0, false, false
		}

		if q.last.CompareAndSwap(cur, want) {
			return int64(cur) - 1, cur != 0, true
		}
	}
}

// targetCycle is the cycle an unpinned append goes to. It never moves
// backwards, even if the clock does.
func (q *Queue) targetCycle() int64 {
	cycle := q.rc.Current(q.opts.Clock.Now())

	if last, ok := q.lastKnownCycle(); ok && last > cycle {
		return last
	}

	return cycle
}

// rollTo makes cycle the latest known cycle and seals the one it replaces.
//
// With [ScopeCycle] the previous cycle's lock is taken for the seal, so the
// caller must not hold any write lock. With [ScopeQueue] the caller holds
// the queue lock already.
func (q *Queue) rollTo(ctx context.Context, cycle int64) error {
	prev, hadPrev, raised := q.raiseLastCycle(cycle)
	if !raised || !hadPrev {
		return nil
	}

	q.rolled(prev, cycle)

	if q.opts.LockScope == ScopeCycle {
		lock, err := q.WriteLock(prev)
		if err != nil {
			return err
		}

		err = lock.Lock(ctx)
		if err != nil {
			return err
		}

		defer lock.Unlock()
	}

	q.seal(prev)

	return nil
}

// seal writes the end-of-cycle marker into cycle's segment. A missing or
// empty segment needs no marker. Failures are logged; tailers move past an
// unsealed cycle once a later one exists.
func (q *Queue) seal(cycle int64) {
	seg, err := q.acquireSegment(cycle, false)
	if isAbsent(err) {
		return
	}

	if err != nil {
		q.log.Warn("Could not open previous cycle for sealing", zap.Int64("cycle", cycle), zap.Error(err))

		return
	}

	defer q.releaseSegment(cycle)

	err = seg.Seal()
	if err != nil {
		q.log.Warn("Could not seal previous cycle", zap.Int64("cycle", cycle), zap.Error(err))
	}
}

// acquireSegment returns the cached handle of cycle's segment, opening it on
// first use. Each successful call must be paired with releaseSegment.
//
// Without create, an absent or empty file is reported as [os.ErrNotExist]
// or [segment.ErrEmpty] (see isAbsent).
func (q *Queue) acquireSegment(cycle int64, create bool) (*segment.Segment, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	if ref, ok := q.segs[cycle]; ok {
		ref.refs++

		return ref.seg, nil
	}

	seg, err := segment.Open(segment.Options{
		Path:        q.SegmentPath(cycle),
		Cycle:       cycle,
		Create:      create,
		InitialSize: q.opts.SegmentSize,
		Liveness:    q.opts.Liveness,
		OnRecover:   q.recovered,
		Logger:      q.log,
		FS:          q.opts.FS,
	})
	if err != nil {
		return nil, err
	}

	q.segs[cycle] = &segRef{seg: seg, refs: 1}

	return seg, nil
}

func (q *Queue) releaseSegment(cycle int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ref, ok := q.segs[cycle]
	if !ok {
		return
	}

	ref.refs--
	if ref.refs > 0 {
		return
	}

	delete(q.segs, cycle)

	if err := ref.seg.Close(); err != nil {
		q.log.Warn("Could not close segment", zap.Int64("cycle", cycle), zap.Error(err))
	}
}

// openSegments reports how many segment handles are cached.
func (q *Queue) openSegments() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.segs)
}

// isAbsent reports whether err means the cycle has no readable segment: the
// file is missing or holds no published header.
func isAbsent(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, segment.ErrEmpty)
}

func (q *Queue) recovered(kind string) {
	if q.metrics != nil {
		q.metrics.Recovered(kind)
	}
}

func (q *Queue) rolled(from, to int64) {
	q.log.Debug("Rolled to new cycle", zap.Int64("from", from), zap.Int64("to", to))

	if q.metrics != nil {
		q.metrics.Rolled(from, to)
	}
}

// metadata is the table store seed. It is JSON so a queue created with a
// custom roll cycle can be reopened without knowing it.
type metadata struct {
	RollCycle    string `json:"roll_cycle"`
	Format       string `json:"format"`
	LengthMS     int64  `json:"length_ms"`
	SequenceBits uint   `json:"sequence_bits"`
	Codec        string `json:"codec,omitempty"`
}

func encodeMetadata(rc rollcycle.RollCycle, cd codec.Codec) ([]byte, error) {
	b, err := json.Marshal(metadata{
		RollCycle:    rc.Name,
		Format:       rc.Format,
		LengthMS:     rc.Length.Milliseconds(),
		SequenceBits: rc.SequenceBits,
		Codec:        cd.Name(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode queue metadata: %w", err)
	}

	if len(b) > tablestore.MaxMetadataLen {
		return nil, fmt.Errorf("roll cycle %q with codec %q does not fit queue metadata (%d bytes): %w",
			rc.Name, cd.Name(), len(b), tablestore.ErrInvalidInput)
	}

	return b, nil
}

// resolveMetadata returns the roll cycle and codec stored in raw. A store
// without a seed (created by a tool that only needed slots) falls back to
// the requested ones, as does a seed without a codec.
func resolveMetadata(raw []byte, requested rollcycle.RollCycle, requestedCodec codec.Codec) (rollcycle.RollCycle, codec.Codec, error) {
	if len(raw) == 0 {
		return requested, requestedCodec, nil
	}

	var m metadata

	err := json.Unmarshal(raw, &m)
	if err != nil {
		return rollcycle.RollCycle{}, nil, fmt.Errorf("queue metadata: %w: %w", tablestore.ErrCorrupt, err)
	}

	rc := rollcycle.RollCycle{
		Name:         m.RollCycle,
		Format:       m.Format,
		Length:       time.Duration(m.LengthMS) * time.Millisecond,
		SequenceBits: m.SequenceBits,
	}

	err = rc.Validate()
	if err != nil {
		return rollcycle.RollCycle{}, nil, fmt.Errorf("queue metadata: %w: %w", tablestore.ErrCorrupt, err)
	}

	if m.Codec == "" || m.Codec == requestedCodec.Name() {
		return rc, requestedCodec, nil
	}

	cd, err := codec.ByName(m.Codec)
	if err != nil {
		return rollcycle.RollCycle{}, nil, fmt.Errorf("queue metadata: %w: %w", tablestore.ErrCorrupt, err)
	}

	return rc, cd, nil
}
