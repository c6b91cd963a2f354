package queue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/calvinalkan/rollq/pkg/segment"
	"github.com/calvinalkan/rollq/pkg/writelock"
)

// Appender writes records to a queue. It is not safe for concurrent use.
type Appender struct {
	q *Queue

	// seg is the segment of cycle, held between transactions so consecutive
	// appends to one cycle reuse the mapping.
	seg   *segment.Segment
	cycle int64

	tx        *WriteTx
	lastIndex uint64
	hasLast   bool
	closed    bool
	buf       []byte
}

// Appender returns a new appender.
func (q *Queue) Appender() *Appender {
	return &Appender{q: q}
}

// WritingDocument opens a write transaction on the latest cycle, rolling to
// the clock's current cycle if it is newer. It blocks until the write lock
// is held.
//
// Possible errors:
//   - [ErrInterrupted]: ctx ended while waiting for the lock
//   - [ErrRecoveryLocked]: the segment needs repair a live process prevents
//   - [ErrCycleFull], [ErrTxOpen], [ErrClosed]
func (a *Appender) WritingDocument(ctx context.Context) (*WriteTx, error) {
	return a.begin(ctx, 0, false)
}

// WritingDocumentAt opens a write transaction on cycle instead of the latest
// one. Writing into a cycle that has been rolled past fails with [ErrSealed].
func (a *Appender) WritingDocumentAt(ctx context.Context, cycle int64) (*WriteTx, error) {
	if cycle < 0 {
		return nil, fmt.Errorf("queue: negative cycle %d", cycle)
	}

	return a.begin(ctx, cycle, true)
}

// Append encodes payload with the queue's codec and writes it as one record.
// It returns the record's index.
func (a *Appender) Append(ctx context.Context, payload []byte) (uint64, error) {
	return a.write(payload, func() (*WriteTx, error) { return a.WritingDocument(ctx) })
}

// AppendAt is [Appender.Append] into cycle, see [Appender.WritingDocumentAt].
func (a *Appender) AppendAt(ctx context.Context, cycle int64, payload []byte) (uint64, error) {
	return a.write(payload, func() (*WriteTx, error) { return a.WritingDocumentAt(ctx, cycle) })
}

func (a *Appender) write(payload []byte, begin func() (*WriteTx, error)) (uint64, error) {
	var err error

	a.buf, err = a.q.codec.Encode(a.buf[:0], payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	tx, err := begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Close() }()

	_, err = tx.Write(a.buf)
	if err != nil {
		return 0, err
	}

	return tx.Commit()
}

// LastIndex returns the index of the last record this appender committed.
func (a *Appender) LastIndex() (uint64, bool) {
	return a.lastIndex, a.hasLast
}

// Close rolls back an open transaction and releases the appender's segment.
func (a *Appender) Close() error {
	if a.closed {
		return nil
	}

	if a.tx != nil {
		_ = a.tx.Close()
	}

	a.closed = true
	a.dropSegment()

	return nil
}

func (a *Appender) begin(ctx context.Context, cycle int64, pinned bool) (*WriteTx, error) {
	if a.closed {
		return nil, ErrClosed
	}

	if err := a.q.checkOpen(); err != nil {
		return nil, err
	}

	if a.tx != nil && !a.tx.done {
		return nil, ErrTxOpen
	}

	q := a.q
	scope := q.opts.LockScope

	for {
		if !pinned {
			cycle = q.targetCycle()
		}

		if scope == ScopeCycle {
			err := q.rollTo(ctx, cycle)
			if err != nil {
				return nil, err
			}
		}

		lock, err := q.WriteLock(cycle)
		if err != nil {
			return nil, err
		}

		err = lock.Lock(ctx)
		if err != nil {
			return nil, err
		}

		if !pinned {
			now := q.targetCycle()

			if scope == ScopeCycle && now != cycle {
				// Another appender rolled while we waited; our lock no
				// longer covers the latest cycle.
				lock.Unlock()

				continue
			}

			cycle = now
		}

		if scope == ScopeQueue {
			// Cannot fail: the queue lock is held and no lock is taken.
			_ = q.rollTo(ctx, cycle)
		}

		tx, err := a.open(lock, cycle)
		if err != nil {
			lock.Unlock()

			return nil, err
		}

		return tx, nil
	}
}

// open starts the frame. The caller holds lock.
func (a *Appender) open(lock *writelock.Lock, cycle int64) (*WriteTx, error) {
	seg, err := a.segmentFor(cycle)
	if err != nil {
		return nil, err
	}

	if seg.Count() > a.q.rc.MaxSequence() {
		return nil, fmt.Errorf("cycle %d has %d records: %w", cycle, seg.Count(), ErrCycleFull)
	}

	p, err := seg.Begin(a.q.pid)
	if err != nil {
		if errors.Is(err, segment.ErrSealed) {
			return nil, fmt.Errorf("cycle %d: %w", cycle, ErrSealed)
		}

		return nil, fmt.Errorf("begin write in cycle %d: %w", cycle, err)
	}

	a.tx = &WriteTx{a: a, lock: lock, p: p, cycle: cycle}

	return a.tx, nil
}

func (a *Appender) segmentFor(cycle int64) (*segment.Segment, error) {
	if a.seg != nil && a.cycle == cycle {
		return a.seg, nil
	}

	seg, err := a.q.acquireSegment(cycle, true)
	if err != nil {
		return nil, err
	}

	a.dropSegment()
	a.seg, a.cycle = seg, cycle

	return seg, nil
}

func (a *Appender) dropSegment() {
	if a.seg == nil {
		return
	}

	a.q.releaseSegment(a.cycle)
	a.seg = nil
}

// WriteTx is an open write transaction. The write lock is held from
// [Appender.WritingDocument] until Commit, Rollback or Close.
type WriteTx struct {
	a     *Appender
	lock  *writelock.Lock
	p     *segment.Pending
	cycle int64
	index uint64
	done  bool
}

// Write appends payload bytes to the record. Bytes are stored as given; the
// queue's codec is only applied by [Appender.Append].
func (tx *WriteTx) Write(b []byte) (int, error) {
	if tx.done {
		return 0, ErrTxDone
	}

	return tx.p.Write(b)
}

// Commit publishes the record, releases the write lock and returns the
// record's index.
//
// With [Options.SyncOnCommit] a failed flush is returned together with the
// index: the record is committed and readable, but may not survive a
// power loss.
func (tx *WriteTx) Commit() (uint64, error) {
	if tx.done {
		return 0, ErrTxDone
	}

	tx.done = true
	defer tx.lock.Unlock()

	q := tx.a.q

	if !tx.lock.Owned() {
		q.log.Warn("Write lock was taken over before commit",
			zap.Int64("cycle", tx.cycle), zap.Stringer("holder", tx.lock.Holder()))
	}

	seq, err := tx.p.Commit()
	if err != nil {
		return 0, fmt.Errorf("commit to cycle %d: %w", tx.cycle, err)
	}

	tx.index = q.rc.ToIndex(tx.cycle, seq)
	tx.a.lastIndex, tx.a.hasLast = tx.index, true

	if q.metrics != nil {
		q.metrics.Appended(tx.cycle)
	}

	if q.opts.SyncOnCommit {
		err = tx.a.seg.Sync()
		if err != nil {
			return tx.index, fmt.Errorf("sync cycle %d: %w", tx.cycle, err)
		}
	}

	return tx.index, nil
}

// Rollback discards the record and releases the write lock. It is a no-op
// after Commit or Rollback.
func (tx *WriteTx) Rollback() {
	if tx.done {
		return
	}

	tx.done = true
	tx.p.Abort()
	tx.lock.Unlock()
}

// Close rolls the transaction back unless it was committed.
func (tx *WriteTx) Close() error {
	tx.Rollback()

	return nil
}

// Index returns the committed record's index. It is zero before Commit.
func (tx *WriteTx) Index() uint64 { return tx.index }

// Cycle returns the cycle the record is written to.
func (tx *WriteTx) Cycle() int64 { return tx.cycle }
