package queue

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/rollq/pkg/segment"
)

// Tailer reads records in index order. It never blocks: once it has caught
// up, [Tailer.ReadingDocument] reports a transaction that is not present.
// It is not safe for concurrent use.
//
// Cycles without a readable segment (missing, zero-length or never
// initialized files) are skipped without taking any lock.
type Tailer struct {
	q *Queue

	seg   *segment.Segment // nil until positioned on a readable cycle
	cycle int64
	pos   int64
	seq   uint64

	tx     *ReadTx
	closed bool
}

// Tailer returns a tailer positioned at the start of the queue.
func (q *Queue) Tailer() *Tailer {
	return &Tailer{q: q}
}

// ReadingDocument returns the next record as a read transaction. Closing the
// transaction consumes the record; rolling it back leaves the tailer in
// place. A still open transaction is closed first.
//
// When no record is available the transaction is not present and the error
// is nil.
//
// Possible errors:
//   - [segment.ErrCorrupt]: a segment in the read path is damaged
//   - [ErrClosed]
func (t *Tailer) ReadingDocument() (*ReadTx, error) {
	if t.closed {
		return nil, ErrClosed
	}

	if t.tx != nil {
		_ = t.tx.Close()
	}

	for {
		if t.seg == nil {
			ok, err := t.locate()
			if err != nil || !ok {
				return &ReadTx{}, err
			}
		}

		f, err := t.seg.ReadAt(t.pos)
		if err != nil {
			return nil, fmt.Errorf("read cycle %d at %d: %w", t.cycle, t.pos, err)
		}

		switch f.Kind {
		case segment.FrameRecord:
			t.tx = &ReadTx{
				t:       t,
				present: true,
				payload: f.Payload,
				index:   t.q.rc.ToIndex(t.cycle, t.seq),
				cycle:   t.cycle,
				next:    f.Next,
			}

			return t.tx, nil

		case segment.FrameEOF:
			moved, err := t.advance()
			if err != nil || !moved {
				return &ReadTx{}, err
			}

		case segment.FrameIncomplete:
			// A write in progress blocks the cycle. An interrupted write of
			// a dead process is skipped once a later cycle is readable.
			if t.q.opts.Liveness.Alive(f.PID) {
				return &ReadTx{}, nil
			}

			moved, err := t.advance()
			if err != nil || !moved {
				return &ReadTx{}, err
			}

		default:
			// Nothing written here yet. If a later cycle is readable this
			// one was rolled past without a seal, unless a live writer
			// holds its lock and may still append before sealing it.
			busy, err := t.q.writerActive(t.cycle)
			if err != nil || busy {
				return &ReadTx{}, err
			}

			moved, err := t.advance()
			if err != nil || !moved {
				return &ReadTx{}, err
			}
		}
	}
}

// Next reads the next record and decodes it with the queue's codec. The
// boolean is false when no record is available.
func (t *Tailer) Next() ([]byte, uint64, bool, error) {
	tx, err := t.ReadingDocument()
	if err != nil || !tx.IsPresent() {
		return nil, 0, false, err
	}

	payload, err := t.q.codec.Decode(nil, tx.Bytes())
	if err != nil {
		tx.Rollback()

		return nil, 0, false, fmt.Errorf("decode record %d: %w", tx.Index(), err)
	}

	_ = tx.Close()

	return payload, tx.Index(), true, nil
}

// MoveToIndex positions the tailer so the next read returns the record at
// index.
//
// Possible errors:
//   - [ErrIndexNotFound]: no segment for the index's cycle, or no record
//     with its sequence
func (t *Tailer) MoveToIndex(index uint64) error {
	if t.closed {
		return ErrClosed
	}

	t.rollbackOpen()

	cycle := t.q.rc.CycleOf(index)
	seq := t.q.rc.SequenceOf(index)

	seg, err := t.q.acquireSegment(cycle, false)
	if isAbsent(err) {
		return fmt.Errorf("index %d (cycle %d): %w", index, cycle, ErrIndexNotFound)
	}

	if err != nil {
		return err
	}

	pos, err := seg.Seek(seq)
	if err != nil {
		t.q.releaseSegment(cycle)

		if errors.Is(err, segment.ErrNotFound) {
			return fmt.Errorf("index %d: %w", index, ErrIndexNotFound)
		}

		return err
	}

	t.setSegment(seg, cycle)
	t.pos, t.seq = pos, seq

	return nil
}

// ToStart positions the tailer before the first record of the queue.
func (t *Tailer) ToStart() error {
	if t.closed {
		return ErrClosed
	}

	t.rollbackOpen()
	t.release()

	return nil
}

// ToEnd positions the tailer after the last committed record, so only
// records appended later are read.
func (t *Tailer) ToEnd() error {
	if t.closed {
		return ErrClosed
	}

	t.rollbackOpen()

	cycles, err := t.q.listCycles(false)
	if err != nil {
		return err
	}

	for i := len(cycles) - 1; i >= 0; i-- {
		seg, err := t.q.acquireSegment(cycles[i], false)
		if isAbsent(err) {
			continue
		}

		if err != nil {
			return err
		}

		pos, seq := seg.First(), uint64(0)

		err = seg.Records(func(s uint64, f segment.Frame) bool {
			pos, seq = f.Next, s+1

			return true
		})
		if err != nil {
			t.q.releaseSegment(cycles[i])

			return err
		}

		t.setSegment(seg, cycles[i])
		t.pos, t.seq = pos, seq

		return nil
	}

	// Nothing readable yet: start from the beginning once data arrives.
	t.release()

	return nil
}

// Index returns the index of the record the next read would return, and
// whether the tailer is positioned on a cycle.
func (t *Tailer) Index() (uint64, bool) {
	if t.seg == nil {
		return 0, false
	}

	return t.q.rc.ToIndex(t.cycle, t.seq), true
}

// Cycle returns the cycle the tailer is positioned on.
func (t *Tailer) Cycle() (int64, bool) {
	return t.cycle, t.seg != nil
}

// Close releases the tailer's segment. Close is idempotent.
func (t *Tailer) Close() error {
	if t.closed {
		return nil
	}

	t.rollbackOpen()
	t.release()
	t.closed = true

	return nil
}

// locate positions a tailer that has no segment on the first readable
// cycle. It reports false if there is none yet.
func (t *Tailer) locate() (bool, error) {
	cycles, err := t.q.listCycles(false)
	if err != nil {
		return false, err
	}

	for _, cycle := range cycles {
		ok, err := t.openCycle(cycle)
		if err != nil || ok {
			return ok, err
		}
	}

	return false, nil
}

// advance moves to the first readable cycle after the current one. Absent
// and empty cycles in between are skipped. Without one the tailer stays
// where it is and advance reports false.
func (t *Tailer) advance() (bool, error) {
	cycles, err := t.q.listCycles(false)
	if err != nil {
		return false, err
	}

	for _, cycle := range cycles {
		if cycle <= t.cycle {
			continue
		}

		ok, err := t.openCycle(cycle)
		if err != nil || ok {
			return ok, err
		}
	}

	return false, nil
}

// openCycle positions the tailer at the start of cycle. It reports false if
// the cycle has no readable segment.
func (t *Tailer) openCycle(cycle int64) (bool, error) {
	seg, err := t.q.acquireSegment(cycle, false)
	if isAbsent(err) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	t.setSegment(seg, cycle)
	t.pos, t.seq = seg.First(), 0

	return true, nil
}

func (t *Tailer) setSegment(seg *segment.Segment, cycle int64) {
	t.release()
	t.seg, t.cycle = seg, cycle
}

func (t *Tailer) release() {
	if t.seg == nil {
		return
	}

	t.q.releaseSegment(t.cycle)
	t.seg = nil
}

func (t *Tailer) rollbackOpen() {
	if t.tx != nil {
		t.tx.Rollback()
	}
}

// ReadTx is a read transaction. A transaction that is not present carries
// no record; closing it is a no-op.
type ReadTx struct {
	t       *Tailer
	present bool
	payload []byte
	index   uint64
	cycle   int64
	next    int64
	done    bool
}

// IsPresent reports whether the transaction carries a record.
func (tx *ReadTx) IsPresent() bool { return tx.present }

// Bytes returns the stored payload. It stays valid after Close.
func (tx *ReadTx) Bytes() []byte { return tx.payload }

// Index returns the record's index.
func (tx *ReadTx) Index() uint64 { return tx.index }

// Cycle returns the record's cycle.
func (tx *ReadTx) Cycle() int64 { return tx.cycle }

// Close consumes the record: the tailer moves past it.
func (tx *ReadTx) Close() error {
	if !tx.present || tx.done {
		return nil
	}

	tx.done = true

	t := tx.t
	t.tx = nil
	t.pos = tx.next
	t.seq++

	if t.q.metrics != nil {
		t.q.metrics.Read(tx.cycle)
	}

	return nil
}

// Rollback leaves the tailer in front of the record, so the next read
// returns it again.
func (tx *ReadTx) Rollback() {
	if !tx.present || tx.done {
		return
	}

	tx.done = true
	tx.t.tx = nil
}
