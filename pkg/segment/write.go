package segment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/calvinalkan/rollq/internal/fs"
)

// Pending is a reserved, not yet committed frame.
//
// The frame header is written as "incomplete" when the frame is reserved,
// so readers stop in front of it until [Pending.Commit] patches the header
// with the final length.
type Pending struct {
	seg  *Segment
	pos  int64
	n    int
	done bool
}

// Begin reserves a frame at the write position for the writer process pid.
//
// Before reserving, the tail is recovered: a committed frame found past the
// write position is adopted, and an interrupted frame of a dead writer is
// cleared.
//
// Possible errors:
//   - [ErrSealed]: the segment has an end-of-cycle marker
//   - [ErrRecoveryLocked]: an interrupted frame belongs to a live writer,
//     or another process holds the segment's file lock during repair
//   - [ErrClosed], [ErrCorrupt], syscall errors (truncate, mmap)
func (s *Segment) Begin(pid int) (*Pending, error) {
	err := s.checkOpen()
	if err != nil {
		return nil, err
	}

	_, err = s.recoverTail()
	if err != nil {
		return nil, err
	}

	pos := s.WritePosition()

	data, err := s.grow(pos + frameHeaderSize)
	if err != nil {
		return nil, err
	}

	binary.LittleEndian.PutUint32(data[pos+4:], uint32(pid))
	atomicStoreUint32(data[pos:], wordIncomplete)

	return &Pending{seg: s, pos: pos}, nil
}

// Position returns the frame offset.
func (p *Pending) Position() int64 { return p.pos }

// Len returns the number of payload bytes written so far.
func (p *Pending) Len() int { return p.n }

// Write appends payload bytes, growing the file as needed.
//
// Possible errors: [ErrTxDone], [ErrTooLarge], syscall errors.
func (p *Pending) Write(b []byte) (int, error) {
	if p.done {
		return 0, ErrTxDone
	}

	if p.n+len(b) > MaxPayload {
		return 0, fmt.Errorf("payload of %d bytes exceeds %d: %w", p.n+len(b), MaxPayload, ErrTooLarge)
	}

	start := p.pos + frameHeaderSize + int64(p.n)

	data, err := p.seg.grow(start + int64(len(b)))
	if err != nil {
		return 0, err
	}

	copy(data[start:], b)
	p.n += len(b)

	// The length of an incomplete frame tracks what has been written.
	atomicStoreUint32(data[p.pos:], wordIncomplete|uint32(p.n))

	return len(b), nil
}

// Commit publishes the frame and returns its in-cycle sequence number.
//
// The header word is patched last; a reader that observes the frame as
// complete observes its whole payload.
//
// Possible errors: [ErrTxDone], syscall errors.
func (p *Pending) Commit() (uint64, error) {
	if p.done {
		return 0, ErrTxDone
	}

	p.done = true

	next := p.pos + frameSize(p.n)

	data, err := p.seg.grow(next)
	if err != nil {
		p.clear()

		return 0, err
	}

	seq := atomicLoadUint64(data[offCount:])

	atomicStoreUint32(data[p.pos:], wordCommitted|uint32(p.n))
	atomicStoreUint64(data[offCount:], seq+1)
	atomicStoreUint64(data[offWritePos:], uint64(next))

	return seq, nil
}

// Abort discards the frame. It is a no-op after Commit or Abort.
func (p *Pending) Abort() {
	if p.done {
		return
	}

	p.done = true
	p.clear()
}

func (p *Pending) clear() {
	data := p.seg.view()

	clear(data[p.pos+frameHeaderSize : p.pos+frameHeaderSize+int64(p.n)])
	binary.LittleEndian.PutUint32(data[p.pos+4:], 0)
	atomicStoreUint32(data[p.pos:], 0)
}

// Seal writes the end-of-cycle marker at the write position. Sealing a
// sealed segment is a no-op.
//
// Possible errors: [ErrRecoveryLocked], [ErrClosed], syscall errors.
func (s *Segment) Seal() error {
	err := s.checkOpen()
	if err != nil {
		return err
	}

	_, err = s.recoverTail()
	if errors.Is(err, ErrSealed) {
		return nil
	}

	if err != nil {
		return err
	}

	pos := s.WritePosition()

	data, err := s.grow(pos + frameHeaderSize)
	if err != nil {
		return err
	}

	atomicStoreUint32(data[pos:], wordEOF)

	return nil
}

// Recover repairs the tail of the segment without appending. It reports
// whether anything was repaired.
//
// Possible errors: [ErrRecoveryLocked], [ErrCorrupt], [ErrClosed].
func (s *Segment) Recover() (bool, error) {
	err := s.checkOpen()
	if err != nil {
		return false, err
	}

	repaired, err := s.recoverTail()
	if errors.Is(err, ErrSealed) {
		return repaired, nil
	}

	return repaired, err
}

// recoverTail leaves the write position pointing at an empty frame.
//
// Returns [ErrSealed] if it points at the end-of-cycle marker.
func (s *Segment) recoverTail() (bool, error) {
	repaired := false

	for {
		pos := s.WritePosition()

		data, err := s.grow(pos + frameHeaderSize)
		if err != nil {
			return repaired, err
		}

		word := atomicLoadUint32(data[pos:])

		switch classify(word) {
		case FrameNone:
			return repaired, nil

		case FrameEOF:
			return repaired, ErrSealed

		case FrameRecord:
			next := pos + frameSize(int(word&wordLenMask))
			if _, ok := s.viewAt(next); !ok {
				return repaired, fmt.Errorf("record at %d extends past end of file: %w", pos, ErrCorrupt)
			}

			count := atomicLoadUint64(data[offCount:])
			atomicStoreUint64(data[offCount:], count+1)
			atomicStoreUint64(data[offWritePos:], uint64(next))

			s.log.Warn("Adopted committed record past write position", zap.Int64("pos", pos))
			s.recovered(RecoveryAdopted)

			repaired = true

		case FrameIncomplete:
			pid := int(binary.LittleEndian.Uint32(data[pos+4:]))
			if s.liveness.Alive(pid) {
				return repaired, fmt.Errorf("frame at %d is being written by live pid %d: %w", pos, pid, ErrRecoveryLocked)
			}

			err := s.clearInterrupted(pos, word)
			if err != nil {
				return repaired, err
			}

			s.log.Warn("Cleared interrupted write of a dead process",
				zap.Int64("pos", pos),
				zap.Int("writer_pid", pid))
			s.recovered(RecoveryCleared)

			repaired = true
		}
	}
}

// clearInterrupted zeroes everything from pos to the end of the file under
// the segment's file lock. Bytes past the write position are never part of a
// committed frame, and a crashed writer may have copied more payload than its
// header records.
func (s *Segment) clearInterrupted(pos int64, word uint32) error {
	lk, err := s.locker.TryLock(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return fmt.Errorf("repair %s: %w", s.path, ErrRecoveryLocked)
		}

		return fmt.Errorf("lock segment: %w", err)
	}
	defer func() { _ = lk.Close() }()

	size, err := s.fileSize()
	if err != nil {
		return err
	}

	data, ok := s.viewAt(size)
	if !ok {
		return fmt.Errorf("segment shrank below %d bytes: %w", size, ErrCorrupt)
	}

	if atomicLoadUint32(data[pos:]) != word {
		// Someone else repaired or rewrote it meanwhile.
		return nil
	}

	clear(data[pos+4 : size])
	atomicStoreUint32(data[pos:], 0)

	return nil
}

func (s *Segment) recovered(kind string) {
	if s.onRecover != nil {
		s.onRecover(kind)
	}
}
