package segment

import (
	"encoding/binary"
	"fmt"
)

// Frame is what a reader found at a position.
type Frame struct {
	Kind FrameKind

	// Pos is the frame's offset.
	Pos int64

	// Next is the offset of the following frame. It equals Pos unless Kind
	// is [FrameRecord].
	Next int64

	// PID is the writer's process id (records and incomplete frames).
	PID int

	// Payload is a copy of the record bytes ([FrameRecord] only).
	Payload []byte
}

// ReadAt reads the frame at pos. It never blocks: a position nobody has
// written yet yields [FrameNone].
//
// Possible errors:
//   - [ErrCorrupt]: pos is misaligned, or a record extends past the file
//   - [ErrClosed]: the segment is closed
func (s *Segment) ReadAt(pos int64) (Frame, error) {
	err := s.checkOpen()
	if err != nil {
		return Frame{}, err
	}

	if pos < HeaderSize || pos%8 != 0 {
		return Frame{}, fmt.Errorf("position %d is not a frame boundary: %w", pos, ErrCorrupt)
	}

	data, ok := s.viewAt(pos + frameHeaderSize)
	if !ok {
		return Frame{Kind: FrameNone, Pos: pos, Next: pos}, nil
	}

	word := atomicLoadUint32(data[pos:])
	f := Frame{Kind: classify(word), Pos: pos, Next: pos}

	if f.Kind == FrameNone || f.Kind == FrameEOF {
		return f, nil
	}

	f.PID = int(binary.LittleEndian.Uint32(data[pos+4:]))

	if f.Kind == FrameIncomplete {
		return f, nil
	}

	n := int64(word & wordLenMask)
	end := pos + frameHeaderSize + n

	data, ok = s.viewAt(end)
	if !ok {
		return Frame{}, fmt.Errorf("record at %d with length %d extends past end of file: %w", pos, n, ErrCorrupt)
	}

	f.Payload = make([]byte, n)
	copy(f.Payload, data[pos+frameHeaderSize:end])
	f.Next = pos + frameSize(int(n))

	return f, nil
}

// First returns the position of the first frame.
func (s *Segment) First() int64 { return HeaderSize }

// Seek returns the position of the record with in-cycle sequence number seq.
// Sequence numbers count committed records from 0.
//
// Possible errors:
//   - [ErrNotFound]: fewer than seq+1 committed records
//   - [ErrCorrupt], [ErrClosed]: see [Segment.ReadAt]
func (s *Segment) Seek(seq uint64) (int64, error) {
	pos := s.First()

	for i := uint64(0); ; i++ {
		f, err := s.ReadAt(pos)
		if err != nil {
			return 0, err
		}

		if f.Kind != FrameRecord {
			return 0, fmt.Errorf("sequence %d (segment has %d records): %w", seq, i, ErrNotFound)
		}

		if i == seq {
			return pos, nil
		}

		pos = f.Next
	}
}

// Records calls fn for each committed record in order, stopping at the
// first non-record frame or when fn returns false.
func (s *Segment) Records(fn func(seq uint64, f Frame) bool) error {
	pos := s.First()

	for seq := uint64(0); ; seq++ {
		f, err := s.ReadAt(pos)
		if err != nil {
			return err
		}

		if f.Kind != FrameRecord || !fn(seq, f) {
			return nil
		}

		pos = f.Next
	}
}
