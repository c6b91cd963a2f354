package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/mmap"
)

// Info describes a segment file as found on disk.
type Info struct {
	Path          string
	Size          int64
	Empty         bool // zero-length or unpublished header
	Cycle         int64
	CreatedAt     time.Time
	WritePosition int64
	Count         uint64
	Sealed        bool
	Records       []RecordInfo

	// Tail is the kind of the first non-record frame.
	Tail FrameKind

	// TailPID is the writer of an incomplete tail frame.
	TailPID int
}

// RecordInfo describes one committed record.
type RecordInfo struct {
	Seq uint64
	Pos int64
	Len int
	PID int
}

// Inspect reads a segment file read-only without taking any lock. It is
// meant for diagnostics; a concurrently written file may be observed
// mid-update.
//
// Possible errors:
//   - [ErrCorrupt]: published header invalid, or a record extends past EOF
//   - syscall errors: open, mmap
func Inspect(path string) (Info, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = r.Close() }()

	info := Info{Path: path, Size: int64(r.Len())}

	if r.Len() < HeaderSize {
		info.Empty = true

		return info, nil
	}

	hdr := make([]byte, HeaderSize)

	_, err = r.ReadAt(hdr, 0)
	if err != nil {
		return Info{}, fmt.Errorf("read header: %w", err)
	}

	h, err := decodeHeader(hdr)
	if err != nil {
		if errors.Is(err, ErrEmpty) {
			info.Empty = true

			return info, nil
		}

		return Info{}, err
	}

	info.Cycle = h.Cycle
	info.CreatedAt = time.Unix(0, h.CreatedAt)
	info.WritePosition = int64(binary.LittleEndian.Uint64(hdr[offWritePos:]))
	info.Count = binary.LittleEndian.Uint64(hdr[offCount:])

	var fh [frameHeaderSize]byte

	pos := int64(HeaderSize)

	for seq := uint64(0); ; seq++ {
		if pos+frameHeaderSize > info.Size {
			info.Tail = FrameNone

			return info, nil
		}

		_, err = r.ReadAt(fh[:], pos)
		if err != nil {
			return Info{}, fmt.Errorf("read frame at %d: %w", pos, err)
		}

		word := binary.LittleEndian.Uint32(fh[0:])
		kind := classify(word)

		if kind != FrameRecord {
			info.Tail = kind
			info.Sealed = kind == FrameEOF

			if kind == FrameIncomplete {
				info.TailPID = int(binary.LittleEndian.Uint32(fh[4:]))
			}

			return info, nil
		}

		n := int(word & wordLenMask)
		if pos+frameHeaderSize+int64(n) > info.Size {
			return Info{}, fmt.Errorf("record at %d with length %d extends past end of file: %w", pos, n, ErrCorrupt)
		}

		info.Records = append(info.Records, RecordInfo{
			Seq: seq,
			Pos: pos,
			Len: n,
			PID: int(binary.LittleEndian.Uint32(fh[4:])),
		})

		pos += frameSize(n)
	}
}
