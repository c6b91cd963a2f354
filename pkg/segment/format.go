package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync/atomic"
	"unsafe"
)

// RQS1 segment layout.
//
//	offset  size  field
//	0x00    4     magic "RQS1" (published last)
//	0x04    4     version
//	0x08    8     cycle
//	0x10    8     created_at (unix nanos)
//	0x18    4     crc32c of [0x04,0x18)
//	0x1C    4     reserved
//	0x20    8     write position (atomic, absolute offset)
//	0x28    8     record count (atomic)
//	0x30    80    reserved
//	0x80          first frame
//
// Frames are 8-byte aligned:
//
//	+0  4  header word (atomic)
//	+4  4  writer pid
//	+8  n  payload, zero padded to 8
//
// A header word of 0 means nothing was written. Otherwise bit 31 marks an
// incomplete frame, bit 30 the end-of-cycle marker and bit 29 a committed
// record, so an empty record is never 0. The low 29 bits hold the length.
const (
	formatVersion = 2

	// HeaderSize is the size of the segment header; the first frame starts
	// here.
	HeaderSize = 128

	frameHeaderSize = 8

	offMagic     = 0x00
	offVersion   = 0x04
	offCycle     = 0x08
	offCreatedAt = 0x10
	offCRC       = 0x18
	offWritePos  = 0x20
	offCount     = 0x28
)

// Header word bits.
const (
	wordIncomplete uint32 = 1 << 31
	wordEOF        uint32 = 1 << 30
	wordCommitted  uint32 = 1 << 29
	wordLenMask    uint32 = wordCommitted - 1

	// MaxPayload is the largest record payload.
	MaxPayload = int(wordLenMask)
)

var (
	magicWord = binary.LittleEndian.Uint32([]byte("RQS1"))
	crcTable  = crc32.MakeTable(crc32.Castagnoli)
)

// FrameKind classifies what a reader finds at a position.
type FrameKind int

const (
	// FrameNone means nothing has been written at the position yet.
	FrameNone FrameKind = iota

	// FrameIncomplete means a writer has reserved the frame but not
	// committed it. Readers must not read past it.
	FrameIncomplete

	// FrameRecord is a committed record.
	FrameRecord

	// FrameEOF marks the end of a sealed segment.
	FrameEOF
)

func (k FrameKind) String() string {
	switch k {
	case FrameNone:
		return "none"
	case FrameIncomplete:
		return "incomplete"
	case FrameRecord:
		return "record"
	case FrameEOF:
		return "eof"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

func classify(word uint32) FrameKind {
	switch {
	case word == 0:
		return FrameNone
	case word&wordIncomplete != 0:
		return FrameIncomplete
	case word&wordEOF != 0:
		return FrameEOF
	case word&wordCommitted != 0:
		return FrameRecord
	default:
		// Not a word a writer produces; readers stop and recovery
		// clears it like an interrupted frame.
		return FrameIncomplete
	}
}

// frameSize returns the aligned size of a frame carrying n payload bytes.
func frameSize(n int) int64 {
	return int64(frameHeaderSize+n+7) &^ 7
}

type header struct {
	Version   uint32
	Cycle     int64
	CreatedAt int64
}

func encodeStatic(buf []byte, h header) {
	binary.LittleEndian.PutUint32(buf[offVersion:], formatVersion)
	binary.LittleEndian.PutUint64(buf[offCycle:], uint64(h.Cycle))
	binary.LittleEndian.PutUint64(buf[offCreatedAt:], uint64(h.CreatedAt))
	binary.LittleEndian.PutUint32(buf[offCRC:], crc32.Checksum(buf[offVersion:offCRC], crcTable))
}

// decodeHeader validates a published header.
//
// Possible errors:
//   - [ErrEmpty]: magic not yet published
//   - [ErrCorrupt]: wrong magic, version or CRC
func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, ErrEmpty
	}

	m := atomicLoadUint32(buf[offMagic:])
	if m == 0 {
		return header{}, ErrEmpty
	}

	if m != magicWord {
		return header{}, fmt.Errorf("invalid magic 0x%08x: %w", m, ErrCorrupt)
	}

	version := binary.LittleEndian.Uint32(buf[offVersion:])
	if version != formatVersion {
		return header{}, fmt.Errorf("unsupported version %d, expected %d: %w", version, formatVersion, ErrCorrupt)
	}

	want := binary.LittleEndian.Uint32(buf[offCRC:])
	if got := crc32.Checksum(buf[offVersion:offCRC], crcTable); got != want {
		return header{}, fmt.Errorf("header CRC mismatch (got 0x%08x, want 0x%08x): %w", got, want, ErrCorrupt)
	}

	return header{
		Version:   version,
		Cycle:     int64(binary.LittleEndian.Uint64(buf[offCycle:])),
		CreatedAt: int64(binary.LittleEndian.Uint64(buf[offCreatedAt:])),
	}, nil
}

// The mapping is page aligned and every atomic field sits at a multiple of
// its size, so the pointer casts below are aligned.

func atomicLoadUint32(buf []byte) uint32 {
	_ = buf[3]

	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&buf[0])))
}

func atomicStoreUint32(buf []byte, val uint32) {
	_ = buf[3]

	atomic.StoreUint32((*uint32)(unsafe.Pointer(&buf[0])), val)
}

func atomicLoadUint64(buf []byte) uint64 {
	_ = buf[7]

	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[0])))
}

func atomicStoreUint64(buf []byte, val uint64) {
	_ = buf[7]

	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[0])), val)
}
