package tablestore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
)

// RQTS file format constants.
const (
	formatVersion = 1

	headerSize = 256
	slotSize   = 64

	// MaxNameLen is the longest slot name in bytes.
	MaxNameLen = 48

	// MaxMetadataLen is the largest metadata seed in bytes.
	MaxMetadataLen = 128

	// DefaultSlotCapacity is used when [Options.SlotCapacity] is zero.
	DefaultSlotCapacity = 128

	// MaxSlotCapacity bounds the slot table.
	MaxSlotCapacity = 4096

	// initMarker is stored last at creation. A file without it was never
	// completely written.
	initMarker uint64 = 0x5251_5453_5245_4459 // "RQTSREDY"
)

var magic = [4]byte{'R', 'Q', 'T', 'S'}

// Header field offsets (bytes from file start).
const (
	offMagic        = 0x00 // [4]byte
	offVersion      = 0x04 // uint32
	offHeaderSize   = 0x08 // uint32
	offSlotCapacity = 0x0C // uint32
	offCreatedAt    = 0x10 // int64 unix nanos
	offStoreID      = 0x18 // [16]byte uuid
	offMetadataLen  = 0x28 // uint32
	offHeaderCRC    = 0x2C // uint32 (crc32c of [0x00,0x2C) + metadata area)
	offInitMarker   = 0x30 // uint64 (atomic)
	offMetadata     = 0x40 // [128]byte
	offReserved     = 0xC0 // reserved through 0xFF, must be zero
)

// Slot field offsets (bytes from slot start).
const (
	slotOffState   = 0  // uint32 (atomic)
	slotOffNameLen = 4  // uint32
	slotOffName    = 8  // [48]byte
	slotOffValue   = 56 // uint64 (atomic)
)

// Slot states.
const (
	slotFree uint32 = 0
	slotUsed uint32 = 1
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// header is the decoded static header.
type header struct {
	Version      uint32
	SlotCapacity uint32
	CreatedAt    int64
	StoreID      uuid.UUID
	Metadata     []byte
}

// fileSize returns the size of a store with the given slot capacity.
func fileSize(slotCapacity uint32) int {
	return headerSize + int(slotCapacity)*slotSize
}

// encodeFile builds the complete initial file image: header, init marker and
// zeroed slots.
func encodeFile(h header) []byte {
	buf := make([]byte, fileSize(h.SlotCapacity))

	copy(buf[offMagic:], magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], formatVersion)
	binary.LittleEndian.PutUint32(buf[offHeaderSize:], headerSize)
	binary.LittleEndian.PutUint32(buf[offSlotCapacity:], h.SlotCapacity)
	binary.LittleEndian.PutUint64(buf[offCreatedAt:], uint64(h.CreatedAt))
	copy(buf[offStoreID:], h.StoreID[:])
	binary.LittleEndian.PutUint32(buf[offMetadataLen:], uint32(len(h.Metadata)))
	copy(buf[offMetadata:], h.Metadata)

	binary.LittleEndian.PutUint32(buf[offHeaderCRC:], headerCRC(buf))
	binary.LittleEndian.PutUint64(buf[offInitMarker:], initMarker)

	return buf
}

func headerCRC(buf []byte) uint32 {
	crc := crc32.Update(0, crcTable, buf[:offHeaderCRC])

	return crc32.Update(crc, crcTable, buf[offMetadata:offReserved])
}

// decodeHeader validates and decodes the first headerSize bytes of a file.
//
// Possible errors:
//   - [ErrCorrupt]: bad magic, CRC, init marker, reserved bytes or capacity
//   - [ErrIncompatible]: unknown version or header size
func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, fmt.Errorf("header is %d bytes, want %d: %w", len(buf), headerSize, ErrCorrupt)
	}

	if !bytes.Equal(buf[offMagic:offMagic+4], magic[:]) {
		return header{}, fmt.Errorf("invalid magic %q, expected %q: %w", buf[offMagic:offMagic+4], magic[:], ErrCorrupt)
	}

	version := binary.LittleEndian.Uint32(buf[offVersion:])
	if version != formatVersion {
		return header{}, fmt.Errorf("unsupported version %d, expected %d: %w", version, formatVersion, ErrIncompatible)
	}

	size := binary.LittleEndian.Uint32(buf[offHeaderSize:])
	if size != headerSize {
		return header{}, fmt.Errorf("unsupported header_size %d, expected %d: %w", size, headerSize, ErrIncompatible)
	}

	if binary.LittleEndian.Uint64(buf[offInitMarker:]) != initMarker {
		return header{}, fmt.Errorf("missing init marker: %w", ErrCorrupt)
	}

	want := binary.LittleEndian.Uint32(buf[offHeaderCRC:])
	if got := headerCRC(buf); got != want {
		return header{}, fmt.Errorf("header CRC mismatch (got 0x%08x, want 0x%08x): %w", got, want, ErrCorrupt)
	}

	for _, b := range buf[offReserved:headerSize] {
		if b != 0 {
			return header{}, fmt.Errorf("reserved bytes are non-zero: %w", ErrCorrupt)
		}
	}

	capacity := binary.LittleEndian.Uint32(buf[offSlotCapacity:])
	if capacity == 0 || capacity > MaxSlotCapacity {
		return header{}, fmt.Errorf("slot_capacity %d out of range [1,%d]: %w", capacity, MaxSlotCapacity, ErrCorrupt)
	}

	metaLen := binary.LittleEndian.Uint32(buf[offMetadataLen:])
	if metaLen > MaxMetadataLen {
		return header{}, fmt.Errorf("metadata_len %d exceeds %d: %w", metaLen, MaxMetadataLen, ErrCorrupt)
	}

	var id uuid.UUID
	copy(id[:], buf[offStoreID:offStoreID+16])

	meta := make([]byte, metaLen)
	copy(meta, buf[offMetadata:offMetadata+int(metaLen)])

	return header{
		Version:      version,
		SlotCapacity: capacity,
		CreatedAt:    int64(binary.LittleEndian.Uint64(buf[offCreatedAt:])),
		StoreID:      id,
		Metadata:     meta,
	}, nil
}

// atomicLoadUint64 performs an atomic 64-bit load from an 8-byte-aligned
// position in the mapping.
//
// The mapping is page aligned and every slot value sits at a multiple of 8,
// so &buf[0] is 8-byte aligned. Go's atomics are sequentially consistent,
// which is what gives other processes a coherent view of the slot.
func atomicLoadUint64(buf []byte) uint64 {
	_ = buf[7]

	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[0])))
}

// atomicStoreUint64 performs an atomic 64-bit store. See [atomicLoadUint64].
func atomicStoreUint64(buf []byte, val uint64) {
	_ = buf[7]

	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[0])), val)
}

// atomicCASUint64 performs an atomic compare-and-swap. See [atomicLoadUint64].
func atomicCASUint64(buf []byte, old, val uint64) bool {
	_ = buf[7]

	return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(&buf[0])), old, val)
}

// atomicSwapUint64 performs an atomic swap. See [atomicLoadUint64].
func atomicSwapUint64(buf []byte, val uint64) uint64 {
	_ = buf[7]

	return atomic.SwapUint64((*uint64)(unsafe.Pointer(&buf[0])), val)
}

// atomicLoadUint32 performs an atomic 32-bit load from a 4-byte-aligned position.
func atomicLoadUint32(buf []byte) uint32 {
	_ = buf[3]

	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&buf[0])))
}

// atomicStoreUint32 performs an atomic 32-bit store to a 4-byte-aligned position.
func atomicStoreUint32(buf []byte, val uint32) {
	_ = buf[3]

	atomic.StoreUint32((*uint32)(unsafe.Pointer(&buf[0])), val)
}
