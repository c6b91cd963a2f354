package tablestore

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Slot is a named 64-bit value in a [Store].
//
// All operations are single atomic instructions on the shared mapping and
// are immediately visible to every process that maps the same file.
type Slot struct {
	name  string
	value []byte // 8 bytes, aliases the mapping
}

// Name returns the slot name.
func (sl *Slot) Name() string { return sl.name }

// Load atomically reads the value.
func (sl *Slot) Load() uint64 { return atomicLoadUint64(sl.value) }

// Store atomically writes the value.
func (sl *Slot) Store(val uint64) { atomicStoreUint64(sl.value, val) }

// CompareAndSwap atomically replaces old with val, reporting whether it did.
func (sl *Slot) CompareAndSwap(old, val uint64) bool {
	return atomicCASUint64(sl.value, old, val)
}

// Swap atomically stores val and returns the previous value.
func (sl *Slot) Swap(val uint64) uint64 { return atomicSwapUint64(sl.value, val) }

// SlotInfo is a point-in-time view of one allocated slot.
type SlotInfo struct {
	Name  string
	Value uint64
}

// AcquireSlot returns the slot named name, allocating it (with value 0) if
// it does not exist yet.
//
// Lookups are lock-free. Allocation takes the creation lock so two processes
// racing to allocate the same name end up sharing one slot.
//
// Possible errors:
//   - [ErrInvalidInput]: empty name, longer than [MaxNameLen], or containing NUL
//   - [ErrFull]: every slot is allocated
//   - [ErrClosed]: the store is closed
//   - [fs.ErrWouldBlock]: allocation lock not acquired within LockTimeout
func (s *Store) AcquireSlot(name string) (*Slot, error) {
	err := validateName(name)
	if err != nil {
		return nil, err
	}

	err = s.checkOpen()
	if err != nil {
		return nil, err
	}

	if sl, _ := s.findSlot(name); sl != nil {
		return sl, nil
	}

	lk, err := s.locker.LockWithTimeout(s.path+".lock", s.lockTO)
	if err != nil {
		return nil, fmt.Errorf("acquire allocation lock: %w", err)
	}
	defer func() { _ = lk.Close() }()

	// Re-scan: another process may have allocated it while we waited.
	sl, free := s.findSlot(name)
	if sl != nil {
		return sl, nil
	}

	if free < 0 {
		return nil, fmt.Errorf("no free slot for %q (capacity %d): %w", name, s.header.SlotCapacity, ErrFull)
	}

	raw := s.slotBytes(free)

	binary.LittleEndian.PutUint32(raw[slotOffNameLen:], uint32(len(name)))
	copy(raw[slotOffName:slotOffName+MaxNameLen], name)
	atomicStoreUint64(raw[slotOffValue:], 0)

	// Publish last: readers only trust name bytes of used slots.
	atomicStoreUint32(raw[slotOffState:], slotUsed)

	return s.newSlot(name, free), nil
}

// Slots lists every allocated slot in allocation order.
//
// Possible errors: [ErrClosed].
func (s *Store) Slots() ([]SlotInfo, error) {
	err := s.checkOpen()
	if err != nil {
		return nil, err
	}

	var out []SlotInfo

	for i := range int(s.header.SlotCapacity) {
		raw := s.slotBytes(i)
		if atomicLoadUint32(raw[slotOffState:]) != slotUsed {
			break
		}

		out = append(out, SlotInfo{
			Name:  slotName(raw),
			Value: atomicLoadUint64(raw[slotOffValue:]),
		})
	}

	return out, nil
}

// findSlot scans allocated slots for name. It returns the slot if found,
// otherwise the index of the first free slot (-1 if the table is full).
//
// Slots are allocated strictly in order, so the first free slot ends the
// scan.
func (s *Store) findSlot(name string) (*Slot, int) {
	want := []byte(name)

	for i := range int(s.header.SlotCapacity) {
		raw := s.slotBytes(i)
		if atomicLoadUint32(raw[slotOffState:]) != slotUsed {
			return nil, i
		}

		n := binary.LittleEndian.Uint32(raw[slotOffNameLen:])
		if int(n) == len(want) && bytes.Equal(raw[slotOffName:slotOffName+int(n)], want) {
			return s.newSlot(name, i), -1
		}
	}

	return nil, -1
}

func (s *Store) newSlot(name string, index int) *Slot {
	raw := s.slotBytes(index)

	return &Slot{
		name:  name,
		value: raw[slotOffValue : slotOffValue+8],
	}
}

func (s *Store) slotBytes(index int) []byte {
	off := headerSize + index*slotSize

	return s.m.data[off : off+slotSize]
}

func slotName(raw []byte) string {
	n := min(int(binary.LittleEndian.Uint32(raw[slotOffNameLen:])), MaxNameLen)

	return string(raw[slotOffName : slotOffName+n])
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("slot name is empty: %w", ErrInvalidInput)
	}

	if len(name) > MaxNameLen {
		return fmt.Errorf("slot name %q is %d bytes, max %d: %w", name, len(name), MaxNameLen, ErrInvalidInput)
	}

	if bytes.IndexByte([]byte(name), 0) >= 0 {
		return fmt.Errorf("slot name %q contains NUL: %w", name, ErrInvalidInput)
	}

	return nil
}
