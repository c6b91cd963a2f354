package tablestore_test

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/rollq/pkg/tablestore"
)

func openStore(t *testing.T, opts tablestore.Options) *tablestore.Store {
	t.Helper()

	s, err := tablestore.Open(opts)
	require.NoError(t, err, "Open(%q)", opts.Path)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func Test_Open_Creates_Store_With_Metadata_When_File_Is_Missing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metadata.rqt")

	s := openStore(t, tablestore.Options{Path: path, Metadata: []byte("roll_cycle=TEN_MINUTELY")})

	assert.Equal(t, []byte("roll_cycle=TEN_MINUTELY"), s.Metadata())
	assert.NotEqual(t, uuid.Nil, s.ID())
	assert.Equal(t, tablestore.DefaultSlotCapacity, s.SlotCapacity())
	assert.WithinDuration(t, time.Now(), s.CreatedAt(), time.Minute)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, 256+tablestore.DefaultSlotCapacity*64, info.Size())
}

func Test_Open_Keeps_Stored_Metadata_When_File_Exists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metadata.rqt")

	first := openStore(t, tablestore.Options{Path: path, Metadata: []byte("first")})
	second := openStore(t, tablestore.Options{Path: path, Metadata: []byte("second")})

	assert.Equal(t, []byte("first"), second.Metadata())
	assert.Equal(t, first.ID(), second.ID())
}

func Test_Open_Initializes_File_When_It_Is_Zero_Length(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metadata.rqt")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	s := openStore(t, tablestore.Options{Path: path, SlotCapacity: 4})

	assert.Equal(t, 4, s.SlotCapacity())
}

func Test_Open_Returns_ErrInvalidInput_When_Options_Are_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	tests := []struct {
		name string
		opts tablestore.Options
	}{
		{name: "empty path", opts: tablestore.Options{}},
		{name: "metadata too large", opts: tablestore.Options{Path: filepath.Join(dir, "a"), Metadata: make([]byte, tablestore.MaxMetadataLen+1)}},
		{name: "negative capacity", opts: tablestore.Options{Path: filepath.Join(dir, "b"), SlotCapacity: -1}},
		{name: "capacity too large", opts: tablestore.Options{Path: filepath.Join(dir, "c"), SlotCapacity: tablestore.MaxSlotCapacity + 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := tablestore.Open(tt.opts)
			require.ErrorIs(t, err, tablestore.ErrInvalidInput)
		})
	}
}

func Test_Open_Returns_ErrCorrupt_When_Header_Is_Damaged(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(buf []byte) []byte
		want   error
	}{
		{
			name:   "bad magic",
			mutate: func(buf []byte) []byte { buf[0] = 'X'; return buf },
			want:   tablestore.ErrCorrupt,
		},
		{
			name:   "metadata flipped",
			mutate: func(buf []byte) []byte { buf[0x40] ^= 0xFF; return buf },
			want:   tablestore.ErrCorrupt,
		},
		{
			name:   "missing init marker",
			mutate: func(buf []byte) []byte { clear(buf[0x30:0x38]); return buf },
			want:   tablestore.ErrCorrupt,
		},
		{
			name:   "truncated header",
			mutate: func(buf []byte) []byte { return buf[:100] },
			want:   tablestore.ErrCorrupt,
		},
		{
			name:   "truncated slots",
			mutate: func(buf []byte) []byte { return buf[:300] },
			want:   tablestore.ErrCorrupt,
		},
		{
			name: "future version",
			mutate: func(buf []byte) []byte {
				binary.LittleEndian.PutUint32(buf[0x04:], 99)
				return buf
			},
			want: tablestore.ErrIncompatible,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "metadata.rqt")

			s, err := tablestore.Open(tablestore.Options{Path: path, Metadata: []byte("seed"), SlotCapacity: 8})
			require.NoError(t, err)
			require.NoError(t, s.Close())

			buf, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, tt.mutate(buf), 0o644))

			_, err = tablestore.Open(tablestore.Options{Path: path})
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func Test_AcquireSlot_Returns_Same_Slot_When_Name_Is_Reused_Across_Handles(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metadata.rqt")

	a := openStore(t, tablestore.Options{Path: path})
	b := openStore(t, tablestore.Options{Path: path})

	slotA, err := a.AcquireSlot("write.lock")
	require.NoError(t, err)
	assert.Equal(t, "write.lock", slotA.Name())
	assert.Zero(t, slotA.Load())

	slotA.Store(42)

	slotB, err := b.AcquireSlot("write.lock")
	require.NoError(t, err)
	assert.EqualValues(t, 42, slotB.Load())

	assert.True(t, slotB.CompareAndSwap(42, 7))
	assert.False(t, slotA.CompareAndSwap(42, 8))
	assert.EqualValues(t, 7, slotA.Swap(9))
	assert.EqualValues(t, 9, slotB.Load())

	other, err := a.AcquireSlot("cycle.last")
	require.NoError(t, err)
	assert.Zero(t, other.Load())

	infos, err := b.Slots()
	require.NoError(t, err)
	assert.Equal(t, []tablestore.SlotInfo{
		{Name: "write.lock", Value: 9},
		{Name: "cycle.last", Value: 0},
	}, infos)
}

func Test_AcquireSlot_Returns_ErrFull_When_All_Slots_Are_Allocated(t *testing.T) {
	t.Parallel()

	s := openStore(t, tablestore.Options{Path: filepath.Join(t.TempDir(), "metadata.rqt"), SlotCapacity: 2})

	_, err := s.AcquireSlot("a")
	require.NoError(t, err)

	_, err = s.AcquireSlot("b")
	require.NoError(t, err)

	_, err = s.AcquireSlot("c")
	require.ErrorIs(t, err, tablestore.ErrFull)

	// Existing names still resolve.
	_, err = s.AcquireSlot("a")
	require.NoError(t, err)
}

func Test_AcquireSlot_Returns_ErrInvalidInput_When_Name_Is_Invalid(t *testing.T) {
	t.Parallel()

	s := openStore(t, tablestore.Options{Path: filepath.Join(t.TempDir(), "metadata.rqt")})

	for _, name := range []string{"", "a\x00b", string(make([]byte, tablestore.MaxNameLen+1))} {
		_, err := s.AcquireSlot(name)
		require.ErrorIs(t, err, tablestore.ErrInvalidInput, "name %q", name)
	}
}

func Test_AcquireSlot_Returns_ErrClosed_When_Store_Is_Closed(t *testing.T) {
	t.Parallel()

	s, err := tablestore.Open(tablestore.Options{Path: filepath.Join(t.TempDir(), "metadata.rqt")})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close must be idempotent")

	_, err = s.AcquireSlot("x")
	require.ErrorIs(t, err, tablestore.ErrClosed)

	require.ErrorIs(t, s.Sync(), tablestore.ErrClosed)
}

func Test_Open_Converges_On_One_Store_When_Creators_Race(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metadata.rqt")

	const racers = 8

	ids := make([]uuid.UUID, racers)
	errs := make([]error, racers)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)

	for i := range racers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			<-start

			s, err := tablestore.Open(tablestore.Options{Path: path, Metadata: []byte(strconv.Itoa(i))})
			if err != nil {
				errs[i] = err

				return
			}
			defer func() { _ = s.Close() }()

			ids[i] = s.ID()
		}()
	}

	close(start)
	wg.Wait()

	for i := range racers {
		require.NoError(t, errs[i], "racer %d", i)
		assert.Equal(t, ids[0], ids[i], "racer %d saw a different store", i)
	}
}

func Test_Slot_CompareAndSwap_Is_Atomic_When_Many_Handles_Contend(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metadata.rqt")

	const (
		workers    = 8
		increments = 500
	)

	var wg sync.WaitGroup

	for range workers {
		s := openStore(t, tablestore.Options{Path: path})

		slot, err := s.AcquireSlot("counter")
		require.NoError(t, err)

		wg.Add(1)

		go func() {
			defer wg.Done()

			for range increments {
				for {
					old := slot.Load()
					if slot.CompareAndSwap(old, old+1) {
						break
					}
				}
			}
		}()
	}

	wg.Wait()

	s := openStore(t, tablestore.Options{Path: path})

	slot, err := s.AcquireSlot("counter")
	require.NoError(t, err)
	assert.EqualValues(t, workers*increments, slot.Load())
}

func Test_Registry_Unmaps_When_Last_Handle_Closes(t *testing.T) {
	// Not parallel: counts process-wide mappings.
	before := tablestore.OpenMappingsForTesting()

	path := filepath.Join(t.TempDir(), "metadata.rqt")

	a, err := tablestore.Open(tablestore.Options{Path: path})
	require.NoError(t, err)

	b, err := tablestore.Open(tablestore.Options{Path: path})
	require.NoError(t, err)

	assert.Equal(t, before+1, tablestore.OpenMappingsForTesting(), "handles on one file share a mapping")

	require.NoError(t, a.Close())
	assert.Equal(t, before+1, tablestore.OpenMappingsForTesting())

	require.NoError(t, b.Close())
	assert.Equal(t, before, tablestore.OpenMappingsForTesting())
}

const helperEnv = "ROLLQ_TABLESTORE_HELPER"

func Test_Slot_Is_Visible_Across_Processes_When_Child_Stores_Value(t *testing.T) {
	if os.Getenv(helperEnv) == "1" {
		runStoreHelper()

		return
	}

	t.Parallel()

	path := filepath.Join(t.TempDir(), "metadata.rqt")

	s := openStore(t, tablestore.Options{Path: path})

	slot, err := s.AcquireSlot("shared")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, os.Args[0],
		"-test.run=^Test_Slot_Is_Visible_Across_Processes_When_Child_Stores_Value$")
	cmd.Env = append(os.Environ(), helperEnv+"=1", "ROLLQ_TABLESTORE_PATH="+path)
	cmd.Stderr = os.Stderr

	require.NoError(t, cmd.Run())

	assert.EqualValues(t, 0xC0FFEE, slot.Load())

	other, err := s.AcquireSlot("child.only")
	require.NoError(t, err)
	assert.EqualValues(t, 1, other.Load())
}

func runStoreHelper() {
	s, err := tablestore.Open(tablestore.Options{Path: os.Getenv("ROLLQ_TABLESTORE_PATH")})
	if err != nil {
		os.Exit(2)
	}

	slot, err := s.AcquireSlot("shared")
	if err != nil {
		os.Exit(3)
	}

	slot.Store(0xC0FFEE)

	extra, err := s.AcquireSlot("child.only")
	if err != nil {
		os.Exit(4)
	}

	extra.Store(1)

	if err := s.Close(); err != nil && !errors.Is(err, tablestore.ErrClosed) {
		os.Exit(5)
	}
}
