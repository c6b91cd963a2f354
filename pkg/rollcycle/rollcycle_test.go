package rollcycle_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/rollq/pkg/rollcycle"
)

func Test_FileName_Uses_Policy_Format_When_Called(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 9, 13, 40, 0, 0, time.UTC)

	cases := map[string]struct {
		rc   rollcycle.RollCycle
		want string
	}{
		"minutely":        {rollcycle.Minutely, "20240309-1340.rq4"},
		"five minutely":   {rollcycle.FiveMinutely, "20240309-1340V.rq4"},
		"ten minutely":    {rollcycle.TenMinutely, "20240309-1340X.rq4"},
		"twenty minutely": {rollcycle.TwentyMinutely, "20240309-1340XX.rq4"},
		"half hourly":     {rollcycle.HalfHourly, "20240309-1330H.rq4"},
		"hourly":          {rollcycle.Hourly, "20240309-13.rq4"},
		"two hourly":      {rollcycle.TwoHourly, "20240309-12II.rq4"},
		"four hourly":     {rollcycle.FourHourly, "20240309-12IV.rq4"},
		"six hourly":      {rollcycle.SixHourly, "20240309-12VI.rq4"},
		"daily":           {rollcycle.Daily, "20240309.rq4"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cycle := tc.rc.Current(at)
			assert.Equal(t, tc.want, tc.rc.FileName(cycle))

			got, ok := tc.rc.ParseFileName(tc.want)
			require.True(t, ok)
			assert.Equal(t, cycle, got)
		})
	}
}

func Test_Current_Maps_Epoch_Windows_When_Time_Is_On_Boundary(t *testing.T) {
	t.Parallel()

	rc := rollcycle.TenMinutely
	epoch := time.UnixMilli(0).UTC()

	assert.EqualValues(t, 0, rc.Current(epoch))
	assert.EqualValues(t, 0, rc.Current(epoch.Add(10*time.Minute-time.Millisecond)))
	assert.EqualValues(t, 1, rc.Current(epoch.Add(10*time.Minute)))
	assert.Equal(t, epoch.Add(20*time.Minute), rc.CycleStart(2))
	assert.Equal(t, "19700101-0020X.rq4", rc.FileName(2))
}

func Test_ParseFileName_Rejects_Name_When_It_Belongs_Elsewhere(t *testing.T) {
	t.Parallel()

	rc := rollcycle.TenMinutely

	for _, name := range []string{
		"19700101-0005X.rq4", // not aligned to ten minutes
		"19700101-0010X.txt",
		"19700101-0010X",
		"metadata.rqt",
		"write.lock",
		"",
	} {
		_, ok := rc.ParseFileName(name)
		assert.False(t, ok, "ParseFileName(%q)", name)
	}
}

func Test_ParseFileName_Does_Not_Accept_Other_Policies_Files_When_Listing(t *testing.T) {
	t.Parallel()

	all := rollcycle.All()

	for _, a := range all {
		for _, b := range all {
			if a.Name == b.Name {
				continue
			}

			_, ok := b.ParseFileName(a.FileName(3))
			assert.False(t, ok, "%s parsed a file of %s", b, a)
		}
	}
}

func Test_ToIndex_Round_Trips_When_Sequence_Fits(t *testing.T) {
	t.Parallel()

	for _, rc := range rollcycle.All() {
		for _, cycle := range []int64{0, 1, 19_000, 1 << 20} {
			for _, seq := range []uint64{0, 1, rc.MaxSequence()} {
				idx := rc.ToIndex(cycle, seq)

				assert.Equal(t, uint64(cycle)<<rc.SequenceBits|seq, idx)
				assert.Equal(t, cycle, rc.CycleOf(idx), rc.Name)
				assert.Equal(t, seq, rc.SequenceOf(idx), rc.Name)
			}
		}
	}
}

func Test_ByName_Accepts_Case_And_Dash_Variants_When_Name_Is_Known(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"TEN_MINUTELY", "ten_minutely", "ten-minutely", " Ten-Minutely "} {
		rc, err := rollcycle.ByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, rollcycle.TenMinutely, rc)
	}

	_, err := rollcycle.ByName("WEEKLY")
	require.ErrorIs(t, err, rollcycle.ErrUnknown)
}

func Test_Validate_Rejects_Policy_When_Fields_Are_Unusable(t *testing.T) {
	t.Parallel()

	for _, rc := range rollcycle.All() {
		require.NoError(t, rc.Validate(), rc.Name)
	}

	bad := []rollcycle.RollCycle{
		{Name: "zero", Format: "20060102", SequenceBits: 20},
		{Name: "sub-ms", Format: "20060102", Length: time.Microsecond, SequenceBits: 20},
		{Name: "no bits", Format: "20060102", Length: time.Hour},
		{Name: "too many bits", Format: "20060102", Length: time.Hour, SequenceBits: 41},
		{Name: "no format", Length: time.Hour, SequenceBits: 20},
	}

	for _, rc := range bad {
		assert.Error(t, rc.Validate(), rc.Name)
	}

	assert.True(t, rollcycle.RollCycle{}.IsZero())
	assert.False(t, rollcycle.Default.IsZero())
}
