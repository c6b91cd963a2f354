package pauser_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/rollq/pkg/pauser"
)

func Test_ByName_Returns_Fresh_Pausers_When_Name_Is_Known(t *testing.T) {
	t.Parallel()

	cases := map[string]any{
		"busy":     &pauser.Busy{},
		"Yielding": &pauser.Yielding{},
		"sleepy":   &pauser.Sleepy{},
		"balanced": &pauser.Balanced{},
		"":         &pauser.Balanced{},
	}

	for name, want := range cases {
		factory, err := pauser.ByName(name)
		require.NoError(t, err, name)

		a, b := factory(), factory()
		assert.IsType(t, want, a, name)

		if _, busy := a.(*pauser.Busy); !busy {
			assert.NotSame(t, a, b, "%q factory must not share state", name)
		}
	}

	_, err := pauser.ByName("lazy")
	require.Error(t, err)
}

func Test_Sleepy_Waits_Interval_When_Paused(t *testing.T) {
	t.Parallel()

	p := pauser.NewSleepy(5 * time.Millisecond)

	start := time.Now()
	p.Pause()
	p.Pause()

	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func Test_Balanced_Escalates_To_Sleep_And_Resets_When_Told(t *testing.T) {
	t.Parallel()

	p := pauser.NewBalanced()

	// The spin and yield phases return quickly.
	start := time.Now()
	for range 70 {
		p.Pause()
	}

	assert.Less(t, time.Since(start), 500*time.Millisecond)

	start = time.Now()
	for range 10 {
		p.Pause()
	}

	assert.GreaterOrEqual(t, time.Since(start), 10*20*time.Microsecond, "sleep phase must block")

	p.Reset()

	start = time.Now()
	for range 20 {
		p.Pause()
	}

	assert.Less(t, time.Since(start), 100*time.Millisecond, "reset returns to spinning")
}

func Test_Busy_And_Yielding_Never_Block_When_Paused(t *testing.T) {
	t.Parallel()

	for _, p := range []pauser.Pauser{pauser.NewBusy(), pauser.NewYielding()} {
		start := time.Now()

		for range 1000 {
			p.Pause()
		}

		p.Reset()

		assert.Less(t, time.Since(start), time.Second)
	}
}
