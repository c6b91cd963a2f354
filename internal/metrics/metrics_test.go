package metrics_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calvinalkan/rollq/internal/metrics"
	"github.com/calvinalkan/rollq/pkg/clock"
	"github.com/calvinalkan/rollq/pkg/queue"
	"github.com/calvinalkan/rollq/pkg/rollcycle"
)

func Test_Metrics_Count_Queue_Activity_When_Wired_Into_Queue(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := metrics.New(reg)
	clk := clock.NewSet(time.UnixMilli(0).UTC())

	q, err := queue.Open(filepath.Join(t.TempDir(), "q"), queue.Options{
		RollCycle: rollcycle.TenMinutely,
		Clock:     clk,
		Logger:    zap.NewNop(),
		Metrics:   m,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	app := q.Appender()
	defer app.Close()

	for range 2 {
		_, err = app.Append(context.Background(), []byte("x"))
		require.NoError(t, err)
	}

	clk.Advance(10 * time.Minute)

	_, err = app.Append(context.Background(), []byte("y"))
	require.NoError(t, err)

	tl := q.Tailer()
	defer tl.Close()

	for range 2 {
		_, _, ok, err := tl.Next()
		require.NoError(t, err)
		require.True(t, ok)
	}

	expected := `
# HELP rollq_appends_total Records committed, by roll cycle.
# TYPE rollq_appends_total counter
rollq_appends_total{cycle="0"} 2
rollq_appends_total{cycle="1"} 1
# HELP rollq_reads_total Records consumed by tailers, by roll cycle.
# TYPE rollq_reads_total counter
rollq_reads_total{cycle="0"} 2
# HELP rollq_rolls_total Times an appender moved the queue to a new cycle.
# TYPE rollq_rolls_total counter
rollq_rolls_total 1
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"rollq_appends_total", "rollq_reads_total", "rollq_rolls_total")
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "rollq_lock_wait_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one lock_wait series for the queue lock")
}

func Test_Metrics_Count_Forced_Locks_By_Reason(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.LockForced("write.lock", "timeout")
	m.LockForced("write.lock", "timeout")
	m.LockForced("write.lock", "dead_holder")
	m.Recovered("cleared")

	expected := `
# HELP rollq_lock_forced_total Write locks taken without the holder releasing them, by reason.
# TYPE rollq_lock_forced_total counter
rollq_lock_forced_total{lock="write.lock",reason="dead_holder"} 1
rollq_lock_forced_total{lock="write.lock",reason="timeout"} 2
# HELP rollq_recoveries_total Segment tail repairs, by kind.
# TYPE rollq_recoveries_total counter
rollq_recoveries_total{kind="cleared"} 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "rollq_lock_forced_total", "rollq_recoveries_total")
	require.NoError(t, err)
}

func Test_Nil_Metrics_Records_Nothing_When_Called(t *testing.T) {
	t.Parallel()

	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.Appended(0)
		m.Read(0)
		m.Rolled(0, 1)
		m.Recovered("adopted")
		m.LockAcquired("write.lock", time.Millisecond)
		m.LockForced("write.lock", "timeout")
	})
}

func Test_New_Leaves_Collectors_Unregistered_When_Registerer_Is_Nil(t *testing.T) {
	t.Parallel()

	m := metrics.New(nil)
	m.Appended(3)

	// Registering twice would panic if New had registered globally.
	assert.NotPanics(t, func() { metrics.New(prometheus.NewRegistry()) })
}
