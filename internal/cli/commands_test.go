package cli_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calvinalkan/rollq/internal/cli"
	"github.com/calvinalkan/rollq/pkg/queue"
	"github.com/calvinalkan/rollq/pkg/rollcycle"
)

func Test_Append_Prints_Consecutive_Indices_When_Given_Arguments(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	got := c.Append("one", "two", "three")

	require.Len(t, got, 3)
	assert.Equal(t, got[0]+1, got[1])
	assert.Equal(t, got[1]+1, got[2])

	tail := c.MustRun("tail")
	assert.Equal(t, []string{"one", "two", "three"}, cli.Payloads(tail))
	cli.AssertContains(t, tail, strconv.FormatUint(got[0], 10)+"\tone")
}

func Test_Append_Reads_Stdin_Lines_When_No_Arguments(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout, stderr, code := c.RunWithInput("first line\nsecond line\n", "append")
	require.Equal(t, 0, code, stderr)
	assert.Len(t, cli.ParseIndices(t, stdout), 2)

	assert.Equal(t, []string{"first line", "second line"}, cli.Payloads(c.MustRun("tail")))
}

func Test_Append_Fails_When_Stdin_Is_Empty(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("append")

	cli.AssertContains(t, stderr, "nothing to append")
}

func Test_Append_Uses_Configured_Codec_When_Reading_Back(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	require.NoError(t, os.WriteFile(filepath.Join(c.Dir, ".rollq.yaml"), []byte("codec: zstd\n"), 0o600))

	c.MustRun("-c", ".rollq.yaml", "append", "compressed")
	assert.Equal(t, []string{"compressed"}, cli.Payloads(c.MustRun("-c", ".rollq.yaml", "tail")))
}

func Test_Tail_Decodes_With_Stored_Codec_When_Codec_Is_Not_Configured(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	require.NoError(t, os.WriteFile(filepath.Join(c.Dir, ".rollq.yaml"), []byte("codec: zstd\n"), 0o600))

	c.MustRun("-c", ".rollq.yaml", "append", "compressed")
	c.MustRun("append", "second")

	_, stderr, code := c.Run("tail")
	assert.Equal(t, 0, code, stderr)
	assert.Equal(t, []string{"compressed", "second"}, cli.Payloads(c.MustRun("tail")))
	assert.Contains(t, c.MustRun("print-config"), "# codec unset")
}

func Test_Tail_Honours_From_And_Limit_When_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	got := c.Append("a", "b", "c", "d")

	stdout := c.MustRun("tail", "--from", strconv.FormatUint(got[1], 10), "-n", "2")
	assert.Equal(t, []string{"b", "c"}, cli.Payloads(stdout))
}

func Test_Tail_Prints_Nothing_When_Started_At_End(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("append", "a")

	assert.Empty(t, c.MustRun("tail", "--end"))
}

func Test_Tail_Fails_When_From_And_End_Are_Combined(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("tail", "--from", "1", "--end")

	cli.AssertContains(t, stderr, "mutually exclusive")
}

func Test_Tail_Fails_When_From_Index_Has_No_Record(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	got := c.Append("a")

	stderr := c.MustFail("tail", "--from", strconv.FormatUint(got[0]+10, 10))
	cli.AssertContains(t, stderr, "index not found")
	cli.AssertContains(t, stderr, "hint: list the cycles that have records with: rollq cycles")
}

func Test_Tail_Follow_Returns_When_Limit_Reached_After_Later_Append(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("append", "early")

	type result struct {
		stdout string
		code   int
	}

	done := make(chan result, 1)

	go func() {
		stdout, _, code := c.Run("tail", "--follow", "--limit", "2")
		done <- result{stdout, code}
	}()

	time.Sleep(100 * time.Millisecond)
	c.MustRun("append", "late")

	select {
	case r := <-done:
		require.Equal(t, 0, r.code)
		assert.Equal(t, []string{"early", "late"}, cli.Payloads(r.stdout))
	case <-time.After(10 * time.Second):
		t.Fatal("tail --follow did not return")
	}
}

func Test_Cycles_Lists_Segment_When_Records_Exist(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("append", "a", "b")

	fields := strings.Split(c.MustRun("cycles"), "\t")
	require.Len(t, fields, 4)

	assert.True(t, strings.HasSuffix(fields[1], ".rq4"), "file column %q", fields[1])
	assert.Equal(t, "2", fields[2])
	assert.Equal(t, "open", fields[3])
}

func Test_Cycles_Prints_Nothing_When_Queue_Is_Empty(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	assert.Empty(t, c.MustRun("cycles"))
}

func Test_Inspect_Shows_Segment_State_When_File_Exists(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	got := c.Append("a", "bb")

	stdout := c.MustRun("inspect", "--records", c.Segment(rollcycle.Default, got[0]))

	cli.AssertContains(t, stdout, "state=open")
	cli.AssertContains(t, stdout, "count=2")
	cli.AssertContains(t, stdout, "records=2")
	cli.AssertContains(t, stdout, "tail=none")
	cli.AssertContains(t, stdout, "len=2\tpid=")
}

func Test_Inspect_Reports_Empty_When_File_Has_No_Header(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	path := filepath.Join(c.Dir, "placeholder.rq4")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	stdout := c.MustRun("inspect", path)

	cli.AssertContains(t, stdout, "state=empty")
	cli.AssertNotContains(t, stdout, "cycle=")
}

func Test_Inspect_Fails_When_Arguments_Are_Wrong(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	cli.AssertContains(t, c.MustFail("inspect"), "exactly one segment file")
	cli.AssertContains(t, c.MustFail("inspect", filepath.Join(c.Dir, "missing.rq4")), "no such file")
}

func Test_Lock_Status_Reports_Unlocked_When_No_Writer(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("lock", "status")

	cli.AssertContains(t, stdout, "lock=write.lock")
	cli.AssertContains(t, stdout, "state=unlocked")
}

func Test_Lock_Fails_When_Action_Is_Missing_Or_Unknown(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	cli.AssertContains(t, c.MustFail("lock"), "status, list or force-unlock")
	cli.AssertContains(t, c.MustFail("lock", "steal"), `"steal"`)
}

func Test_Lock_Force_Unlock_Warns_When_Lock_Is_Free(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	_, stderr, code := c.Run("lock", "force-unlock")

	assert.Equal(t, 1, code)
	cli.AssertContains(t, stderr, "warning: lock write.lock was not held")
}

func Test_Lock_Force_Unlock_Releases_Lock_When_Held_By_Another_Handle(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("append", "seed")

	q, err := queue.Open(c.QueueDir(), queue.Options{Logger: zap.NewNop()})
	require.NoError(t, err)

	t.Cleanup(func() { _ = q.Close() })

	lock, err := q.WriteLock(0)
	require.NoError(t, err)
	require.NoError(t, lock.Lock(context.Background()))

	status := c.MustRun("lock", "status")
	cli.AssertContains(t, status, "state=locked")
	cli.AssertContains(t, status, "holder_pid="+strconv.Itoa(os.Getpid()))
	cli.AssertContains(t, status, "holder_alive=true")

	stdout := c.MustRun("lock", "force-unlock")
	cli.AssertContains(t, stdout, "released write.lock held by pid="+strconv.Itoa(os.Getpid()))

	assert.False(t, lock.Locked())
}

func Test_Lock_List_Shows_Slots_When_Queue_Has_Records(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("append", "seed")

	stdout := c.MustRun("lock", "list")

	cli.AssertNotContains(t, stdout, "cycle.last\tnone")
	cli.AssertContains(t, stdout, "cycle.last\tcycle=")
	cli.AssertContains(t, stdout, "write.lock\tunlocked")
}

func Test_Shell_Runs_Commands_When_Input_Is_Piped(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	script := strings.Join([]string{
		"# comments and blank lines are skipped",
		"",
		"append a b",
		"tail",
		"shell",
		"stats",
		"exit",
		"append never",
	}, "\n")

	stdout, stderr, code := c.RunWithInput(script, "shell")
	require.Equal(t, 0, code, stderr)

	cli.AssertContains(t, stdout, "\ta\n")
	cli.AssertContains(t, stdout, "\tb\n")
	cli.AssertContains(t, stdout, "rollq_appends_total{cycle=")
	cli.AssertContains(t, stdout, "} 2\n")
	cli.AssertContains(t, stdout, "rollq_reads_total{cycle=")
	cli.AssertContains(t, stdout, "rollq_lock_wait_seconds_count")
	cli.AssertContains(t, stderr, "unknown command: shell")

	assert.Len(t, cli.Payloads(c.MustRun("tail")), 2, "commands after exit must not run")
}

func Test_Shell_Help_Lists_Commands_When_Asked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("shell") // empty stdin ends the shell

	assert.Empty(t, stdout)

	stdout, _, code := c.RunWithInput("help\n", "shell")
	require.Equal(t, 0, code)

	cli.AssertContains(t, stdout, "  append")
	cli.AssertContains(t, stdout, "  stats")
	cli.AssertNotContains(t, stdout, "  shell")
}
