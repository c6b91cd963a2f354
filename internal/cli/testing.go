package cli

import (
	"bytes"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/calvinalkan/rollq/pkg/rollcycle"
)

// CLI runs rollq in-process against a temporary working directory. The
// queue lives in Dir/.rollq unless a test configures another one.
type CLI struct {
	t   *testing.T
	Dir string
	Env map[string]string
}

// NewCLI creates a CLI with a fresh working directory and an environment
// without HOME or XDG_CONFIG_HOME, so no global config is loaded.
func NewCLI(t *testing.T) *CLI {
	t.Helper()

	return &CLI{
		t:   t,
		Dir: t.TempDir(),
		Env: map[string]string{},
	}
}

// Run runs "rollq --cwd Dir args..." with empty stdin and returns stdout,
// stderr and the exit code.
func (r *CLI) Run(args ...string) (string, string, int) {
	return r.RunWithInput("", args...)
}

// RunWithInput is [CLI.Run] with stdin.
func (r *CLI) RunWithInput(stdin string, args ...string) (string, string, int) {
	var stdout, stderr bytes.Buffer

	argv := append([]string{"rollq", "--cwd", r.Dir}, args...)
	code := Run(strings.NewReader(stdin), &stdout, &stderr, argv, r.Env, nil)

	return stdout.String(), stderr.String(), code
}

// MustRun runs args, fails the test on a non-zero exit and returns the
// trimmed stdout.
func (r *CLI) MustRun(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code != 0 {
		r.t.Fatalf("rollq %v: exit %d\nstderr: %s", args, code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFail runs args, fails the test unless the run failed without writing
// to stdout, and returns the trimmed stderr.
func (r *CLI) MustFail(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code == 0 {
		r.t.Fatalf("rollq %v: succeeded, want failure\nstdout: %s", args, stdout)
	}

	if stdout != "" {
		r.t.Fatalf("rollq %v: failed with stdout\nstdout: %s", args, stdout)
	}

	return strings.TrimSpace(stderr)
}

// Append runs "append texts..." and returns the printed indices.
func (r *CLI) Append(texts ...string) []uint64 {
	r.t.Helper()

	return ParseIndices(r.t, r.MustRun(append([]string{"append"}, texts...)...))
}

// QueueDir returns the default queue directory.
func (r *CLI) QueueDir() string {
	return filepath.Join(r.Dir, ".rollq")
}

// Segment returns the path of the segment file holding index under rc in
// the default queue directory.
func (r *CLI) Segment(rc rollcycle.RollCycle, index uint64) string {
	return filepath.Join(r.QueueDir(), rc.FileName(rc.CycleOf(index)))
}

// ParseIndices parses append output, one decimal index per line.
func ParseIndices(t *testing.T, stdout string) []uint64 {
	t.Helper()

	var out []uint64

	for _, line := range strings.Fields(stdout) {
		idx, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			t.Fatalf("append output %q: %v", line, err)
		}

		out = append(out, idx)
	}

	return out
}

// Payloads returns the payload column of tail output.
func Payloads(stdout string) []string {
	var out []string

	for line := range strings.Lines(strings.TrimSpace(stdout)) {
		_, payload, _ := strings.Cut(strings.TrimSuffix(line, "\n"), "\t")
		out = append(out, payload)
	}

	return out
}

// AssertContains fails the test if content does not contain substr.
func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	if !strings.Contains(content, substr) {
		t.Errorf("missing %q in:\n%s", substr, content)
	}
}

// AssertNotContains fails the test if content contains substr.
func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	if strings.Contains(content, substr) {
		t.Errorf("unexpected %q in:\n%s", substr, content)
	}
}
