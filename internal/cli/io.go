package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"
)

// IO is the output of one command run.
//
// Warnings go to stderr twice: before the first line of stdout and again
// from [IO.Finish], so they survive "| head" and "| tail" alike. A run that
// warned exits with 1 even though its output is complete.
type IO struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	warnings []string
	flushed  bool
}

// NewIO creates an IO over the given streams. in may be nil for runs that
// must not read stdin.
func NewIO(in io.Reader, out, errOut io.Writer) *IO {
	return &IO{in: in, out: out, errOut: errOut}
}

// Warn records a problem the run worked around. issue says what happened
// and action what the user can do about it. Repeats of the same warning
// are recorded once.
func (o *IO) Warn(issue, action string) {
	w := issue + ": " + action
	if !slices.Contains(o.warnings, w) {
		o.warnings = append(o.warnings, w)
	}
}

// In returns the command input.
func (o *IO) In() io.Reader {
	return o.in
}

// Println writes a line to stdout.
func (o *IO) Println(a ...any) {
	o.flushWarnings()
	_, _ = fmt.Fprintln(o.out, a...)
}

// Printf writes formatted output to stdout.
func (o *IO) Printf(format string, a ...any) {
	o.flushWarnings()
	_, _ = fmt.Fprintf(o.out, format, a...)
}

// KV writes a "key=value" line, the format of the status commands.
func (o *IO) KV(key string, value any) {
	o.Printf("%s=%v\n", key, value)
}

// Row writes cols separated by tabs, the format of the listing commands.
func (o *IO) Row(cols ...any) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprint(c)
	}

	o.Println(strings.Join(parts, "\t"))
}

// ErrPrintln writes a line to stderr.
func (o *IO) ErrPrintln(a ...any) {
	_, _ = fmt.Fprintln(o.errOut, a...)
}

// Finish prints the warnings and returns the exit code for them: 1 if any
// were recorded, else 0. The IO can then be reused for another run.
func (o *IO) Finish() int {
	o.flushWarnings()
	o.printWarnings()

	code := 0
	if len(o.warnings) > 0 {
		code = 1
	}

	o.warnings, o.flushed = nil, false

	return code
}

func (o *IO) flushWarnings() {
	if o.flushed || len(o.warnings) == 0 {
		return
	}

	o.printWarnings()
	o.flushed = true
}

func (o *IO) printWarnings() {
	for _, w := range o.warnings {
		_, _ = fmt.Fprintln(o.errOut, "warning:", w)
	}
}
