package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/peterh/liner"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
)

// ShellCmd returns the shell command.
func ShellCmd(s *session) *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell",
		Short: "Run commands interactively against one open queue",
		Long: `Start an interactive prompt that accepts the other commands without the
"rollq" prefix. The queue stays open between commands, so "stats" shows
the metrics of the whole session. Arguments are split on whitespace.`,
		NoArgs: true,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return runShell(ctx, o, s)
		},
	}
}

// prompter reads one command line at a time.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

// newPrompter uses liner when in is an interactive terminal and plain line
// reads otherwise, so scripts can be piped into the shell.
func newPrompter(in io.Reader, history string) prompter {
	if f, ok := in.(*os.File); ok && f == os.Stdin && isTerminal(f) && liner.TerminalSupported() {
		l := liner.NewLiner()
		l.SetCtrlCAborts(true)

		p := &linerPrompter{State: l, history: history}
		p.load()

		return p
	}

	if in == nil {
		in = strings.NewReader("")
	}

	return &scanPrompter{scanner: bufio.NewScanner(in)}
}

func isTerminal(f *os.File) bool {
	st, err := f.Stat()
	if err != nil {
		return false
	}

	return st.Mode()&os.ModeCharDevice != 0
}

type linerPrompter struct {
	*liner.State
	history string
}

func (p *linerPrompter) load() {
	if p.history == "" {
		return
	}

	f, err := os.Open(p.history)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	_, _ = p.ReadHistory(f)
}

func (p *linerPrompter) Prompt(prompt string) (string, error) {
	line, err := p.State.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}

	return line, err
}

func (p *linerPrompter) Close() error {
	if p.history != "" {
		if f, err := os.Create(p.history); err == nil {
			_, _ = p.WriteHistory(f)
			_ = f.Close()
		}
	}

	return p.State.Close()
}

type scanPrompter struct {
	scanner *bufio.Scanner
}

func (p *scanPrompter) Prompt(string) (string, error) {
	if p.scanner.Scan() {
		return p.scanner.Text(), nil
	}

	if err := p.scanner.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (*scanPrompter) AppendHistory(string) {}

func (*scanPrompter) Close() error { return nil }

func runShell(ctx context.Context, o *IO, s *session) error {
	p := newPrompter(o.In(), s.history)
	defer func() { _ = p.Close() }()

	// Commands read stdin only through the prompter while in the shell.
	sub := NewIO(nil, o.out, o.errOut)

	for ctx.Err() == nil {
		line, err := p.Prompt("rollq> ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}

		p.AppendHistory(line)

		switch fields[0] {
		case "exit", "quit", "q":
			return nil

		case "help", "?":
			printShellHelp(sub, s)

		case "stats":
			err := printStats(sub, s.reg)
			if err != nil {
				sub.ErrPrintln("error:", err)
			}

		default:
			s.dispatch(ctx, sub, fields, "shell")
		}

		_ = sub.Finish()
	}

	return nil
}

func printShellHelp(o *IO, s *session) {
	o.Println("Commands:")

	for _, c := range commands(s) {
		if c.Name() == "shell" {
			continue
		}

		o.Println(c.HelpLine())
	}

	o.Printf("  %-34s %s\n", "stats", "Show metrics collected in this session")
	o.Printf("  %-34s %s\n", "help", "Show this help")
	o.Printf("  %-34s %s\n", "exit", "Leave the shell")
}

// printStats writes every gathered sample as "name{labels} value".
// Histograms are reduced to their sample count and sum.
func printStats(o *IO, reg prometheus.Gatherer) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	var lines []string

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			pairs := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				pairs = append(pairs, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}

			labels := ""
			if len(pairs) > 0 {
				labels = "{" + strings.Join(pairs, ",") + "}"
			}

			switch {
			case m.GetCounter() != nil:
				lines = append(lines, fmt.Sprintf("%s%s %g", mf.GetName(), labels, m.GetCounter().GetValue()))
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				lines = append(lines,
					fmt.Sprintf("%s_count%s %d", mf.GetName(), labels, h.GetSampleCount()),
					fmt.Sprintf("%s_sum%s %g", mf.GetName(), labels, h.GetSampleSum()))
			}
		}
	}

	sort.Strings(lines)

	for _, l := range lines {
		o.Println(l)
	}

	return nil
}

// historyPath returns the shell history file, or "" without a home directory.
func historyPath(env map[string]string) string {
	home := env["HOME"]
	if home == "" {
		return ""
	}

	return filepath.Join(home, ".rollq_history")
}
