// Package cli implements the rollq command line tool.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/calvinalkan/rollq/internal/config"
)

// Errors returned while parsing global flags.
var (
	ErrFlagRequiresArg = errors.New("flag requires an argument")
	ErrUnknownFlag     = errors.New("unknown flag")
	ErrUnknownCommand  = errors.New("unknown command")
)

const helpFlag = "--help"

// Run is the main entry point. Returns exit code.
//
// The first signal on sigCh cancels the running command; sigCh may be nil.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	flags, err := parseGlobalFlags(args[min(1, len(args)):])
	if err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut)

		return 1
	}

	if len(flags.remaining) == 0 || flags.remaining[0] == helpFlag || flags.remaining[0] == "-h" {
		printUsage(out)

		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDir:    flags.workDir,
		ConfigPath: flags.configPath,
		Overrides:  flags.overrides,
		Env:        env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	s := newSession(cfg, errOut)
	s.history = historyPath(env)

	defer s.close()

	o := NewIO(in, out, errOut)

	code := s.dispatch(ctx, o, flags.remaining)

	// Warnings are printed even when the command failed.
	if warned := o.Finish(); code == 0 {
		code = warned
	}

	return code
}

// commands returns fresh command instances bound to s. Flag sets keep
// parsed values, so every invocation gets its own set.
func commands(s *session) []*Command {
	return []*Command{
		AppendCmd(s),
		TailCmd(s),
		CyclesCmd(s),
		InspectCmd(),
		LockCmd(s),
		PrintConfigCmd(s),
		ShellCmd(s),
	}
}

func findCommand(cmds []*Command, name string) *Command {
	for _, c := range cmds {
		if c.Name() == name {
			return c
		}
	}

	return nil
}

type globalFlags struct {
	workDir    string
	configPath string
	overrides  config.Config
	remaining  []string
}

// valueFlag is a global flag that takes one argument.
type valueFlag struct {
	long  string
	short string
	set   func(f *globalFlags, v string)
}

var globalValueFlags = []valueFlag{
	{long: "--cwd", short: "-C", set: func(f *globalFlags, v string) { f.workDir = v }},
	{long: "--config", short: "-c", set: func(f *globalFlags, v string) { f.configPath = v }},
	{long: "--dir", set: func(f *globalFlags, v string) { f.overrides.Dir = v }},
	{long: "--roll-cycle", set: func(f *globalFlags, v string) { f.overrides.RollCycle = v }},
	{long: "--log-level", set: func(f *globalFlags, v string) { f.overrides.LogLevel = v }},
}

func parseGlobalFlags(args []string) (globalFlags, error) {
	var flags globalFlags

	idx := 0
	for idx < len(args) {
		consumed, err := parseFlag(args, idx, &flags)
		if err != nil {
			return globalFlags{}, err
		}

		if consumed == 0 {
			// Not a flag, this is the command
			flags.remaining = args[idx:]

			break
		}

		idx += consumed
	}

	return flags, nil
}

// parseFlag tries to parse a flag at args[idx]. Returns number of args consumed (0 if not a flag).
func parseFlag(args []string, idx int, flags *globalFlags) (int, error) {
	arg := args[idx]

	for _, vf := range globalValueFlags {
		if arg == vf.long || (vf.short != "" && arg == vf.short) {
			if idx+1 >= len(args) {
				return 0, fmt.Errorf("%w: %s", ErrFlagRequiresArg, arg)
			}

			vf.set(flags, args[idx+1])

			return 2, nil
		}

		if after, ok := strings.CutPrefix(arg, vf.long+"="); ok {
			vf.set(flags, after)

			return 1, nil
		}

		if vf.short != "" && len(arg) > len(vf.short) {
			if after, ok := strings.CutPrefix(arg, vf.short); ok {
				vf.set(flags, after)

				return 1, nil
			}
		}
	}

	if arg == "-h" || arg == helpFlag {
		flags.remaining = []string{helpFlag}

		return len(args) - idx, nil
	}

	if strings.HasPrefix(arg, "-") && arg != "-" {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFlag, arg)
	}

	return 0, nil
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer) {
	fprintln(w, `rollq - persistent time-rolled append-only queue

Usage: rollq [options] <command> [args]

Options:
  -C, --cwd <dir>         Run as if started in <dir>
  -c, --config <file>     Use specified config file
      --dir <dir>         Queue directory
      --roll-cycle <rc>   Roll cycle for new queues (e.g. DAILY, TEN_MINUTELY)
      --log-level <lvl>   debug, info, warn or error

Commands:`)

	for _, c := range commands(nil) {
		fprintln(w, c.HelpLine())
	}
}
