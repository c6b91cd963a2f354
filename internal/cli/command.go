package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/rollq/pkg/queue"
)

var errUnexpectedArgs = errors.New("unexpected arguments")

// Command is one rollq subcommand.
type Command struct {
	// Flags holds the command flags. The set name is unused; the command
	// name is the first word of Usage.
	Flags *flag.FlagSet

	// Usage follows "rollq" in help, e.g. "inspect [--records] <segment-file>".
	Usage string

	// Short is the line shown in the command listing.
	Short string

	// Long is the command help text. Short is used when empty.
	Long string

	// Examples are shown under "Examples:" in the command help, each
	// prefixed with "rollq ".
	Examples []string

	// NoArgs rejects positional arguments before Exec runs.
	NoArgs bool

	// Exec runs the command with the positional arguments left after
	// flag parsing.
	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name returns the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine returns the entry of c in the global command listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-34s %s", c.Usage, c.Short)
}

// PrintHelp prints "rollq <cmd> --help".
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: rollq", c.Usage)
	o.Println()

	if c.Long != "" {
		o.Println(c.Long)
	} else {
		o.Println(c.Short)
	}

	if c.Flags != nil && c.Flags.HasFlags() {
		var buf strings.Builder

		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()

		o.Println()
		o.Println("Flags:")
		o.Printf("%s", buf.String())
	}

	if len(c.Examples) > 0 {
		o.Println()
		o.Println("Examples:")

		for _, ex := range c.Examples {
			o.Println("  rollq", ex)
		}
	}
}

// Run parses args into c.Flags and calls Exec. It prints errors itself and
// returns the exit code.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})

	err := c.Flags.Parse(args)
	if err == nil && c.NoArgs && c.Flags.NArg() > 0 {
		err = fmt.Errorf("%w: %s", errUnexpectedArgs, strings.Join(c.Flags.Args(), " "))
	}

	if errors.Is(err, flag.ErrHelp) {
		c.PrintHelp(o)

		return 0
	}

	if err != nil {
		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o)

		return 1
	}

	if err := c.Exec(ctx, o, c.Flags.Args()); err != nil {
		o.ErrPrintln("error:", err)

		if hint := hintFor(err); hint != "" {
			o.ErrPrintln("hint:", hint)
		}

		return 1
	}

	return 0
}

// hintFor suggests a next step for queue errors a user can act on.
func hintFor(err error) string {
	switch {
	case errors.Is(err, queue.ErrRecoveryLocked):
		return "another live process is writing this cycle; retry, or check it with: rollq lock status"
	case errors.Is(err, queue.ErrIndexNotFound):
		return "list the cycles that have records with: rollq cycles"
	case errors.Is(err, queue.ErrSealed):
		return "the cycle was rolled past; append without --cycle"
	default:
		return ""
	}
}
