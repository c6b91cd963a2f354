package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/rollq/pkg/queue"
)

var errNothingToAppend = errors.New("nothing to append")

// AppendCmd returns the append command.
func AppendCmd(s *session) *Command {
	fs := flag.NewFlagSet("append", flag.ContinueOnError)
	cycle := fs.Int64("cycle", -1, "Append into this cycle instead of the latest one")

	return &Command{
		Flags: fs,
		Usage: "append [--cycle n] [text...]",
		Short: "Append records and print their indices",
		Long: `Append each argument as one record and print its index.
Without arguments, each line read from stdin becomes one record.`,
		Examples: []string{
			"append hello world",
			"append --cycle 2 late",
		},
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execAppend(ctx, o, s, *cycle, args)
		},
	}
}

func execAppend(ctx context.Context, o *IO, s *session, cycle int64, args []string) error {
	q, err := s.queue()
	if err != nil {
		return err
	}

	app := q.Appender()
	defer func() { _ = app.Close() }()

	write := func(text string) error {
		idx, err := appendOne(ctx, app, cycle, []byte(text))
		if err != nil {
			return err
		}

		o.Println(idx)

		return nil
	}

	if len(args) > 0 {
		for _, text := range args {
			err := write(text)
			if err != nil {
				return err
			}
		}

		return nil
	}

	if o.In() == nil {
		return errNothingToAppend
	}

	scanner := bufio.NewScanner(o.In())
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	n := 0

	for scanner.Scan() {
		err := write(scanner.Text())
		if err != nil {
			return err
		}

		n++
	}

	err = scanner.Err()
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	if n == 0 {
		return errNothingToAppend
	}

	return nil
}

func appendOne(ctx context.Context, app *queue.Appender, cycle int64, payload []byte) (uint64, error) {
	if cycle < 0 {
		return app.Append(ctx, payload)
	}

	return app.AppendAt(ctx, cycle, payload)
}
