package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/rollq/pkg/pauser"
	"github.com/calvinalkan/rollq/pkg/queue"
)

// pollInterval is how long tail --follow sleeps when caught up.
const pollInterval = 50 * time.Millisecond

var errFromAndEnd = errors.New("--from and --end are mutually exclusive")

type tailOptions struct {
	from    uint64
	hasFrom bool
	end     bool
	limit   int
	follow  bool
}

// TailCmd returns the tail command.
func TailCmd(s *session) *Command {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	from := fs.Uint64("from", 0, "Start at this index")
	end := fs.Bool("end", false, "Start after the last record")
	limit := fs.IntP("limit", "n", 0, "Stop after n records (0 = no limit)")
	follow := fs.BoolP("follow", "f", false, "Wait for new records until interrupted")

	return &Command{
		Flags: fs,
		Usage: "tail [flags]",
		Short: "Print records as <index> TAB <payload>",
		Long: `Print records in index order, one per line as <index> TAB <payload>.
Reads from the first record unless --from or --end is given.`,
		Examples: []string{
			"tail -n 10",
			"tail --end --follow",
			"tail --from 8589934592",
		},
		NoArgs: true,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return execTail(ctx, o, s, tailOptions{
				from:    *from,
				hasFrom: fs.Changed("from"),
				end:     *end,
				limit:   *limit,
				follow:  *follow,
			})
		},
	}
}

func execTail(ctx context.Context, o *IO, s *session, opts tailOptions) error {
	if opts.hasFrom && opts.end {
		return errFromAndEnd
	}

	q, err := s.queue()
	if err != nil {
		return err
	}

	tl := q.Tailer()
	defer func() { _ = tl.Close() }()

	switch {
	case opts.hasFrom:
		err = tl.MoveToIndex(opts.from)
		if err != nil {
			return err
		}
	case opts.end:
		err = tl.ToEnd()
		if err != nil {
			return err
		}
	}

	return follow(ctx, tl, opts, func(idx uint64, payload []byte) {
		o.Row(idx, string(payload))
	})
}

// follow reads records from tl and passes them to emit. Without opts.follow
// it returns once no record is available.
func follow(ctx context.Context, tl *queue.Tailer, opts tailOptions, emit func(uint64, []byte)) error {
	p := pauser.NewSleepy(pollInterval)
	n := 0

	for opts.limit <= 0 || n < opts.limit {
		payload, idx, ok, err := tl.Next()
		if err != nil {
			return fmt.Errorf("tail: %w", err)
		}

		if ok {
			emit(idx, payload)
			p.Reset()

			n++

			continue
		}

		if !opts.follow || ctx.Err() != nil {
			return nil
		}

		p.Pause()
	}

	return nil
}
