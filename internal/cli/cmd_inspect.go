package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/rollq/pkg/segment"
)

var errInspectArgs = errors.New("inspect takes exactly one segment file")

// CyclesCmd returns the cycles command.
func CyclesCmd(s *session) *Command {
	return &Command{
		Flags: flag.NewFlagSet("cycles", flag.ContinueOnError),
		Usage: "cycles",
		Short: "List cycles with segment files",
		Long: `List every cycle that has a segment file as
<cycle> TAB <file> TAB <records> TAB <state>, where state is open, sealed or empty.`,
		NoArgs: true,
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execCycles(o, s)
		},
	}
}

func execCycles(o *IO, s *session) error {
	q, err := s.queue()
	if err != nil {
		return err
	}

	cycles, err := q.Cycles()
	if err != nil {
		return err
	}

	for _, c := range cycles {
		path := q.SegmentPath(c)

		info, err := segment.Inspect(path)
		if err != nil {
			o.Warn("cannot inspect "+filepath.Base(path), err.Error())

			continue
		}

		o.Row(c, filepath.Base(path), len(info.Records), segmentState(info))
	}

	return nil
}

func segmentState(info segment.Info) string {
	switch {
	case info.Empty:
		return "empty"
	case info.Sealed:
		return "sealed"
	default:
		return "open"
	}
}

// InspectCmd returns the inspect command.
func InspectCmd() *Command {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	records := fs.Bool("records", false, "List every record")

	return &Command{
		Flags: fs,
		Usage: "inspect [--records] <segment-file>",
		Short: "Show the header and tail state of a segment file",
		Long: `Read a segment file without locking it and print what it contains.
Works on any .rq4 file, also outside a queue directory.`,
		Examples: []string{
			"inspect .rollq/19700101-0020X.rq4",
			"inspect --records .rollq/20240309.rq4",
		},
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errInspectArgs
			}

			return execInspect(o, args[0], *records)
		},
	}
}

func execInspect(o *IO, path string, records bool) error {
	info, err := segment.Inspect(path)
	if err != nil {
		return err
	}

	o.KV("path", info.Path)
	o.KV("size", info.Size)
	o.KV("state", segmentState(info))

	if info.Empty {
		return nil
	}

	o.KV("cycle", info.Cycle)
	o.KV("created_at", info.CreatedAt.UTC().Format(time.RFC3339Nano))
	o.KV("write_position", info.WritePosition)
	o.KV("count", info.Count)
	o.KV("records", len(info.Records))
	o.KV("tail", info.Tail)

	if info.Tail == segment.FrameIncomplete {
		o.KV("tail_pid", info.TailPID)
	}

	if uint64(len(info.Records)) != info.Count {
		o.Warn("record count mismatch", "the header count differs from the committed frames; append once to recover")
	}

	if records {
		o.Println()

		for _, r := range info.Records {
			o.Row(r.Seq, fmt.Sprintf("pos=%d", r.Pos), fmt.Sprintf("len=%d", r.Len), fmt.Sprintf("pid=%d", r.PID))
		}
	}

	return nil
}
