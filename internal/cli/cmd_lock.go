package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/rollq/pkg/process"
	"github.com/calvinalkan/rollq/pkg/queue"
	"github.com/calvinalkan/rollq/pkg/writelock"
)

var errLockAction = errors.New("lock needs an action: status, list or force-unlock")

// LockCmd returns the lock command.
func LockCmd(s *session) *Command {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	cycle := fs.Int64("cycle", -1, "Cycle whose lock to use (lock_scope=cycle); default latest")

	return &Command{
		Flags: fs,
		Usage: "lock status|list|force-unlock [--cycle n]",
		Short: "Show or break the queue write lock",
		Long: `Show who holds the write lock, or release it regardless of the holder.
list prints every slot of the queue table store with its decoded value.
force-unlock is for recovering from a writer that hangs while holding the lock;
a writer that is still running may then overlap with the next one.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errLockAction
			}

			return execLock(o, s, args[0], *cycle)
		},
	}
}

func execLock(o *IO, s *session, action string, cycle int64) error {
	q, err := s.queue()
	if err != nil {
		return err
	}

	if action == "list" {
		return listSlots(o, q)
	}

	if cycle < 0 {
		last, ok, err := q.LastCycle()
		if err != nil {
			return err
		}

		cycle = 0
		if ok {
			cycle = last
		}
	}

	lock, err := q.WriteLock(cycle)
	if err != nil {
		return err
	}

	switch action {
	case "status":
		printLockStatus(o, lock)

		return nil

	case "force-unlock":
		if !lock.Locked() {
			o.Warn("lock "+lock.Name()+" was not held", "nothing to release")

			return nil
		}

		holder := lock.Holder()
		lock.ForceUnlock()
		o.Printf("released %s held by %s\n", lock.Name(), holder)

		return nil

	default:
		return fmt.Errorf("%w: %q", errLockAction, action)
	}
}

func listSlots(o *IO, q *queue.Queue) error {
	slots, err := q.Slots()
	if err != nil {
		return err
	}

	for _, slot := range slots {
		o.Row(slot.Name, queue.DescribeSlot(slot))
	}

	return nil
}

func printLockStatus(o *IO, lock *writelock.Lock) {
	o.KV("lock", lock.Name())

	holder := lock.Holder()
	if holder == writelock.Unlocked {
		o.KV("state", "unlocked")

		return
	}

	o.KV("state", "locked")
	o.KV("holder_pid", holder.PID())
	o.KV("holder_token", holder.Token())

	alive := process.OS{}.Alive(holder.PID())
	o.KV("holder_alive", alive)

	if !alive {
		o.Warn("lock holder is not running", "the next append takes the lock over")
	}
}
