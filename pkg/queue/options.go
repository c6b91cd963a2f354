package queue

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/rollq/internal/fs"
	"github.com/calvinalkan/rollq/pkg/clock"
	"github.com/calvinalkan/rollq/pkg/codec"
	"github.com/calvinalkan/rollq/pkg/pauser"
	"github.com/calvinalkan/rollq/pkg/process"
	"github.com/calvinalkan/rollq/pkg/rollcycle"
	"github.com/calvinalkan/rollq/pkg/writelock"
)

// LockScope selects which appenders exclude each other.
type LockScope int

const (
	// ScopeQueue serializes every append to the queue through one lock.
	ScopeQueue LockScope = iota

	// ScopeCycle gives each roll cycle its own lock. Appends into
	// different cycles (see [Appender.WritingDocumentAt]) do not contend.
	ScopeCycle
)

// String returns "queue" or "cycle".
func (s LockScope) String() string {
	switch s {
	case ScopeQueue:
		return "queue"
	case ScopeCycle:
		return "cycle"
	default:
		return fmt.Sprintf("LockScope(%d)", int(s))
	}
}

// ParseLockScope parses "queue" or "cycle". Empty means [ScopeQueue].
func ParseLockScope(s string) (LockScope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queue", "":
		return ScopeQueue, nil
	case "cycle":
		return ScopeCycle, nil
	default:
		return 0, fmt.Errorf("unknown lock scope %q (want queue or cycle)", s)
	}
}

// Recorder observes queue activity. [metrics.Metrics] implements it.
type Recorder interface {
	writelock.Recorder

	Appended(cycle int64)
	Read(cycle int64)
	Rolled(from, to int64)
	Recovered(kind string)
}

// Options configures [Open]. The zero value is usable.
type Options struct {
	// RollCycle is used when the queue is created. An existing queue keeps
	// the roll cycle stored in its metadata. Zero means [rollcycle.Default].
	RollCycle rollcycle.RollCycle

	// Clock resolves the current cycle. Nil means [clock.System].
	Clock clock.Source

	// Timeout bounds waiting for the write lock before taking it by force.
	// Zero means [writelock.DefaultTimeout].
	Timeout time.Duration

	// LockScope selects the write lock granularity.
	LockScope LockScope

	// Pauser is the wait strategy while the write lock is contended.
	// Nil means balanced.
	Pauser pauser.Factory

	// Codec transforms payloads in [Appender.Append] and [Tailer.Next].
	// It is used when the queue is created; an existing queue keeps the
	// codec stored in its metadata. Nil means [codec.Raw].
	Codec codec.Codec

	// SyncOnCommit flushes the segment to disk before [WriteTx.Commit]
	// returns, and the metadata store on [Queue.Close]. Without it records
	// reach disk when the kernel writes back the shared mappings.
	SyncOnCommit bool

	// SegmentSize is the initial size of new segment files. Zero means
	// [segment.DefaultInitialSize].
	SegmentSize int64

	// Liveness decides whether a lock holder or interrupted writer is dead.
	// Nil means [process.OS].
	Liveness process.Liveness

	// Logger receives diagnostics. Nil means [zap.L].
	Logger *zap.Logger

	// Metrics observes activity. Nil disables it.
	Metrics Recorder

	// FS is the filesystem. Nil means [fs.NewReal].
	FS fs.FS
}

func (o Options) withDefaults() Options {
	if o.RollCycle.IsZero() {
		o.RollCycle = rollcycle.Default
	}

	if o.Clock == nil {
		o.Clock = clock.System{}
	}

	if o.Timeout <= 0 {
		o.Timeout = writelock.DefaultTimeout
	}

	if o.Pauser == nil {
		o.Pauser = func() pauser.Pauser { return pauser.NewBalanced() }
	}

	if o.Codec == nil {
		o.Codec = codec.Raw{}
	}

	if o.Liveness == nil {
		o.Liveness = process.OS{}
	}

	if o.Logger == nil {
		o.Logger = zap.L()
	}

	if o.FS == nil {
		o.FS = fs.NewReal()
	}

	return o
}
