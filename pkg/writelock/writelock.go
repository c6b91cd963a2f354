// Package writelock implements a named, timeout-bound, process-aware write
// lock stored in one 64-bit table store slot.
//
// The slot holds 0 when unlocked and a [Holder] otherwise. A holder encodes
// the owning process id in its upper 32 bits and a per-handle token in its
// lower 32 bits, so two handles in the same process are still distinct
// owners.
//
// Locking never fails because of contention: a waiter that exceeds its
// timeout takes the lock by force and logs a warning. A waiter that finds
// the holder process dead takes over immediately. Only cancellation of the
// caller's context makes [Lock.Lock] fail.
//
// The forced takeover can race with a holder that is still alive and
// writing. Timeouts should be generous compared to the longest expected
// write.
package writelock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/rollq/pkg/pauser"
	"github.com/calvinalkan/rollq/pkg/process"
)

// DefaultTimeout is used when [Options.Timeout] is zero.
const DefaultTimeout = 10 * time.Second

// ErrInterrupted is returned by [Lock.Lock] when the context is done before
// the lock is obtained. The lock is not held and the slot was not written.
var ErrInterrupted = errors.New("writelock: interrupted while waiting for lock")

// Slot is the shared 64-bit cell the lock lives in. [tablestore.Slot]
// implements it.
type Slot interface {
	Name() string
	Load() uint64
	CompareAndSwap(old, val uint64) bool
	Swap(val uint64) uint64
}

// Recorder observes lock acquisitions. Implementations must be safe for
// concurrent use.
type Recorder interface {
	LockAcquired(name string, wait time.Duration)
	LockForced(name, reason string)
}

// Reasons passed to [Recorder.LockForced].
const (
	ReasonTimeout    = "timeout"
	ReasonDeadHolder = "dead_holder"
	ReasonForce      = "force_unlock"
)

// Options configures a [Lock].
type Options struct {
	// Timeout bounds how long Lock waits before forcing the lock.
	// Zero means [DefaultTimeout].
	Timeout time.Duration

	// Pauser creates the wait strategy used between attempts.
	// Nil means balanced.
	Pauser pauser.Factory

	// Logger receives warnings. Nil means [zap.L].
	Logger *zap.Logger

	// PID identifies the owning process. Zero means [process.PID].
	PID int

	// Liveness decides whether a holder may be taken over without waiting
	// for the timeout. Nil means [process.OS].
	Liveness process.Liveness

	// Recorder observes acquisitions. Nil disables recording.
	Recorder Recorder
}

// Holder is the raw slot value of a lock.
type Holder uint64

// Unlocked is the slot value of a free lock.
const Unlocked Holder = 0

// PID returns the process id half of the holder.
func (h Holder) PID() int { return int(uint64(h) >> 32) }

// Token returns the per-handle half of the holder.
func (h Holder) Token() uint32 { return uint32(h) }

// String formats the holder for diagnostics.
func (h Holder) String() string {
	if h == Unlocked {
		return "unlocked"
	}

	return fmt.Sprintf("pid=%d token=%d", h.PID(), h.Token())
}

var nextToken atomic.Uint32

func newHolder(pid int) Holder {
	token := nextToken.Add(1)
	if token == 0 {
		token = nextToken.Add(1)
	}

	return Holder(uint64(uint32(pid))<<32 | uint64(token))
}

// Lock is one handle on a named write lock.
//
// A handle may be shared by goroutines; each call to Lock must be paired
// with one Unlock. Handles created separately for the same slot are distinct
// owners, even within one process.
type Lock struct {
	slot     Slot
	name     string
	id       Holder
	pid      int
	timeout  time.Duration
	pauser   pauser.Factory
	liveness process.Liveness
	recorder Recorder
	log      *zap.Logger
}

// New creates a lock handle on slot.
func New(slot Slot, opts Options) *Lock {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	pf := opts.Pauser
	if pf == nil {
		pf = func() pauser.Pauser { return pauser.NewBalanced() }
	}

	pid := opts.PID
	if pid == 0 {
		pid = process.PID()
	}

	liveness := opts.Liveness
	if liveness == nil {
		liveness = process.OS{}
	}

	log := opts.Logger
	if log == nil {
		log = zap.L()
	}

	return &Lock{
		slot:     slot,
		name:     slot.Name(),
		id:       newHolder(pid),
		pid:      pid,
		timeout:  timeout,
		pauser:   pf,
		liveness: liveness,
		recorder: opts.Recorder,
		log:      log.With(zap.String("lock", slot.Name())),
	}
}

// Name returns the slot name.
func (l *Lock) Name() string { return l.name }

// ID returns the holder value this handle writes into the slot.
func (l *Lock) ID() Holder { return l.id }

// livenessEvery is how many failed attempts pass between liveness checks.
const livenessEvery = 16

// Lock acquires the lock, waiting up to the configured timeout.
//
// When the timeout elapses the lock is taken by force and a warning is
// logged; Lock then returns nil holding the lock. A holder whose process is
// no longer alive is taken over without waiting for the timeout.
//
// Possible errors:
//   - [ErrInterrupted]: ctx was done before the lock was obtained (wraps
//     the context error)
func (l *Lock) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}

	start := time.Now()

	if l.slot.CompareAndSwap(uint64(Unlocked), uint64(l.id)) {
		l.acquired(start)

		return nil
	}

	deadline := start.Add(l.timeout)
	p := l.pauser()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrInterrupted, err)
		}

		cur := Holder(l.slot.Load())
		if cur == Unlocked {
			if l.slot.CompareAndSwap(uint64(Unlocked), uint64(l.id)) {
				l.acquired(start)

				return nil
			}

			continue
		}

		if attempt%livenessEvery == 0 && cur.PID() != l.pid && !l.liveness.Alive(cur.PID()) {
			if l.slot.CompareAndSwap(uint64(cur), uint64(l.id)) {
				l.log.Warn("Forced unlock: holder process is not alive",
					zap.Int("holder_pid", cur.PID()),
					zap.Stringer("holder", cur))
				l.forced(ReasonDeadHolder)
				l.acquired(start)

				return nil
			}

			continue
		}

		if !time.Now().Before(deadline) {
			prev := Holder(l.slot.Swap(uint64(l.id)))
			l.log.Warn("Forced unlock due to timeout",
				zap.Duration("timeout", l.timeout),
				zap.Int("holder_pid", prev.PID()),
				zap.Stringer("holder", prev))
			l.forced(ReasonTimeout)
			l.acquired(start)

			return nil
		}

		p.Pause()
	}
}

// Unlock releases the lock if this handle holds it.
//
// If the lock is free, or held by another owner, Unlock logs a warning and
// leaves the slot untouched.
func (l *Lock) Unlock() {
	cur := Holder(l.slot.Load())

	if cur == Unlocked {
		l.log.Warn("Write lock was already unlocked.")

		return
	}

	if cur == l.id && l.slot.CompareAndSwap(uint64(l.id), uint64(Unlocked)) {
		return
	}

	if cur == l.id {
		cur = Holder(l.slot.Load())
	}

	l.log.Warn("Write lock was locked by someone else!",
		zap.Int("holder_pid", cur.PID()),
		zap.Stringer("holder", cur),
		zap.Bool("holder_is_current_process", cur.PID() == l.pid))
}

// ForceUnlock clears the lock regardless of owner. A warning naming the
// previous holder is logged if the lock was held.
func (l *Lock) ForceUnlock() {
	prev := Holder(l.slot.Swap(uint64(Unlocked)))
	if prev == Unlocked {
		return
	}

	l.log.Warn("Forced unlock for the lock",
		zap.Int("holder_pid", prev.PID()),
		zap.Stringer("holder", prev),
		zap.Bool("holder_is_current_process", prev.PID() == l.pid))
	l.forced(ReasonForce)
}

// ForceUnlockQuietly clears the lock regardless of owner without logging.
func (l *Lock) ForceUnlockQuietly() {
	l.slot.Swap(uint64(Unlocked))
}

// Locked reports whether anyone holds the lock.
func (l *Lock) Locked() bool {
	return Holder(l.slot.Load()) != Unlocked
}

// Holder returns the current slot value.
func (l *Lock) Holder() Holder {
	return Holder(l.slot.Load())
}

// Owned reports whether this handle holds the lock.
func (l *Lock) Owned() bool {
	return Holder(l.slot.Load()) == l.id
}

// IsLockedByCurrentProcess reports whether the lock is held by any handle of
// this process. observer, if non-nil, is always called with the holder that
// was read ([Unlocked] if free).
func (l *Lock) IsLockedByCurrentProcess(observer func(Holder)) bool {
	cur := Holder(l.slot.Load())

	if observer != nil {
		observer(cur)
	}

	return cur != Unlocked && cur.PID() == l.pid
}

func (l *Lock) acquired(start time.Time) {
	if l.recorder != nil {
		l.recorder.LockAcquired(l.name, time.Since(start))
	}
}

func (l *Lock) forced(reason string) {
	if l.recorder != nil {
		l.recorder.LockForced(l.name, reason)
	}
}
