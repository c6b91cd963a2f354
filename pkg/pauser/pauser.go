// Package pauser provides wait strategies for spin-waiting on shared state.
//
// A [Pauser] is used by a single waiter: call [Pauser.Pause] once per failed
// attempt and [Pauser.Reset] after success. Strategies differ in how quickly
// they give up the CPU:
//
//   - [Busy]: never yields; lowest latency, burns a core
//   - [Yielding]: spins briefly, then yields the processor
//   - [Sleepy]: sleeps a fixed interval every time
//   - [Balanced]: spins, then yields, then sleeps with exponential backoff
//
// Pausers are not safe for concurrent use; create one per waiter via a
// [Factory].
package pauser

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Pauser is a wait strategy for one waiter.
type Pauser interface {
	// Pause waits once. Successive calls without Reset may wait longer.
	Pause()

	// Reset returns the strategy to its initial (shortest) wait.
	Reset()
}

// Factory creates a fresh [Pauser].
type Factory func() Pauser

// Strategy names accepted by [ByName].
const (
	NameBusy     = "busy"
	NameYielding = "yielding"
	NameSleepy   = "sleepy"
	NameBalanced = "balanced"
)

// ByName returns a factory for the named strategy.
func ByName(name string) (Factory, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameBusy:
		return func() Pauser { return NewBusy() }, nil
	case NameYielding:
		return func() Pauser { return NewYielding() }, nil
	case NameSleepy:
		return func() Pauser { return NewSleepy(time.Millisecond) }, nil
	case NameBalanced, "":
		return func() Pauser { return NewBalanced() }, nil
	default:
		return nil, fmt.Errorf("pauser: unknown strategy %q", name)
	}
}

// Busy spins without yielding.
type Busy struct{}

// NewBusy returns a busy-spin pauser.
func NewBusy() *Busy { return &Busy{} }

// Pause returns immediately.
func (*Busy) Pause() {}

// Reset is a no-op.
func (*Busy) Reset() {}

// Yielding spins for a fixed number of pauses, then yields the processor on
// every pause.
type Yielding struct {
	count int
}

const yieldingSpins = 50

// NewYielding returns a yielding pauser.
func NewYielding() *Yielding { return &Yielding{} }

// Pause spins for the first few calls, then calls [runtime.Gosched].
func (p *Yielding) Pause() {
	p.count++
	if p.count <= yieldingSpins {
		return
	}

	runtime.Gosched()
}

// Reset restarts the spin phase.
func (p *Yielding) Reset() { p.count = 0 }

// Sleepy sleeps a fixed interval on every pause.
type Sleepy struct {
	interval time.Duration
}

// NewSleepy returns a pauser sleeping interval per pause.
func NewSleepy(interval time.Duration) *Sleepy {
	return &Sleepy{interval: interval}
}

// Pause sleeps for the configured interval.
func (p *Sleepy) Pause() { time.Sleep(p.interval) }

// Reset is a no-op.
func (*Sleepy) Reset() {}

// Balanced spins, then yields, then sleeps with exponential backoff from
// 20µs up to 1ms.
type Balanced struct {
	count int
	sleep time.Duration
}

const (
	balancedSpins    = 20
	balancedYields   = 50
	balancedMinSleep = 20 * time.Microsecond
	balancedMaxSleep = time.Millisecond
)

// NewBalanced returns a balanced pauser.
func NewBalanced() *Balanced {
	return &Balanced{sleep: balancedMinSleep}
}

// Pause waits according to the current phase.
func (p *Balanced) Pause() {
	p.count++

	switch {
	case p.count <= balancedSpins:
		return
	case p.count <= balancedSpins+balancedYields:
		runtime.Gosched()
	default:
		time.Sleep(p.sleep)
		p.sleep = min(p.sleep*2, balancedMaxSleep)
	}
}

// Reset restarts from the spin phase.
func (p *Balanced) Reset() {
	p.count = 0
	p.sleep = balancedMinSleep
}

// Compile-time interface checks.
var (
	_ Pauser = (*Busy)(nil)
	_ Pauser = (*Yielding)(nil)
	_ Pauser = (*Sleepy)(nil)
	_ Pauser = (*Balanced)(nil)
)
