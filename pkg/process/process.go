// Package process reports process identity and liveness.
//
// Lock holders are identified by process id. When a holder stops making
// progress, the lock and segment recovery paths ask a [Liveness] whether the
// holder still exists before taking over its work.
package process

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Liveness reports whether a process is currently running.
type Liveness interface {
	Alive(pid int) bool
}

// OS checks liveness with kill(pid, 0).
type OS struct{}

// Alive reports whether pid exists on this host.
//
// A process we are not permitted to signal (EPERM) still exists and is
// reported alive. pid <= 0 is never alive.
func (OS) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}

	if pid == os.Getpid() {
		return true
	}

	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}

	return errors.Is(err, unix.EPERM)
}

// Func adapts a function to [Liveness].
type Func func(pid int) bool

// Alive calls f(pid).
func (f Func) Alive(pid int) bool { return f(pid) }

// PID returns the current process id.
func PID() int {
	return os.Getpid()
}

// Compile-time interface checks.
var (
	_ Liveness = OS{}
	_ Liveness = Func(nil)
)
