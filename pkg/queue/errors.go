package queue

import (
	"errors"

	"github.com/calvinalkan/rollq/pkg/segment"
	"github.com/calvinalkan/rollq/pkg/writelock"
)

// Sentinel errors returned by queue operations. Use [errors.Is].
var (
	// ErrClosed indicates the [Queue], [Appender] or [Tailer] is closed.
	ErrClosed = errors.New("queue: closed")

	// ErrIndexNotFound indicates [Tailer.MoveToIndex] was given an index
	// whose cycle has no segment or whose sequence has no record.
	ErrIndexNotFound = errors.New("queue: index not found")

	// ErrCycleFull indicates a cycle holds as many records as its index
	// sequence bits can address.
	ErrCycleFull = errors.New("queue: roll cycle is full")

	// ErrTxOpen indicates a new transaction was requested while the
	// previous one of the same [Appender] is still open.
	ErrTxOpen = errors.New("queue: previous transaction still open")

	// ErrTxDone indicates use of a transaction after it was committed,
	// rolled back or closed.
	ErrTxDone = errors.New("queue: transaction already finished")

	// ErrRecoveryLocked indicates the segment needed for the operation
	// requires recovery that another live process prevents. Retry later.
	ErrRecoveryLocked = segment.ErrRecoveryLocked

	// ErrSealed indicates a write into a cycle that was already rolled past.
	ErrSealed = segment.ErrSealed

	// ErrInterrupted indicates the context ended while waiting for the
	// write lock. No record was written.
	ErrInterrupted = writelock.ErrInterrupted
)
