package segment

import "errors"

// Sentinel errors returned by segment operations. Use [errors.Is].
var (
	// ErrEmpty indicates a segment file with no published header: a
	// zero-length placeholder, or a file whose creator has not finished
	// initializing it. It is not corruption; readers skip such segments.
	ErrEmpty = errors.New("segment: empty")

	// ErrCorrupt indicates a published header that fails validation or a
	// frame that points outside the file.
	ErrCorrupt = errors.New("segment: corrupt")

	// ErrRecoveryLocked indicates the segment needs exclusive recovery
	// access (initialization or repair of an interrupted write) but another
	// live process holds it. The caller may retry later.
	ErrRecoveryLocked = errors.New("segment: cannot recover, locked by another process")

	// ErrSealed indicates an append to a segment that has been rolled past.
	ErrSealed = errors.New("segment: sealed")

	// ErrTooLarge indicates a payload larger than [MaxPayload].
	ErrTooLarge = errors.New("segment: payload too large")

	// ErrNotFound indicates a sequence number with no record in the segment.
	ErrNotFound = errors.New("segment: record not found")

	// ErrTxDone indicates use of a [Pending] frame after Commit or Abort.
	ErrTxDone = errors.New("segment: frame already committed or aborted")

	// ErrClosed indicates the [Segment] has already been closed.
	ErrClosed = errors.New("segment: closed")
)
