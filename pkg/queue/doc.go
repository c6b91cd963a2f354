// Package queue is a persisted, append-only message queue stored as one
// memory-mapped file per roll cycle.
//
// A queue directory holds the metadata table store ([MetadataFile]) and a
// segment file per cycle, named by the queue's [rollcycle.RollCycle]:
//
//	/var/lib/app/events/
//	├── metadata.rqt
//	├── 19700101-0000X.rq4
//	└── 19700101-0010X.rq4
//
// Any number of processes may open the same directory. Appends are
// serialized across all of them by a write lock kept in the table store;
// readers take no lock at all.
//
// # Basic Usage
//
//	q, err := queue.Open(dir, queue.Options{RollCycle: rollcycle.TenMinutely})
//	if err != nil {
//	    return err
//	}
//	defer q.Close()
//
//	app := q.Appender()
//	defer app.Close()
//
//	idx, err := app.Append(ctx, []byte("hello"))
//
//	t := q.Tailer()
//	defer t.Close()
//
//	for {
//	    payload, idx, ok, err := t.Next()
//	    if err != nil || !ok {
//	        break // caught up; poll again later
//	    }
//	    // ...
//	}
//
// # Indices
//
// Every committed record has an index combining its cycle with its sequence
// number inside the cycle (see [rollcycle.RollCycle.ToIndex]). Indices are
// strictly increasing in commit order across all appenders and processes.
//
// # Rolling
//
// An append goes to the later of the clock's current cycle and the latest
// cycle any appender has written, so the queue never rolls backwards when
// clocks disagree. Moving to a new cycle writes an end-of-cycle marker into
// the previous segment.
//
// Zero-length segment files are legal. Tailers skip them, along with
// missing cycles, without locking.
//
// # Crash Safety
//
// A writer that dies mid-append leaves an incomplete frame. The next append
// clears it once the writer's process is gone; records committed before it
// are never touched. A write lock held by a dead process is taken over
// without waiting, and any lock held longer than [Options.Timeout] is taken
// by force with a warning.
package queue
