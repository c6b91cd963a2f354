// Package tablestore provides a small memory-mapped table of named 64-bit
// slots shared by every process that opens the same file.
//
// A queue directory holds exactly one table store. The queue keeps its
// cross-process state there: write lock slots, the highest known cycle, and
// the metadata seed (roll cycle policy) written when the store was created.
//
// # Basic Usage
//
//	store, err := tablestore.Open(tablestore.Options{
//	    Path:     filepath.Join(dir, "metadata.rqt"),
//	    Metadata: seed,
//	})
//	if err != nil {
//	    // ErrCorrupt: the file is damaged and cannot be used
//	}
//	defer store.Close()
//
//	slot, err := store.AcquireSlot("write.lock")
//	if slot.CompareAndSwap(0, myID) {
//	    // ...
//	}
//
// # Concurrency
//
// Slot operations are single atomic 64-bit loads, stores, swaps and CAS
// operations on the shared mapping. They are visible to other processes
// immediately; no flushing is involved. Creating the file and allocating new
// slot names are serialized across processes with a flock on Path+".lock".
//
// Handles opened on the same file within one process share one mapping,
// which is unmapped when the last handle is closed.
package tablestore
