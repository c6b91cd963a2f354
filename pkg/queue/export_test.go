package queue

// OpenSegmentsForTesting reports how many segment handles the queue caches.
func (q *Queue) OpenSegmentsForTesting() int {
	return q.openSegments()
}
