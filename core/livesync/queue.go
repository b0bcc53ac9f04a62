package livesync

import (
	"sync"

	"github.com/trezcool/masomo-gate/core/realtime"
)

// changeQueue holds back the changes pushed while a read of the records of reference is
// in flight. They are replayed on top of the read result, so a write landing between the
// read and the store update is never overwritten by the older snapshot.
// Replaying a change that the read already saw is harmless: rows are applied whole.
type changeQueue struct {
	mu      sync.Mutex
	reading int
	pending []realtime.Change
}

// hold queues change if a read is in flight. The caller applies it otherwise.
func (q *changeQueue) hold(change realtime.Change) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.reading == 0 {
		return false
	}
	q.pending = append(q.pending, change)
	return true
}

// read calls fetch, then set with its result and replay with every change queued meanwhile,
// in arrival order. Queued changes are replayed even when fetch or set fail.
func (q *changeQueue) read(fetch func() error, set func() error, replay func(realtime.Change)) error {
	q.mu.Lock()
	q.reading++
	start := len(q.pending)
	q.mu.Unlock()

	err := fetch()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.reading--
	queued := q.pending[start:]
	if q.reading == 0 {
		q.pending = nil
	}

	if err == nil {
		err = set()
	}
	for _, change := range queued {
		replay(change)
	}
	return err
}
