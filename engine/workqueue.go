package engine

import "sync"

// workQueue collects closures posted from outside the network lock. It has
// its own mutex so producers never contend with the dispatch loop. Two
// slices are swapped on every drain to keep their capacity.
type workQueue struct {
	mu    sync.Mutex
	items []func()
	spare []func()
}

func (q *workQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain takes every queued closure. Closures pushed while the result is
// being run land in the next drain.
func (q *workQueue) drain() []func() {
	q.mu.Lock()
	items := q.items
	q.items = q.spare[:0]
	q.spare = nil
	q.mu.Unlock()
	return items
}

func (q *workQueue) recycle(items []func()) {
	clear(items)
	q.mu.Lock()
	if q.spare == nil {
		q.spare = items[:0]
	}
	q.mu.Unlock()
}
