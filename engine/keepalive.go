package engine

import "sync/atomic"

// RefCount counts outstanding keep-alive guards. A nub holds one guard per
// handshake or unacknowledged disconnect and refuses to close its socket
// while the count is above zero.
type RefCount struct {
	count atomic.Int64
}

// KeepAlive is a guard on a RefCount.
type KeepAlive struct {
	rc       *RefCount
	released atomic.Bool
}

// Acquire increments the count and returns the guard that undoes it.
func (r *RefCount) Acquire() *KeepAlive {
	r.count.Add(1)
	return &KeepAlive{rc: r}
}

// Count returns the number of guards not yet released.
func (r *RefCount) Count() int {
	return int(r.count.Load())
}

// Release decrements the count once. Further calls, and calls on a nil
// guard, do nothing.
func (k *KeepAlive) Release() {
	if k == nil || !k.released.CompareAndSwap(false, true) {
		return
	}
	k.rc.count.Add(-1)
}
