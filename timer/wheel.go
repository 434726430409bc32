// wheel.go
//
// Coarse timer wheel: a ring of fixed-size time slots plus an ordered
// overflow tree for timers further out than one revolution.
//
// Scheduling and cancellation are O(1) for ring entries and O(log n) for
// overflow entries. Advancing costs one step per elapsed slot, clamped to the
// ring length so a long stall (debugger, suspend) walks the ring at most once.
//
// Not safe for concurrent use: callers serialize on the network lock.

package timer

import (
	"slices"
	"time"

	"github.com/google/btree"
)

// DefaultMaxIdle bounds the wakeup hint of an empty wheel.
const DefaultMaxIdle = 30 * time.Second

type overflowItem struct {
	when time.Time
	seq  uint64
	idx  int32
}

func overflowLess(a, b overflowItem) bool {
	if !a.when.Equal(b.when) {
		return a.when.Before(b.when)
	}
	return a.seq < b.seq
}

// Wheel is the coarse timer container.
//
// ring[(cur+k) % len(ring)] heads the chain of timers due during the k-th
// slot after the current one. A timer due at when is placed at offset
// floor((when-base)/quantum)+1: it is never walked before its due time and
// never fires in the same Advance that scheduled it.
type Wheel struct {
	arena

	quantum time.Duration
	maxIdle time.Duration

	ring []int32
	cur  int
	base time.Time // start of the current slot

	overflow *btree.BTreeG[overflowItem]
	seq      uint64

	exec      []int32
	advancing bool
}

// NewWheel creates a wheel whose current slot starts at now. hz is the number
// of slots per second and slots the ring length.
func NewWheel(now time.Time, hz, slots int, maxIdle time.Duration) *Wheel {
	if hz <= 0 {
		hz = 1
	}
	if slots <= 0 {
		slots = 1
	}
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	quantum := time.Second / time.Duration(hz)
	if quantum <= 0 {
		quantum = time.Nanosecond
	}

	w := &Wheel{
		arena:    arena{kind: kindWheel},
		quantum:  quantum,
		maxIdle:  maxIdle,
		ring:     make([]int32, slots),
		base:     now,
		overflow: btree.NewG[overflowItem](16, overflowLess),
	}
	for i := range w.ring {
		w.ring[i] = -1
	}
	return w
}

// Quantum returns the duration of one slot.
func (w *Wheel) Quantum() time.Duration {
	return w.quantum
}

// Schedule registers cb to run at or after when.
func (w *Wheel) Schedule(when time.Time, cb Callback, userData any) Handle {
	return w.ScheduleNamed("", when, cb, userData)
}

// ScheduleNamed is Schedule with a debug name attached to the slot.
func (w *Wheel) ScheduleNamed(name string, when time.Time, cb Callback, userData any) Handle {
	if when.Before(w.base) {
		when = w.base
	}
	h, idx := w.alloc(name, when, cb, userData)

	offset := int64(when.Sub(w.base)/w.quantum) + 1
	if offset > int64(len(w.ring)) {
		w.seq++
		s := &w.slots[idx]
		s.overflow = true
		s.seq = w.seq
		w.overflow.ReplaceOrInsert(overflowItem{when: when, seq: w.seq, idx: idx})
		return h
	}

	pos := (w.cur + int(offset)) % len(w.ring)
	w.slots[idx].next = w.ring[pos]
	w.ring[pos] = idx
	return h
}

// Cancel stops a pending timer and returns its user data. Cancelling a
// timer that already fired, was already cancelled, or belongs to another
// container returns (nil, false).
func (w *Wheel) Cancel(h Handle) (any, bool) {
	idx, ok := w.lookup(h)
	if !ok {
		return nil, false
	}
	userData, ok := w.markCancelled(idx)
	if !ok {
		return nil, false
	}
	s := &w.slots[idx]
	if s.overflow && !s.queued {
		w.overflow.Delete(overflowItem{when: s.when, seq: s.seq})
		w.release(idx)
	}
	// Ring entries stay chained and are reaped when their slot is walked.
	return userData, true
}

// Advance walks every slot that ended at or before now, fires the timers
// found there and any overflow timers that are due, and returns the time of
// the next pending timer (or now plus the idle bound).
func (w *Wheel) Advance(now time.Time) time.Time {
	if w.advancing {
		return w.nextWakeup(now)
	}

	var elapsed int64
	if now.After(w.base) {
		elapsed = int64(now.Sub(w.base) / w.quantum)
	}
	walk := elapsed
	if walk > int64(len(w.ring)) {
		walk = int64(len(w.ring))
	}

	start := w.base
	for i := int64(0); i < walk; i++ {
		w.cur = (w.cur + 1) % len(w.ring)
		for idx := w.ring[w.cur]; idx >= 0; {
			s := &w.slots[idx]
			next := s.next
			s.next = -1
			s.queued = true
			w.exec = append(w.exec, idx)
			idx = next
		}
		w.ring[w.cur] = -1
	}
	w.base = w.base.Add(time.Duration(elapsed) * w.quantum)

	fromRing := len(w.exec)
	for {
		item, ok := w.overflow.Min()
		if !ok || item.when.After(now) {
			break
		}
		w.overflow.DeleteMin()
		s := &w.slots[item.idx]
		s.overflow = false
		s.queued = true
		w.exec = append(w.exec, item.idx)
	}
	if fromRing > 0 && len(w.exec) > fromRing {
		w.sortExec(start)
	}

	w.advancing = true
	for i := 0; i < len(w.exec); i++ {
		w.fire(w.exec[i], now)
	}
	w.exec = w.exec[:0]
	w.advancing = false

	return w.nextWakeup(now)
}

// sortExec orders the execution list by the slot each timer fell due in,
// counted from start. Overflow timers due mid-walk land among the ring
// entries of their slot; order within a slot is kept.
func (w *Wheel) sortExec(start time.Time) {
	slotOf := func(idx int32) int64 {
		return int64(w.slots[idx].when.Sub(start) / w.quantum)
	}
	slices.SortStableFunc(w.exec, func(a, b int32) int {
		sa, sb := slotOf(a), slotOf(b)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	})
}

func (w *Wheel) nextWakeup(now time.Time) time.Time {
	next := now.Add(w.maxIdle)
	for k := 1; k <= len(w.ring); k++ {
		if w.ring[(w.cur+k)%len(w.ring)] >= 0 {
			if t := w.base.Add(time.Duration(k) * w.quantum); t.Before(next) {
				next = t
			}
			break
		}
	}
	if item, ok := w.overflow.Min(); ok && item.when.Before(next) {
		next = item.when
	}
	return next
}
