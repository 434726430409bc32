// slot.go
//
// Callback slots shared by both timer containers.
//
// Slots live in a flat arena indexed by int32. Released indices go to a
// free-list and are handed out again by the next Schedule; every release
// bumps the slot generation so handles to the previous occupant stop
// resolving.

package timer

import "time"

// Handle identifies a scheduled callback. The zero Handle is never returned
// by Schedule.
//
// Layout: bits 0..31 hold the arena index plus one, bits 32..62 the slot
// generation, bit 63 the timer kind.
type Handle uint64

// InvalidHandle is the zero Handle.
const InvalidHandle Handle = 0

// Callback is invoked once when a timer fires. now is the time passed to the
// Advance call that fired it.
type Callback func(h Handle, userData any, now time.Time)

// Scheduler is the contract shared by Wheel and Linear.
type Scheduler interface {
	Schedule(when time.Time, cb Callback, userData any) Handle
	Cancel(h Handle) (any, bool)
	Advance(now time.Time) time.Time
	Len() int
}

const (
	kindWheel    uint64 = 0
	kindAccurate uint64 = 1 << 63

	generationMask = 1<<31 - 1
)

func makeHandle(kind uint64, gen uint32, idx int32) Handle {
	return Handle(kind | uint64(gen&generationMask)<<32 | uint64(uint32(idx)+1))
}

func (h Handle) index() int32 {
	return int32(uint32(h)) - 1
}

func (h Handle) generation() uint32 {
	return uint32(h>>32) & generationMask
}

func (h Handle) kind() uint64 {
	return uint64(h) & kindAccurate
}

// Valid reports whether h is non-zero. It says nothing about whether the
// timer is still pending.
func (h Handle) Valid() bool {
	return h != InvalidHandle
}

// Accurate reports whether h was issued by a Linear timer.
func (h Handle) Accurate() bool {
	return h.kind() == kindAccurate
}

type slot struct {
	cb       Callback
	userData any
	when     time.Time
	name     string

	next int32 // wheel chain link, -1 terminates
	seq  uint64
	gen  uint32

	inUse     bool
	cancelled bool // cancelled, or already fired
	queued    bool // sitting in an execution list
	overflow  bool // wheel only: lives in the overflow tree
}

type arena struct {
	kind  uint64
	slots []slot
	free  []int32
	live  int
}

func (a *arena) alloc(name string, when time.Time, cb Callback, userData any) (Handle, int32) {
	var idx int32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot{})
		idx = int32(len(a.slots) - 1)
	}

	s := &a.slots[idx]
	gen := s.gen
	*s = slot{
		cb:       cb,
		userData: userData,
		when:     when,
		name:     name,
		next:     -1,
		gen:      gen,
		inUse:    true,
	}
	a.live++
	return makeHandle(a.kind, gen, idx), idx
}

func (a *arena) release(idx int32) {
	s := &a.slots[idx]
	gen := (s.gen + 1) & generationMask
	*s = slot{next: -1, gen: gen}
	a.free = append(a.free, idx)
	a.live--
}

func (a *arena) lookup(h Handle) (int32, bool) {
	if h == InvalidHandle || h.kind() != a.kind {
		return -1, false
	}
	idx := h.index()
	if idx < 0 || int(idx) >= len(a.slots) {
		return -1, false
	}
	s := &a.slots[idx]
	if !s.inUse || s.gen != h.generation() {
		return -1, false
	}
	return idx, true
}

// markCancelled flags a pending slot and returns its user data. It reports
// false when the slot already fired or was cancelled.
func (a *arena) markCancelled(idx int32) (any, bool) {
	s := &a.slots[idx]
	if s.cancelled {
		return nil, false
	}
	s.cancelled = true
	userData := s.userData
	s.userData = nil
	return userData, true
}

// fire runs the callback of a queued slot and releases it. The slot is
// flagged cancelled before the call so that a Cancel from inside the
// callback is a no-op, and the index is released only afterwards so a
// Schedule from inside the callback cannot be handed the same index.
func (a *arena) fire(idx int32, now time.Time) {
	s := &a.slots[idx]
	s.queued = false
	if s.cancelled {
		a.release(idx)
		return
	}
	s.cancelled = true
	cb, userData := s.cb, s.userData
	h := makeHandle(a.kind, s.gen, idx)
	if cb != nil {
		cb(h, userData, now)
	}
	// a.slots may have been reallocated by a Schedule inside cb.
	a.release(idx)
}

// Name returns the debug name given to a pending timer, or "".
func (a *arena) Name(h Handle) string {
	idx, ok := a.lookup(h)
	if !ok || a.slots[idx].cancelled {
		return ""
	}
	return a.slots[idx].name
}

// Len reports the number of slots not yet released, including cancelled
// wheel entries that have not been reaped yet.
func (a *arena) Len() int {
	return a.live
}
