package timer

import "time"

// DefaultLinearMaxWait is the wakeup hint returned by Linear.Advance.
const DefaultLinearMaxWait = 10 * time.Millisecond

// Linear is an unsorted timer container scanned in full on every Advance.
// It has no quantization: a timer fires on the first Advance whose now is
// not before its due time. Cost per Advance is linear in the number of
// slots, so it suits small populations such as retransmission timers.
//
// Not safe for concurrent use.
type Linear struct {
	arena

	maxWait   time.Duration
	exec      []int32
	advancing bool
}

// NewLinear creates a Linear timer whose wakeup hint is now plus maxWait.
func NewLinear(maxWait time.Duration) *Linear {
	if maxWait <= 0 {
		maxWait = DefaultLinearMaxWait
	}
	return &Linear{
		arena:   arena{kind: kindAccurate},
		maxWait: maxWait,
	}
}

// Schedule registers cb to run on the first Advance at or after when.
func (l *Linear) Schedule(when time.Time, cb Callback, userData any) Handle {
	return l.ScheduleNamed("", when, cb, userData)
}

// ScheduleNamed is Schedule with a debug name attached to the slot.
func (l *Linear) ScheduleNamed(name string, when time.Time, cb Callback, userData any) Handle {
	h, _ := l.alloc(name, when, cb, userData)
	return h
}

// Cancel stops a pending timer and returns its user data.
func (l *Linear) Cancel(h Handle) (any, bool) {
	idx, ok := l.lookup(h)
	if !ok {
		return nil, false
	}
	userData, ok := l.markCancelled(idx)
	if !ok {
		return nil, false
	}
	if !l.slots[idx].queued {
		l.release(idx)
	}
	return userData, true
}

// Advance fires every live timer due at now. Timers scheduled by those
// callbacks wait for the next Advance.
func (l *Linear) Advance(now time.Time) time.Time {
	if l.advancing {
		return now.Add(l.maxWait)
	}

	for i := range l.slots {
		s := &l.slots[i]
		if !s.inUse || s.cancelled || s.queued || s.when.After(now) {
			continue
		}
		s.queued = true
		l.exec = append(l.exec, int32(i))
	}

	l.advancing = true
	for i := 0; i < len(l.exec); i++ {
		l.fire(l.exec[i], now)
	}
	l.exec = l.exec[:0]
	l.advancing = false

	return now.Add(l.maxWait)
}
