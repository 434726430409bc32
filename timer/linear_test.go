package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearFiresOnExactTick(t *testing.T) {
	l := NewLinear(10 * time.Millisecond)
	var fired []firing

	when := t0.Add(15 * time.Millisecond)
	h := l.Schedule(when, recorder(&fired), "retransmit")
	require.True(t, h.Accurate())

	l.Advance(when.Add(-time.Nanosecond))
	assert.Empty(t, fired)

	l.Advance(when)
	require.Len(t, fired, 1)
	assert.Equal(t, when, fired[0].now)
	assert.Equal(t, "retransmit", fired[0].data)

	l.Advance(when.Add(time.Second))
	assert.Len(t, fired, 1)
	assert.Equal(t, 0, l.Len())
}

func TestLinearZeroLatency(t *testing.T) {
	l := NewLinear(0)
	var fired []firing

	l.Schedule(t0, recorder(&fired), nil)
	l.Advance(t0)
	assert.Len(t, fired, 1)
}

func TestLinearWakeupHintIsConstant(t *testing.T) {
	l := NewLinear(10 * time.Millisecond)
	assert.Equal(t, t0.Add(10*time.Millisecond), l.Advance(t0))

	l.Schedule(t0.Add(time.Hour), func(Handle, any, time.Time) {}, nil)
	assert.Equal(t, t0.Add(10*time.Millisecond), l.Advance(t0))

	l.Schedule(t0.Add(time.Millisecond), func(Handle, any, time.Time) {}, nil)
	assert.Equal(t, t0.Add(10*time.Millisecond), l.Advance(t0))
}

func TestLinearCancel(t *testing.T) {
	l := NewLinear(0)
	var fired []firing

	h := l.Schedule(t0.Add(5*time.Second), recorder(&fired), "data")
	l.Advance(t0.Add(2 * time.Second))

	data, ok := l.Cancel(h)
	require.True(t, ok)
	assert.Equal(t, "data", data)
	assert.Equal(t, 0, l.Len())

	l.Advance(t0.Add(6 * time.Second))
	assert.Empty(t, fired)

	_, ok = l.Cancel(h)
	assert.False(t, ok)
}

func TestLinearCancelAfterFire(t *testing.T) {
	l := NewLinear(0)
	var fired []firing

	h := l.Schedule(t0, recorder(&fired), "data")
	l.Advance(t0)
	require.Len(t, fired, 1)

	data, ok := l.Cancel(h)
	assert.False(t, ok)
	assert.Nil(t, data)

	l.Advance(t0.Add(time.Second))
	assert.Len(t, fired, 1)
}

func TestLinearCallbackScheduledTimersWaitForNextPass(t *testing.T) {
	l := NewLinear(0)
	var fired []firing

	var other Handle
	l.Schedule(t0, func(_ Handle, _ any, now time.Time) {
		_, ok := l.Cancel(other)
		assert.True(t, ok)
		l.Schedule(now, recorder(&fired), "next")
	}, nil)
	other = l.Schedule(t0, recorder(&fired), "other")

	l.Advance(t0)
	assert.Empty(t, fired)

	l.Advance(t0)
	require.Len(t, fired, 1)
	assert.Equal(t, "next", fired[0].data)
	assert.Equal(t, 0, l.Len())
}

func TestLinearReusesSlots(t *testing.T) {
	l := NewLinear(0)
	noop := func(Handle, any, time.Time) {}

	for round := 0; round < 5; round++ {
		for i := 0; i < 8; i++ {
			l.Schedule(t0, noop, nil)
		}
		l.Advance(t0)
	}
	assert.Len(t, l.slots, 8)
	assert.Equal(t, 0, l.Len())
}

func TestSchedulersShareContract(t *testing.T) {
	for name, s := range map[string]Scheduler{
		"wheel":  NewWheel(t0, 100, 64, 0),
		"linear": NewLinear(0),
	} {
		t.Run(name, func(t *testing.T) {
			var fired []firing
			h := s.Schedule(t0.Add(time.Second), recorder(&fired), name)
			assert.Equal(t, 1, s.Len())

			s.Advance(t0.Add(2 * time.Second))
			require.Len(t, fired, 1)
			assert.Equal(t, name, fired[0].data)

			_, ok := s.Cancel(h)
			assert.False(t, ok)
		})
	}
}
