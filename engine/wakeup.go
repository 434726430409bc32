package engine

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// wakeupBuffer coalesces wake requests. While any WakeupScope is open,
// Wake only records that a wakeup is owed; the last scope to close sends a
// single signal.
type wakeupBuffer struct {
	mu      sync.Mutex
	scopes  int
	pending bool

	signal  func()
	signals atomic.Uint64
	log     *zap.Logger
}

// WakeupScope defers wakeups until Release.
type WakeupScope struct {
	n        *Network
	released atomic.Bool
}

// BufferWakeups opens a scope. Every scope must be released exactly once;
// extra Release calls are ignored.
func (n *Network) BufferWakeups() *WakeupScope {
	n.wakeups.mu.Lock()
	n.wakeups.scopes++
	n.wakeups.mu.Unlock()
	return &WakeupScope{n: n}
}

// Release closes the scope and sends the owed wakeup if it was the last.
func (s *WakeupScope) Release() {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	b := &s.n.wakeups
	b.mu.Lock()
	b.scopes--
	if b.scopes < 0 {
		b.log.DPanic("wakeup scope count went negative", zap.Int("scopes", b.scopes))
		b.scopes = 0
	}
	fire := b.scopes == 0 && b.pending
	if fire {
		b.pending = false
	}
	b.mu.Unlock()

	if fire {
		b.signal()
	}
}

// Wake asks the dispatch goroutine to stop polling and take the lock on its
// next tick.
func (n *Network) Wake() {
	b := &n.wakeups
	b.mu.Lock()
	if b.scopes > 0 {
		b.pending = true
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.signal()
}

func (n *Network) signal() {
	n.wakeups.signals.Add(1)
	n.pending.Store(true)
	n.io.wake()
}
