package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drio/crynet/config"
	"github.com/drio/crynet/timer"
)

// ErrShutdown is returned once the network has been shut down.
var ErrShutdown = errors.New("network shut down")

// Role orders members: nubs tick before services, services before utilities.
type Role int

const (
	RoleNub Role = iota
	RoleService
	RoleUtility
)

func (r Role) String() string {
	switch r {
	case RoleNub:
		return "nub"
	case RoleService:
		return "service"
	case RoleUtility:
		return "utility"
	default:
		return "unknown"
	}
}

// Member is a component driven by the network. Every method is called with
// the network lock held.
type Member interface {
	Role() Role
	Tick(now time.Time)
	Cleanup(now time.Time)
}

// Terminator is implemented by members that hold OS resources. Shutdown
// calls Terminate, with the lock held, in reverse registration order.
type Terminator interface {
	Terminate() error
}

type memberEntry struct {
	m       Member
	removed bool
}

// Stats holds diagnostic counters.
type Stats struct {
	IdlePolls    uint64
	SkippedLocks uint64
	Dropped      uint64
	WakeSignals  uint64
}

// Option configures a Network.
type Option func(*Network)

// WithClock replaces time.Now as the source of tick times.
func WithClock(clock func() time.Time) Option {
	return func(n *Network) {
		n.clock = clock
	}
}

// Network is the shared context of the dispatch layer: the network lock,
// both timers, the registered members, the work queue and the socket I/O
// layer. State behind mu is only touched with the lock held.
type Network struct {
	cfg   config.Engine
	log   *zap.Logger
	clock func() time.Time

	mu sync.Mutex

	wheel  *timer.Wheel
	linear *timer.Linear

	members    []*memberEntry
	joining    []*memberEntry
	iterating  int
	cleanupIdx int

	work    workQueue
	io      *SocketIO
	wakeups wakeupBuffer

	// Set by the dispatch goroutine when it skipped locked work, and by
	// Wake; forces the lock on the next tick.
	pending    atomic.Bool
	lastLocked time.Time

	closed   atomic.Bool
	started  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	shutOnce sync.Once

	idlePolls    atomic.Uint64
	skippedLocks atomic.Uint64
}

// New creates a Network. A nil logger discards output.
func New(cfg config.Engine, logger *zap.Logger, opts ...Option) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Network{
		cfg:   cfg,
		log:   logger.Named("engine"),
		clock: time.Now,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	now := n.clock()
	n.wheel = timer.NewWheel(now, cfg.TimerHz, cfg.WheelSlots, cfg.MaxIdleWait)
	n.linear = timer.NewLinear(cfg.LinearMaxWait)
	n.io = newSocketIO(cfg.QueueSize, cfg.MaxBatch, n.log)
	n.wakeups.signal = n.signal
	n.wakeups.log = n.log
	n.lastLocked = now
	return n, nil
}

// Now returns the current time of the network clock.
func (n *Network) Now() time.Time {
	return n.clock()
}

// Config returns the engine configuration.
func (n *Network) Config() config.Engine {
	return n.cfg
}

// Logger returns the network logger.
func (n *Network) Logger() *zap.Logger {
	return n.log
}

// IO returns the socket I/O layer.
func (n *Network) IO() *SocketIO {
	return n.io
}

// Register adds m to the member list. The lock must be held.
func (n *Network) Register(m Member) {
	e := &memberEntry{m: m}
	if n.iterating > 0 {
		n.joining = append(n.joining, e)
		return
	}
	n.insertMember(e)
}

func (n *Network) insertMember(e *memberEntry) {
	i := len(n.members)
	for i > 0 && n.members[i-1].m.Role() > e.m.Role() {
		i--
	}
	n.members = slices.Insert(n.members, i, e)
}

// Unregister removes m. It is safe to call from inside a member callback.
// The lock must be held.
func (n *Network) Unregister(m Member) {
	for _, e := range n.members {
		if e.m == m {
			e.removed = true
		}
	}
	n.joining = slices.DeleteFunc(n.joining, func(e *memberEntry) bool { return e.m == m })
	if n.iterating == 0 {
		n.compactMembers()
	}
}

// Members returns the number of registered members. The lock must be held.
func (n *Network) Members() int {
	count := len(n.joining)
	for _, e := range n.members {
		if !e.removed {
			count++
		}
	}
	return count
}

func (n *Network) compactMembers() {
	n.members = slices.DeleteFunc(n.members, func(e *memberEntry) bool { return e.removed })
	for _, e := range n.joining {
		n.insertMember(e)
	}
	n.joining = n.joining[:0]
	if n.cleanupIdx >= len(n.members) {
		n.cleanupIdx = 0
	}
}

func (n *Network) eachMember(fn func(m Member)) {
	n.iterating++
	for i := 0; i < len(n.members); i++ {
		if e := n.members[i]; !e.removed {
			fn(e.m)
		}
	}
	n.iterating--
	if n.iterating == 0 {
		n.compactMembers()
	}
}

// ScheduleTimer schedules cb on the coarse wheel. The lock must be held.
func (n *Network) ScheduleTimer(when time.Time, cb timer.Callback, userData any) timer.Handle {
	return n.wheel.Schedule(when, cb, userData)
}

// ScheduleTimerNamed is ScheduleTimer with a debug name.
func (n *Network) ScheduleTimerNamed(name string, when time.Time, cb timer.Callback, userData any) timer.Handle {
	return n.wheel.ScheduleNamed(name, when, cb, userData)
}

// ScheduleAccurate schedules cb on the linear-scan timer. The lock must be
// held.
func (n *Network) ScheduleAccurate(when time.Time, cb timer.Callback, userData any) timer.Handle {
	return n.linear.Schedule(when, cb, userData)
}

// ScheduleAccurateNamed is ScheduleAccurate with a debug name.
func (n *Network) ScheduleAccurateNamed(name string, when time.Time, cb timer.Callback, userData any) timer.Handle {
	return n.linear.ScheduleNamed(name, when, cb, userData)
}

// CancelTimer cancels a handle from either timer. The lock must be held.
func (n *Network) CancelTimer(h timer.Handle) (any, bool) {
	if !h.Valid() {
		return nil, false
	}
	if h.Accurate() {
		return n.linear.Cancel(h)
	}
	return n.wheel.Cancel(h)
}

// TimerName returns the debug name of a pending timer. The lock must be held.
func (n *Network) TimerName(h timer.Handle) string {
	if h.Accurate() {
		return n.linear.Name(h)
	}
	return n.wheel.Name(h)
}

// Do runs fn with the lock held. fn must not call Do.
func (n *Network) Do(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn()
}

// Post queues fn to run on the next locked pass without taking the lock.
func (n *Network) Post(fn func()) error {
	if n.closed.Load() {
		return ErrShutdown
	}
	n.work.push(fn)
	n.Wake()
	return nil
}

// Synchronize is the per-frame entry point of the primary goroutine. It
// advances both timers, ticks every member in role order and runs queued
// work. It returns the earlier of the two timer wakeup hints.
func (n *Network) Synchronize(now time.Time) time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()

	next := earliest(n.wheel.Advance(now), n.linear.Advance(now))
	n.eachMember(func(m Member) { m.Tick(now) })
	n.flushWork()
	return next
}

// Start runs the dispatch loop on its own goroutine until ctx is done or
// Shutdown is called.
func (n *Network) Start(ctx context.Context) {
	if !n.started.CompareAndSwap(false, true) {
		return
	}
	ctx, n.cancel = context.WithCancel(ctx)
	go n.run(ctx)
}

// Done is closed when the dispatch goroutine exits.
func (n *Network) Done() <-chan struct{} {
	return n.done
}

// Shutdown stops the dispatch goroutine, terminates members in reverse
// registration order and closes the socket I/O layer.
func (n *Network) Shutdown() {
	n.shutOnce.Do(func() {
		n.closed.Store(true)
		n.io.close()
		if n.started.Load() {
			n.cancel()
			<-n.done
		}

		n.mu.Lock()
		n.flushWork()
		n.iterating++
		for i := len(n.members) - 1; i >= 0; i-- {
			e := n.members[i]
			if e.removed {
				continue
			}
			if t, ok := e.m.(Terminator); ok {
				if err := t.Terminate(); err != nil {
					n.log.Warn("member terminate failed", zap.Stringer("role", e.m.Role()), zap.Error(err))
				}
			}
		}
		n.iterating--
		n.members = nil
		n.joining = nil
		n.mu.Unlock()

		n.io.wait()
		n.log.Info("network shut down",
			zap.Uint64("idle_polls", n.idlePolls.Load()),
			zap.Uint64("dropped", n.io.dropped.Load()))
	})
}

// Stats returns the diagnostic counters.
func (n *Network) Stats() Stats {
	return Stats{
		IdlePolls:    n.idlePolls.Load(),
		SkippedLocks: n.skippedLocks.Load(),
		Dropped:      n.io.dropped.Load(),
		WakeSignals:  n.wakeups.signals.Load(),
	}
}

func (n *Network) flushWork() {
	items := n.work.drain()
	for _, fn := range items {
		n.runWork(fn)
	}
	n.work.recycle(items)
}

func (n *Network) runWork(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("queued work panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

func earliest(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
