// loop.go
//
// The dispatch loop. Each tick:
//
//  1. decides whether the network lock must be taken or may be skipped
//     when contended,
//  2. with the lock: advances both timers, ticks nub members when timers
//     and channels are strictly coupled, flushes posted work and cleans up
//     one member,
//  3. polls the socket I/O layer for a wait derived from the timer hints,
//  4. dispatches received datagrams under the lock.
//
// A poll that times out is not an error; it only bumps a counter.

package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Result tells the dispatch goroutine what to do after a tick.
type Result int

const (
	ResultContinue Result = iota
	// ResultQuit: the network is shut down and the goroutine must exit.
	ResultQuit
	// ResultSleep: the I/O layer delivered a full batch; stop polling for
	// this tick.
	ResultSleep
)

func (r Result) String() string {
	switch r {
	case ResultContinue:
		return "continue"
	case ResultQuit:
		return "quit"
	case ResultSleep:
		return "sleep"
	default:
		return "unknown"
	}
}

// Tick runs one iteration of the dispatch loop and returns its result and
// the poll wait it used.
func (n *Network) Tick(now time.Time) (Result, time.Duration) {
	if n.closed.Load() {
		return ResultQuit, 0
	}

	next := now.Add(n.cfg.MaxWait)
	if n.lockForTick(now) {
		next = n.lockedPass(now)
		n.mu.Unlock()
	}

	wait := n.clampWait(next.Sub(now))
	return n.poll(wait), wait
}

func (n *Network) lockForTick(now time.Time) bool {
	must := n.pending.Swap(false) ||
		n.work.len() > n.cfg.WorkBacklogThreshold ||
		(n.cfg.ForceLockAfter > 0 && now.Sub(n.lastLocked) >= n.cfg.ForceLockAfter)

	if must {
		n.mu.Lock()
	} else if !n.mu.TryLock() {
		n.pending.Store(true)
		n.skippedLocks.Add(1)
		return false
	}
	n.lastLocked = now
	return true
}

func (n *Network) lockedPass(now time.Time) time.Time {
	next := earliest(n.wheel.Advance(now), n.linear.Advance(now))
	if n.cfg.StrictTimerCoupling {
		n.eachMember(func(m Member) {
			if m.Role() == RoleNub {
				m.Tick(now)
			}
		})
	}
	n.flushWork()
	n.cleanupOne(now)
	return next
}

// cleanupOne runs Cleanup on a single member per tick, round robin.
func (n *Network) cleanupOne(now time.Time) {
	if len(n.members) == 0 {
		return
	}
	n.iterating++
	for range len(n.members) {
		e := n.members[n.cleanupIdx%len(n.members)]
		n.cleanupIdx = (n.cleanupIdx + 1) % len(n.members)
		if !e.removed {
			e.m.Cleanup(now)
			break
		}
	}
	n.iterating--
	if n.iterating == 0 {
		n.compactMembers()
	}
}

func (n *Network) clampWait(wait time.Duration) time.Duration {
	if wait < n.cfg.MinWait {
		wait = n.cfg.MinWait
	}
	if wait > n.cfg.MaxWait {
		wait = n.cfg.MaxWait
	}
	return wait
}

func (n *Network) poll(wait time.Duration) Result {
	start := time.Now()
	for {
		pollWait := wait
		if n.cfg.Multiplayer {
			if left := n.cfg.PollBudget - time.Since(start); left < pollWait {
				pollWait = max(left, 0)
			}
		}

		batch, woken, err := n.io.Poll(pollWait)
		if errors.Is(err, ErrShutdown) {
			return ResultQuit
		}
		if woken {
			// Posted work is waiting; the next tick takes the lock.
			return ResultContinue
		}

		if len(batch) == 0 {
			n.idlePolls.Add(1)
			n.log.Debug("idle poll", zap.Duration("wait", pollWait))
		} else if result := n.dispatch(batch); result != ResultContinue {
			return result
		}

		if !n.cfg.Multiplayer || time.Since(start) >= n.cfg.PollBudget {
			return ResultContinue
		}
	}
}

func (n *Network) dispatch(batch []Datagram) Result {
	n.mu.Lock()
	now := n.clock()
	for i := range batch {
		batch[i].sink.HandlePacket(batch[i].From, batch[i].Data, now)
		batch[i] = Datagram{}
	}
	n.mu.Unlock()

	if n.closed.Load() {
		return ResultQuit
	}
	if len(batch) >= n.cfg.MaxBatch {
		return ResultSleep
	}
	return ResultContinue
}

func (n *Network) run(ctx context.Context) {
	defer close(n.done)
	n.log.Info("dispatch loop started")

	for ctx.Err() == nil {
		result, _ := n.Tick(n.clock())
		if result == ResultQuit {
			break
		}
	}
	n.log.Info("dispatch loop stopped")
}
