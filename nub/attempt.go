package nub

import (
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/drio/crynet/channel"
	"github.com/drio/crynet/wire"
)

// ConnectResult is delivered once to the done callback of an attempt.
type ConnectResult struct {
	Remote  netip.AddrPort
	Channel *channel.Channel
	Cause   DisconnectCause
	Reason  string
}

func (r ConnectResult) OK() bool { return r.Channel != nil }

// Err returns nil on success, otherwise a *DisconnectError.
func (r ConnectResult) Err() error {
	if r.OK() {
		return nil
	}
	return &DisconnectError{Remote: r.Remote, Cause: r.Cause, Reason: r.Reason}
}

// DisconnectError describes a failed attempt. errors.Is matches it against
// ErrTooManyHandshakes, ErrClosed and ErrHandshakeTimeout by cause.
type DisconnectError struct {
	Remote netip.AddrPort
	Cause  DisconnectCause
	Reason string
}

func (e *DisconnectError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connect to %s: %s", e.Remote, e.Cause)
	}
	return fmt.Sprintf("connect to %s: %s: %s", e.Remote, e.Cause, e.Reason)
}

func (e *DisconnectError) Is(target error) bool {
	switch target {
	case ErrTooManyHandshakes:
		return e.Cause == CauseServerFull || e.Cause == CauseTooManyHandshakes
	case ErrClosed:
		return e.Cause == CauseNubDestroyed
	case ErrHandshakeTimeout:
		return e.Cause == CauseTimeout || e.Cause == CauseRetriesExhausted
	}
	return false
}

// Attempt is an outbound connection attempt.
type Attempt struct {
	nub           *Nub
	remote        netip.AddrPort
	connectString string
	done          func(ConnectResult)

	hs       *handshake
	finished bool
}

func (a *Attempt) Remote() netip.AddrPort { return a.remote }

// State returns the key exchange state. The network lock must be held.
func (a *Attempt) State() KeyExchangeState {
	if a.hs == nil {
		if a.finished {
			return Failed
		}
		return NotStarted
	}
	return a.hs.state
}

// Cancel abandons the attempt; done receives CauseUser unless the attempt
// already finished. Safe to call without the lock.
func (a *Attempt) Cancel() error {
	return a.nub.net.Post(func() { a.nub.cancelAttempt(a) })
}

func (a *Attempt) finish(r ConnectResult) {
	if a.finished {
		return
	}
	a.finished = true
	if a.done != nil {
		a.done(r)
	}
}

// Connect starts an asynchronous connection attempt to remote. Argument
// errors are returned at once; everything else, success included, is
// reported through done. Safe to call without the lock.
func (n *Nub) Connect(remote netip.AddrPort, connectString string, done func(ConnectResult)) (*Attempt, error) {
	if len(connectString) > wire.MaxConnectStringLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrConnectStringTooLong, len(connectString))
	}
	if !remote.IsValid() || remote.Port() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, remote)
	}
	if n.closing.Load() {
		return nil, ErrClosed
	}

	a := &Attempt{
		nub:           n,
		remote:        netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()),
		connectString: connectString,
		done:          done,
	}
	if err := n.net.Post(func() { n.startAttempt(a) }); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return a, nil
}

func (n *Nub) startAttempt(a *Attempt) {
	if a.finished {
		return
	}
	fail := func(cause DisconnectCause, reason string) {
		n.log.Debug("connect refused locally",
			zap.Stringer("remote", a.remote),
			zap.Stringer("cause", cause))
		a.finish(ConnectResult{Remote: a.remote, Cause: cause, Reason: reason})
	}

	switch {
	case n.closing.Load() || n.terminated:
		fail(CauseNubDestroyed, "nub closed")
		return
	case n.pending[a.remote] != nil || n.connecting[a.remote] != nil:
		fail(CauseAlreadyConnecting, "handshake with peer in progress")
		return
	case n.links[a.remote] != nil:
		fail(CauseAlreadyConnecting, "already connected to peer")
		return
	case n.handshakes() >= n.cfg.MaxHandshakes:
		fail(CauseTooManyHandshakes, "handshake limit reached")
		return
	}

	session, err := n.newSession()
	if err != nil {
		fail(CauseKeyExchangeFailed, err.Error())
		return
	}
	setup := wire.Setup{Session: session, Caps: n.cfg.Capabilities, ConnectString: a.connectString}
	packet, err := setup.Marshal()
	if err != nil {
		fail(CauseRejected, err.Error())
		return
	}

	now := n.net.Now()
	hs := &handshake{
		remote:        a.remote,
		connectString: a.connectString,
		session:       session,
		lastPacket:    packet,
		guard:         n.keepAlive.Acquire(),
		attempt:       a,
	}
	a.hs = hs
	n.pending[a.remote] = hs
	hs.advance(SetupInitiated, now, n.log)
	n.transmit(hs, now)
	n.armRetransmit(hs, now)
	n.log.Debug("connecting",
		zap.Stringer("remote", a.remote),
		zap.Uint32("session", session))
}

func (n *Nub) cancelAttempt(a *Attempt) {
	if a.finished {
		return
	}
	if hs := a.hs; hs != nil && !hs.state.Terminal() {
		n.failHandshake(hs, CauseUser, "cancelled", n.net.Now(), true)
		return
	}
	a.finish(ConnectResult{Remote: a.remote, Cause: CauseUser, Reason: "cancelled"})
}
