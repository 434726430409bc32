// handshake.go
//
// Key exchange state machine.
//
// Client (PendingConnection):
//
//	NotStarted -> SetupInitiated      connect: send ConnectionSetup
//	SetupInitiated -> SentKeyExchange server KeyExchange0: send our KeyExchange1
//	SentKeyExchange -> KeyEstablished server KeyExchange1 with a valid confirmation
//
// Server (ConnectingPeer):
//
//	NotStarted -> SetupInitiated      ConnectionSetup accepted
//	SetupInitiated -> SentKeyExchange send KeyExchange0
//	SentKeyExchange -> KeyEstablished client KeyExchange1 verified: send ours
//
// Any non-terminal state may move to Failed.

package nub

import (
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/drio/crynet/engine"
	"github.com/drio/crynet/timer"
)

// KeyExchangeState is the state of one connection attempt.
type KeyExchangeState int

const (
	NotStarted KeyExchangeState = iota
	SetupInitiated
	SentKeyExchange
	KeyEstablished
	Failed
)

func (s KeyExchangeState) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case SetupInitiated:
		return "SetupInitiated"
	case SentKeyExchange:
		return "SentKeyExchange"
	case KeyEstablished:
		return "KeyEstablished"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("KeyExchangeState(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s KeyExchangeState) Terminal() bool {
	return s == KeyEstablished || s == Failed
}

var transitions = map[KeyExchangeState][]KeyExchangeState{
	NotStarted:      {SetupInitiated, Failed},
	SetupInitiated:  {SentKeyExchange, Failed},
	SentKeyExchange: {KeyEstablished, Failed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to KeyExchangeState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// handshake is a PendingConnection (outbound) or ConnectingPeer (inbound).
type handshake struct {
	remote        netip.AddrPort
	connectString string
	session       uint32
	inbound       bool

	state     KeyExchangeState
	enteredAt time.Time

	retries    int
	lastSend   time.Time
	lastPacket []byte

	local   keyPair
	peerPub [32]byte
	keys    sessionKeys
	// kxReceived counts key-exchange packets accepted from the peer; an
	// outbound record is promoted only after two.
	kxReceived int

	retransmit timer.Handle
	guard      *engine.KeepAlive
	attempt    *Attempt
}

// advance moves to state to. Illegal edges are a programming error: they are
// reported and ignored.
func (h *handshake) advance(to KeyExchangeState, now time.Time, log *zap.Logger) bool {
	if !CanTransition(h.state, to) {
		log.DPanic("illegal key exchange transition",
			zap.Stringer("remote", h.remote),
			zap.Stringer("from", h.state),
			zap.Stringer("to", to))
		return false
	}
	log.Debug("key exchange transition",
		zap.Stringer("remote", h.remote),
		zap.Uint32("session", h.session),
		zap.Stringer("from", h.state),
		zap.Stringer("to", to))
	h.state = to
	h.enteredAt = now
	return true
}

// timeout is the state-specific bound on how long a state may be held.
func (h *handshake) timeout(setup, keyExchange time.Duration) time.Duration {
	if h.state == SetupInitiated {
		return setup
	}
	return keyExchange
}

// expired reports whether the current state has been held too long.
func (h *handshake) expired(now time.Time, setup, keyExchange time.Duration) bool {
	if h.state.Terminal() || h.enteredAt.IsZero() {
		return false
	}
	return now.Sub(h.enteredAt) > h.timeout(setup, keyExchange)
}

// shift moves wall-clock bookkeeping forward by d after a stall so the
// suspended interval does not count against the record.
func (h *handshake) shift(d time.Duration) {
	if !h.enteredAt.IsZero() {
		h.enteredAt = h.enteredAt.Add(d)
	}
	if !h.lastSend.IsZero() {
		h.lastSend = h.lastSend.Add(d)
	}
}

func (h *handshake) release() {
	h.guard.Release()
	h.guard = nil
	h.lastPacket = nil
	h.local = keyPair{}
}
