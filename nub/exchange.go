package nub

import (
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/drio/crynet/channel"
	"github.com/drio/crynet/timer"
	"github.com/drio/crynet/wire"
)

func (n *Nub) handleSetup(from netip.AddrPort, data []byte, now time.Time) error {
	var m wire.Setup
	if err := m.Unmarshal(data); err != nil {
		return err
	}
	if n.closing.Load() {
		n.sendDisconnectOnce(from, m.Session, CauseNubDestroyed, "shutting down")
		return nil
	}

	if hs := n.connecting[from]; hs != nil {
		if hs.session == m.Session {
			// Our KeyExchange0 was lost or is still in flight.
			n.transmit(hs, now)
			return nil
		}
		n.send(from, wire.MarshalControl(wire.TypeAlreadyConnecting, m.Session))
		return nil
	}
	if n.pending[from] != nil {
		n.send(from, wire.MarshalControl(wire.TypeAlreadyConnecting, m.Session))
		return nil
	}
	if l := n.links[from]; l != nil {
		if l.session == m.Session {
			return errStaleSession
		}
		n.dropLink(from, CauseReplaced, "peer reconnected")
	}

	if n.handshakes() >= n.cfg.MaxHandshakes {
		n.log.Warn("handshake limit reached, refusing peer", zap.Stringer("remote", from))
		n.sendDisconnectOnce(from, m.Session, CauseServerFull, "too many handshakes")
		return nil
	}
	if n.handlers.Accept != nil && !n.handlers.Accept(from, m.ConnectString) {
		n.sendDisconnectOnce(from, m.Session, CauseRejected, "connection rejected")
		return nil
	}

	kp, err := generateKeyPair(n.rand)
	if err != nil {
		return fmt.Errorf("key pair: %w", err)
	}
	hs := &handshake{
		remote:        from,
		connectString: m.ConnectString,
		session:       m.Session,
		inbound:       true,
		local:         kp,
		guard:         n.keepAlive.Acquire(),
	}
	n.connecting[from] = hs
	hs.advance(SetupInitiated, now, n.log)

	kx0 := wire.KeyExchange0{Session: m.Session, Public: kp.public}
	hs.lastPacket = kx0.Marshal()
	n.transmit(hs, now)
	hs.advance(SentKeyExchange, now, n.log)
	n.armRetransmit(hs, now)
	return nil
}

// handleKeyExchange0 takes the server's public key on the client and
// answers with our KeyExchange1.
func (n *Nub) handleKeyExchange0(from netip.AddrPort, data []byte, now time.Time) error {
	var m wire.KeyExchange0
	if err := m.Unmarshal(data); err != nil {
		return err
	}
	hs := n.pending[from]
	if hs == nil {
		return errUnexpected
	}
	if m.Session != hs.session {
		return errStaleSession
	}
	switch hs.state {
	case SetupInitiated:
	case SentKeyExchange:
		if m.Public != hs.peerPub {
			return errUnexpected
		}
		// The server has not seen our KeyExchange1 yet.
		n.transmit(hs, now)
		return nil
	default:
		return errUnexpected
	}

	kp, err := generateKeyPair(n.rand)
	if err != nil {
		return fmt.Errorf("key pair: %w", err)
	}
	shared, err := dh(kp.private, m.Public)
	if err != nil {
		n.failHandshake(hs, CauseKeyExchangeFailed, "invalid server key", now, true)
		return nil
	}
	keys, err := deriveSessionKeys(shared, hs.session, kp.public, m.Public)
	if err != nil {
		n.failHandshake(hs, CauseKeyExchangeFailed, err.Error(), now, true)
		return nil
	}
	confirm, err := keys.confirmMAC(initiatorConfirm, hs.session)
	if err != nil {
		n.failHandshake(hs, CauseKeyExchangeFailed, err.Error(), now, true)
		return nil
	}

	hs.local = kp
	hs.peerPub = m.Public
	hs.keys = keys
	hs.kxReceived++
	reply := wire.KeyExchange1{Session: hs.session, Public: kp.public, Confirm: confirm}
	hs.lastPacket = reply.Marshal()
	hs.retries = 0
	hs.advance(SentKeyExchange, now, n.log)
	n.transmit(hs, now)
	n.armRetransmit(hs, now)
	return nil
}

// handleKeyExchange1 completes a handshake on either side.
func (n *Nub) handleKeyExchange1(from netip.AddrPort, data []byte, now time.Time) error {
	var m wire.KeyExchange1
	if err := m.Unmarshal(data); err != nil {
		return err
	}
	if hs := n.pending[from]; hs != nil {
		return n.finishInitiator(hs, &m, now)
	}
	if hs := n.connecting[from]; hs != nil {
		return n.finishResponder(hs, &m, now)
	}
	if l := n.links[from]; l != nil && l.kx1 != nil && l.session == m.Session && l.peerPub == m.Public {
		// Our KeyExchange1 was lost.
		n.send(from, l.kx1)
		return nil
	}
	return errUnexpected
}

// finishResponder handles the client's KeyExchange1 on the server: derive,
// check the client's confirmation, answer with ours and promote.
func (n *Nub) finishResponder(hs *handshake, m *wire.KeyExchange1, now time.Time) error {
	if m.Session != hs.session {
		return errStaleSession
	}
	if hs.state != SentKeyExchange {
		return errUnexpected
	}

	shared, err := dh(hs.local.private, m.Public)
	if err != nil {
		n.failHandshake(hs, CauseKeyExchangeFailed, "invalid client key", now, true)
		return nil
	}
	keys, err := deriveSessionKeys(shared, hs.session, m.Public, hs.local.public)
	if err != nil {
		n.failHandshake(hs, CauseKeyExchangeFailed, err.Error(), now, true)
		return nil
	}
	if !keys.verifyConfirm(initiatorConfirm, hs.session, m.Confirm) {
		n.failHandshake(hs, CauseKeyExchangeFailed, "key confirmation failed", now, true)
		return nil
	}
	confirm, err := keys.confirmMAC(responderConfirm, hs.session)
	if err != nil {
		n.failHandshake(hs, CauseKeyExchangeFailed, err.Error(), now, true)
		return nil
	}

	hs.peerPub = m.Public
	hs.kxReceived++
	kx1 := (&wire.KeyExchange1{Session: hs.session, Public: hs.local.public, Confirm: confirm}).Marshal()
	n.send(hs.remote, kx1)
	hs.advance(KeyEstablished, now, n.log)
	n.promote(hs, keys.forResponder(), kx1)
	return nil
}

// finishInitiator verifies the server's KeyExchange1 on the client.
func (n *Nub) finishInitiator(hs *handshake, m *wire.KeyExchange1, now time.Time) error {
	if m.Session != hs.session {
		return errStaleSession
	}
	if hs.state != SentKeyExchange || m.Public != hs.peerPub {
		return errUnexpected
	}
	if !hs.keys.verifyConfirm(responderConfirm, hs.session, m.Confirm) {
		n.failHandshake(hs, CauseKeyExchangeFailed, "key confirmation failed", now, true)
		return nil
	}

	hs.kxReceived++
	hs.advance(KeyEstablished, now, n.log)
	n.promote(hs, hs.keys.forInitiator(), nil)
	return nil
}

func (n *Nub) handleAlreadyConnecting(from netip.AddrPort, data []byte, now time.Time) error {
	session, err := wire.UnmarshalControl(wire.TypeAlreadyConnecting, data)
	if err != nil {
		return err
	}
	hs := n.pending[from]
	if hs == nil {
		return errUnexpected
	}
	if hs.session != session {
		return errStaleSession
	}
	n.failHandshake(hs, CauseAlreadyConnecting, "peer is already connecting", now, false)
	return nil
}

// promote turns an established handshake into a channel.
func (n *Nub) promote(hs *handshake, keys channel.Keys, kx1 []byte) {
	if !hs.inbound && hs.kxReceived != 2 {
		n.log.DPanic("promoted without both key exchange packets",
			zap.Stringer("remote", hs.remote),
			zap.Int("received", hs.kxReceived))
	}
	n.removeHandshake(hs)

	ch := channel.New(hs.remote, hs.session, hs.inbound, keys, n, n.log)
	n.links[hs.remote] = &link{
		ch:            ch,
		session:       hs.session,
		connectString: hs.connectString,
		peerPub:       hs.peerPub,
		kx1:           kx1,
	}
	n.log.Info("channel established",
		zap.Stringer("remote", hs.remote),
		zap.Uint32("session", hs.session),
		zap.Bool("inbound", hs.inbound))

	if hs.attempt != nil {
		hs.attempt.finish(ConnectResult{Remote: hs.remote, Channel: ch})
	}
	if n.handlers.OnChannel != nil {
		n.handlers.OnChannel(ch, hs.connectString)
	}
}

// failHandshake abandons hs. notify sends the peer a tracked Disconnect;
// it is false when the peer itself ended the handshake.
func (n *Nub) failHandshake(hs *handshake, cause DisconnectCause, reason string, now time.Time, notify bool) {
	if hs.state.Terminal() {
		return
	}
	hs.advance(Failed, now, n.log)
	n.removeHandshake(hs)
	n.log.Info("handshake failed",
		zap.Stringer("remote", hs.remote),
		zap.Bool("inbound", hs.inbound),
		zap.Stringer("cause", cause),
		zap.String("reason", reason),
		zap.Int("retries", hs.retries))

	if notify {
		n.notify(hs.remote, hs.session, cause, reason, now)
	}
	if hs.attempt != nil {
		hs.attempt.finish(ConnectResult{Remote: hs.remote, Cause: cause, Reason: reason})
	}
}

func (n *Nub) removeHandshake(hs *handshake) {
	if hs.inbound {
		if n.connecting[hs.remote] == hs {
			delete(n.connecting, hs.remote)
		}
	} else if n.pending[hs.remote] == hs {
		delete(n.pending, hs.remote)
	}
	if hs.retransmit.Valid() {
		n.net.CancelTimer(hs.retransmit)
		hs.retransmit = 0
	}
	hs.release()
}

func (n *Nub) transmit(hs *handshake, now time.Time) {
	hs.lastSend = now
	n.send(hs.remote, hs.lastPacket)
}

func (n *Nub) armRetransmit(hs *handshake, now time.Time) {
	if hs.retransmit.Valid() {
		n.net.CancelTimer(hs.retransmit)
	}
	hs.retransmit = n.net.ScheduleAccurateNamed("nub.retransmit", now.Add(n.cfg.RetryInterval), n.retransmit, hs)
}

// retransmit resends the last handshake packet until the retry budget is
// spent.
func (n *Nub) retransmit(h timer.Handle, userData any, now time.Time) {
	hs := userData.(*handshake)
	if hs.retransmit != h || hs.state.Terminal() {
		return
	}
	hs.retransmit = 0
	n.clampStall(now)

	if hs.retries >= n.cfg.MaxSetupRetries {
		n.failHandshake(hs, CauseRetriesExhausted, fmt.Sprintf("no response in %s", hs.state), now, true)
		return
	}
	hs.retries++
	n.log.Debug("retransmitting",
		zap.Stringer("remote", hs.remote),
		zap.Stringer("state", hs.state),
		zap.Int("retry", hs.retries))
	n.transmit(hs, now)
	n.armRetransmit(hs, now)
}
