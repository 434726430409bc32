package nub

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drio/crynet/engine"
	"github.com/drio/crynet/timer"
	"github.com/drio/crynet/wire"
)

// DisconnectCause says why a connection or attempt ended. It travels in the
// Disconnect packet.
type DisconnectCause uint8

const (
	CauseNone DisconnectCause = iota
	CauseUser
	CauseTimeout
	CauseRetriesExhausted
	CauseAlreadyConnecting
	CauseServerFull
	CauseRejected
	CauseKeyExchangeFailed
	CauseNubDestroyed
	CauseTooManyHandshakes
	CauseReplaced
)

func (c DisconnectCause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseUser:
		return "user"
	case CauseTimeout:
		return "timeout"
	case CauseRetriesExhausted:
		return "retries exhausted"
	case CauseAlreadyConnecting:
		return "already connecting"
	case CauseServerFull:
		return "server full"
	case CauseRejected:
		return "rejected"
	case CauseKeyExchangeFailed:
		return "key exchange failed"
	case CauseNubDestroyed:
		return "nub destroyed"
	case CauseTooManyHandshakes:
		return "too many handshakes"
	case CauseReplaced:
		return "replaced"
	default:
		return fmt.Sprintf("DisconnectCause(%d)", uint8(c))
	}
}

// DisconnectRecord tracks an unacknowledged Disconnect sent to one peer.
type DisconnectRecord struct {
	Remote     netip.AddrPort
	Session    uint32
	Cause      DisconnectCause
	Retries    int
	FirstSent  time.Time
	LastNotify time.Time

	backlog []string
	timer   timer.Handle
	guard   *engine.KeepAlive
}

// Reason is the backlog joined with "; ", cut to the wire limit.
func (r *DisconnectRecord) Reason() string {
	return wire.TruncateReason(strings.Join(r.backlog, "; "))
}

// Backlog returns the reasons queued for this peer, oldest first.
func (r *DisconnectRecord) Backlog() []string {
	return append([]string(nil), r.backlog...)
}

// push appends reason, keeping at most max entries.
func (r *DisconnectRecord) push(reason string, max int) {
	if reason == "" {
		return
	}
	r.backlog = append(r.backlog, reason)
	if over := len(r.backlog) - max; over > 0 {
		r.backlog = append(r.backlog[:0], r.backlog[over:]...)
	}
}

func (r *DisconnectRecord) shift(d time.Duration) {
	r.FirstSent = r.FirstSent.Add(d)
	r.LastNotify = r.LastNotify.Add(d)
}

// Disconnect tears down everything the nub holds for remote and tells the
// peer, retrying until it acknowledges or the retry budget runs out. A
// repeat call before the acknowledgment adds reason to the backlog and
// resends at once. The network lock must be held.
func (n *Nub) Disconnect(remote netip.AddrPort, cause DisconnectCause, reason string) {
	if n.terminated {
		return
	}
	now := n.net.Now()
	var session uint32
	if hs := n.pending[remote]; hs != nil {
		session = hs.session
		n.failHandshake(hs, cause, reason, now, false)
	}
	if hs := n.connecting[remote]; hs != nil {
		session = hs.session
		n.failHandshake(hs, cause, reason, now, false)
	}
	if l := n.links[remote]; l != nil {
		session = l.session
		n.dropLink(remote, cause, reason)
	}
	n.notify(remote, session, cause, reason, now)
}

// notify creates or extends the disconnect record for remote.
func (n *Nub) notify(remote netip.AddrPort, session uint32, cause DisconnectCause, reason string, now time.Time) {
	if rec := n.disconnecting[remote]; rec != nil {
		if rec.Session == 0 {
			rec.Session = session
		}
		rec.push(reason, n.cfg.DisconnectBacklog)
		n.sendDisconnect(rec, now)
		return
	}

	rec := &DisconnectRecord{
		Remote:    remote,
		Session:   session,
		Cause:     cause,
		FirstSent: now,
		guard:     n.keepAlive.Acquire(),
	}
	rec.push(reason, n.cfg.DisconnectBacklog)
	n.disconnecting[remote] = rec
	n.sendDisconnect(rec, now)
	rec.timer = n.net.ScheduleTimerNamed("nub.disconnect", now.Add(n.cfg.DisconnectRetryInterval), n.disconnectRetry, rec)
}

func (n *Nub) sendDisconnect(rec *DisconnectRecord, now time.Time) {
	rec.LastNotify = now
	m := wire.Disconnect{Session: rec.Session, Cause: uint8(rec.Cause), Reason: rec.Reason()}
	n.send(rec.Remote, m.Marshal())
}

// sendDisconnectOnce sends a Disconnect without keeping a record, for peers
// the nub never admitted.
func (n *Nub) sendDisconnectOnce(to netip.AddrPort, session uint32, cause DisconnectCause, reason string) {
	m := wire.Disconnect{Session: session, Cause: uint8(cause), Reason: reason}
	n.send(to, m.Marshal())
}

func (n *Nub) disconnectRetry(h timer.Handle, userData any, now time.Time) {
	rec := userData.(*DisconnectRecord)
	if n.disconnecting[rec.Remote] != rec || rec.timer != h {
		return
	}
	rec.timer = 0
	// Timers fire before the nub ticks; shift deadlines first.
	n.clampStall(now)

	if rec.Retries >= n.cfg.MaxDisconnectRetries || now.Sub(rec.FirstSent) >= n.cfg.DisconnectTimeout {
		n.log.Info("disconnect not acknowledged, giving up",
			zap.Stringer("remote", rec.Remote),
			zap.Stringer("cause", rec.Cause),
			zap.Int("retries", rec.Retries))
		n.dropDisconnect(rec)
		return
	}

	rec.Retries++
	n.sendDisconnect(rec, now)
	rec.timer = n.net.ScheduleTimerNamed("nub.disconnect", now.Add(n.cfg.DisconnectRetryInterval), n.disconnectRetry, rec)
}

func (n *Nub) dropDisconnect(rec *DisconnectRecord) {
	if n.disconnecting[rec.Remote] == rec {
		delete(n.disconnecting, rec.Remote)
	}
	if rec.timer.Valid() {
		n.net.CancelTimer(rec.timer)
		rec.timer = 0
	}
	rec.guard.Release()
	n.maybeTerminate()
}

func (n *Nub) handleDisconnectAck(from netip.AddrPort, data []byte) error {
	session, err := wire.UnmarshalControl(wire.TypeDisconnectAck, data)
	if err != nil {
		return err
	}
	rec := n.disconnecting[from]
	if rec == nil || rec.Session != session {
		return errUnexpected
	}
	n.log.Debug("disconnect acknowledged", zap.Stringer("remote", from), zap.Int("retries", rec.Retries))
	n.dropDisconnect(rec)
	return nil
}

func (n *Nub) handleDisconnect(from netip.AddrPort, data []byte, now time.Time) error {
	var m wire.Disconnect
	if err := m.Unmarshal(data); err != nil {
		return err
	}
	n.send(from, wire.MarshalControl(wire.TypeDisconnectAck, m.Session))

	cause := DisconnectCause(m.Cause)
	n.log.Debug("peer disconnected",
		zap.Stringer("remote", from),
		zap.Stringer("cause", cause),
		zap.String("reason", m.Reason))

	if hs := n.pending[from]; hs != nil && hs.session == m.Session {
		n.failHandshake(hs, cause, m.Reason, now, false)
	}
	if hs := n.connecting[from]; hs != nil && hs.session == m.Session {
		n.failHandshake(hs, cause, m.Reason, now, false)
	}
	if l := n.links[from]; l != nil && l.session == m.Session {
		n.dropLink(from, cause, m.Reason)
	}
	// Both sides disconnecting: the peer's Disconnect doubles as an ack.
	if rec := n.disconnecting[from]; rec != nil && rec.Session == m.Session {
		n.dropDisconnect(rec)
	}
	return nil
}
