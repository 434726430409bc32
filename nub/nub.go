// nub.go
//
// A Nub owns one UDP socket and drives connection setup for every peer on
// it: outbound attempts (pending), inbound handshakes (connecting), graceful
// teardown (disconnecting) and the channels the handshakes produce.
//
// All state is guarded by the network lock. Packets arrive through the
// engine's socket I/O layer and are dispatched with the lock held; timers
// fire with the lock held; Connect and Close enter through the work queue.

package nub

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drio/crynet/channel"
	"github.com/drio/crynet/config"
	"github.com/drio/crynet/conn"
	"github.com/drio/crynet/engine"
	"github.com/drio/crynet/wire"
)

var (
	ErrClosed               = errors.New("nub closed")
	ErrTooManyHandshakes    = errors.New("too many simultaneous handshakes")
	ErrHandshakeTimeout     = errors.New("handshake timed out")
	ErrInvalidAddress       = errors.New("invalid remote address")
	ErrConnectStringTooLong = wire.ErrConnectStringTooLong

	errUnexpected   = errors.New("packet not valid in current state")
	errStaleSession = errors.New("packet for another session")
	errNoChannel    = errors.New("no channel for sender")
)

// Handlers are the nub's callbacks. All run with the network lock held and
// any may be nil.
type Handlers struct {
	// Accept decides whether an inbound ConnectionSetup is admitted.
	Accept func(remote netip.AddrPort, connectString string) bool
	// OnChannel receives every promoted channel, inbound and outbound.
	OnChannel func(ch *channel.Channel, connectString string)
	// OnDisconnect reports the loss of an established channel.
	OnDisconnect func(remote netip.AddrPort, cause DisconnectCause, reason string)
	// LanQuery answers a LAN discovery query. A nil reply sends nothing.
	LanQuery   func(from netip.AddrPort, payload []byte) []byte
	OnLanReply func(from netip.AddrPort, payload []byte)
	OnPing     func(from netip.AddrPort, rtt time.Duration)
}

type link struct {
	ch            *channel.Channel
	session       uint32
	connectString string
	// Responder side only: the client's key and our KeyExchange1, resent
	// when the client repeats its KeyExchange1.
	peerPub [32]byte
	kx1     []byte
}

// Nub is a connection nub on one UDP socket.
type Nub struct {
	net      *engine.Network
	cfg      config.Nub
	log      *zap.Logger
	sock     conn.UDPConn
	local    netip.AddrPort
	handlers Handlers
	rand     io.Reader

	pending       map[netip.AddrPort]*handshake
	connecting    map[netip.AddrPort]*handshake
	disconnecting map[netip.AddrPort]*DisconnectRecord
	links         map[netip.AddrPort]*link

	keepAlive engine.RefCount
	closing   atomic.Bool
	// draining is set once the close work has run; only then may the nub
	// terminate on its own.
	draining   bool
	terminated bool
	done       chan struct{}
	lastTick   time.Time
	dropped    uint64
}

// Listen binds bind and returns a nub registered with network. It fails if
// the socket cannot be bound. It must not be called with the network lock
// held.
func Listen(ctx context.Context, network *engine.Network, bind string, cfg config.Nub, handlers Handlers, logger *zap.Logger) (*Nub, error) {
	sock, err := conn.Listen(ctx, bind, network.Config().ReadBuffer)
	if err != nil {
		return nil, err
	}
	n, err := New(network, sock, cfg, handlers, logger)
	if err != nil {
		sock.Close()
		return nil, err
	}
	return n, nil
}

// New creates a nub on an already bound socket, attaches the socket to the
// network's I/O layer and registers the nub. It must not be called with the
// network lock held.
func New(network *engine.Network, sock conn.UDPConn, cfg config.Nub, handlers Handlers, logger *zap.Logger) (*Nub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	local := conn.AddrPort(sock)
	n := &Nub{
		net:           network,
		cfg:           cfg,
		log:           logger.Named("nub").With(zap.Stringer("local", local)),
		sock:          sock,
		local:         local,
		handlers:      handlers,
		rand:          rand.Reader,
		pending:       make(map[netip.AddrPort]*handshake),
		connecting:    make(map[netip.AddrPort]*handshake),
		disconnecting: make(map[netip.AddrPort]*DisconnectRecord),
		links:         make(map[netip.AddrPort]*link),
		done:          make(chan struct{}),
	}

	network.Do(func() { network.Register(n) })
	network.IO().Attach(sock, n)
	n.log.Info("nub listening")
	return n, nil
}

func (n *Nub) LocalAddr() netip.AddrPort { return n.local }

// Done is closed when the nub terminates.
func (n *Nub) Done() <-chan struct{} { return n.done }

func (n *Nub) Role() engine.Role { return engine.RoleNub }

// Pending returns the number of outbound attempts in progress.
func (n *Nub) Pending() int { return len(n.pending) }

// Connecting returns the number of inbound handshakes in progress.
func (n *Nub) Connecting() int { return len(n.connecting) }

// Disconnecting returns the number of unacknowledged disconnects.
func (n *Nub) Disconnecting() int { return len(n.disconnecting) }

// DisconnectRecord returns the record for remote, or nil.
func (n *Nub) DisconnectRecord(remote netip.AddrPort) *DisconnectRecord {
	return n.disconnecting[remote]
}

// Channel returns the established channel to remote, or nil.
func (n *Nub) Channel(remote netip.AddrPort) *channel.Channel {
	if l := n.links[remote]; l != nil {
		return l.ch
	}
	return nil
}

// KeepAlives returns the number of handshakes and disconnects holding the
// nub open.
func (n *Nub) KeepAlives() int { return n.keepAlive.Count() }

// Dropped returns the number of packets discarded as malformed or invalid.
func (n *Nub) Dropped() uint64 { return n.dropped }

// SendTo writes packet to the socket. Channels send through it.
func (n *Nub) SendTo(to netip.AddrPort, packet []byte) error {
	_, err := n.sock.WriteToUDPAddrPort(packet, to)
	return err
}

func (n *Nub) send(to netip.AddrPort, packet []byte) {
	if err := n.SendTo(to, packet); err != nil {
		n.log.Debug("send failed", zap.Stringer("to", to), zap.Error(err))
	}
}

func (n *Nub) handshakes() int {
	return len(n.pending) + len(n.connecting)
}

func (n *Nub) newSession() (uint32, error) {
	var b [4]byte
	for {
		if _, err := io.ReadFull(n.rand, b[:]); err != nil {
			return 0, fmt.Errorf("session id: %w", err)
		}
		if s := binary.LittleEndian.Uint32(b[:]); s != 0 {
			return s, nil
		}
	}
}

// HandlePacket classifies one datagram by its type byte. Malformed packets
// and packets that do not fit the current state are dropped.
func (n *Nub) HandlePacket(from netip.AddrPort, data []byte, now time.Time) {
	if n.terminated {
		return
	}
	t, err := wire.TypeOf(data)
	if err == nil {
		switch t {
		case wire.TypeLanQuery:
			err = n.handleLanQuery(from, data)
		case wire.TypePingQuery:
			err = n.handlePing(from, data, now)
		case wire.TypeConnectionSetup:
			err = n.handleSetup(from, data, now)
		case wire.TypeKeyExchange0:
			err = n.handleKeyExchange0(from, data, now)
		case wire.TypeKeyExchange1:
			err = n.handleKeyExchange1(from, data, now)
		case wire.TypeAlreadyConnecting:
			err = n.handleAlreadyConnecting(from, data, now)
		case wire.TypeDisconnect:
			err = n.handleDisconnect(from, data, now)
		case wire.TypeDisconnectAck:
			err = n.handleDisconnectAck(from, data)
		case wire.TypeTransportData:
			err = n.handleTransportData(from, data)
		default:
			err = fmt.Errorf("unknown packet type %d", uint8(t))
		}
	}
	if err != nil {
		n.dropped++
		n.log.Debug("packet dropped",
			zap.Stringer("from", from),
			zap.Stringer("type", t),
			zap.Int("len", len(data)),
			zap.Error(err))
	}
}

func (n *Nub) handleTransportData(from netip.AddrPort, data []byte) error {
	l := n.links[from]
	if l == nil {
		return errNoChannel
	}
	return l.ch.Deliver(data)
}

func (n *Nub) handleLanQuery(from netip.AddrPort, data []byte) error {
	var m wire.LanQuery
	if err := m.Unmarshal(data); err != nil {
		return err
	}
	if m.Reply {
		if n.handlers.OnLanReply != nil {
			n.handlers.OnLanReply(from, m.Payload)
		}
		return nil
	}
	if n.handlers.LanQuery == nil {
		return nil
	}
	if reply := n.handlers.LanQuery(from, m.Payload); reply != nil {
		r := wire.LanQuery{Reply: true, Payload: reply}
		n.send(from, r.Marshal())
	}
	return nil
}

func (n *Nub) handlePing(from netip.AddrPort, data []byte, now time.Time) error {
	var m wire.Ping
	if err := m.Unmarshal(data); err != nil {
		return err
	}
	if !m.Reply {
		r := wire.Ping{Reply: true, Nanos: m.Nanos}
		n.send(from, r.Marshal())
		return nil
	}
	rtt := max(now.Sub(time.Unix(0, m.Nanos)), 0)
	if n.handlers.OnPing != nil {
		n.handlers.OnPing(from, rtt)
	}
	return nil
}

// Ping sends a ping query stamped with the network clock. Safe to call
// without the lock.
func (n *Nub) Ping(to netip.AddrPort) error {
	m := wire.Ping{Nanos: n.net.Now().UnixNano()}
	return n.SendTo(to, m.Marshal())
}

// LanQuery sends a LAN discovery query. Safe to call without the lock.
func (n *Nub) LanQuery(to netip.AddrPort, payload []byte) error {
	m := wire.LanQuery{Payload: payload}
	return n.SendTo(to, m.Marshal())
}

// Tick expires handshakes that held a state too long and finishes a
// pending close.
func (n *Nub) Tick(now time.Time) {
	if n.terminated {
		return
	}
	n.clampStall(now)
	n.expire(now)
	n.maybeTerminate()
}

// Cleanup is the staggered housekeeping pass. It repeats the expiry check
// so a nub driven only by the dispatch loop still times out handshakes,
// and sweeps disconnect records whose retry timer was lost.
func (n *Nub) Cleanup(now time.Time) {
	if n.terminated {
		return
	}
	n.clampStall(now)
	n.expire(now)
	for _, rec := range n.disconnecting {
		if !rec.timer.Valid() && now.Sub(rec.FirstSent) >= n.cfg.DisconnectTimeout {
			n.dropDisconnect(rec)
		}
	}
	n.maybeTerminate()
}

// clampStall shifts every deadline forward when the gap since the last
// tick exceeds StallClamp, so a suspended process does not expire every
// record at once on resume.
func (n *Nub) clampStall(now time.Time) {
	last := n.lastTick
	n.lastTick = now
	if last.IsZero() {
		return
	}
	gap := now.Sub(last)
	if gap <= n.cfg.StallClamp {
		return
	}
	d := gap - n.cfg.StallClamp
	for _, hs := range n.pending {
		hs.shift(d)
	}
	for _, hs := range n.connecting {
		hs.shift(d)
	}
	for _, rec := range n.disconnecting {
		rec.shift(d)
	}
	n.log.Debug("tick stalled, deadlines shifted", zap.Duration("gap", gap), zap.Duration("shift", d))
}

func (n *Nub) expire(now time.Time) {
	for _, m := range []map[netip.AddrPort]*handshake{n.pending, n.connecting} {
		for _, hs := range m {
			if hs.expired(now, n.cfg.SetupTimeout, n.cfg.KeyExchangeTimeout) {
				n.failHandshake(hs, CauseTimeout, fmt.Sprintf("timed out in %s", hs.state), now, true)
			}
		}
	}
}

func (n *Nub) dropLink(remote netip.AddrPort, cause DisconnectCause, reason string) {
	l := n.links[remote]
	if l == nil {
		return
	}
	delete(n.links, remote)
	l.ch.Close()
	n.log.Info("channel closed",
		zap.Stringer("remote", remote),
		zap.Stringer("cause", cause),
		zap.String("reason", reason))
	if n.handlers.OnDisconnect != nil {
		n.handlers.OnDisconnect(remote, cause, reason)
	}
}

// Close disconnects every peer and fails pending attempts. The socket is
// closed and the nub unregistered once every handshake and disconnect
// guard is released. Safe to call from any goroutine, with or without the
// lock.
func (n *Nub) Close() {
	if !n.closing.CompareAndSwap(false, true) {
		return
	}
	if err := n.net.Post(n.beginClose); err != nil {
		n.log.Debug("close not queued", zap.Error(err))
	}
}

func (n *Nub) beginClose() {
	if n.terminated {
		return
	}
	n.draining = true
	now := n.net.Now()
	n.log.Info("nub closing",
		zap.Int("pending", len(n.pending)),
		zap.Int("connecting", len(n.connecting)),
		zap.Int("channels", len(n.links)))
	for _, m := range []map[netip.AddrPort]*handshake{n.pending, n.connecting} {
		for _, hs := range m {
			n.failHandshake(hs, CauseNubDestroyed, "nub closed", now, true)
		}
	}
	for remote := range n.links {
		n.Disconnect(remote, CauseNubDestroyed, "nub closed")
	}
	n.maybeTerminate()
}

func (n *Nub) maybeTerminate() {
	if n.draining && !n.terminated && n.keepAlive.Count() == 0 {
		if err := n.Terminate(); err != nil {
			n.log.Warn("socket close failed", zap.Error(err))
		}
	}
}

// Terminate releases everything at once without notifying peers, closes
// the socket and unregisters the nub. The network lock must be held.
func (n *Nub) Terminate() error {
	if n.terminated {
		return nil
	}
	n.terminated = true
	n.closing.Store(true)
	defer close(n.done)

	for _, m := range []map[netip.AddrPort]*handshake{n.pending, n.connecting} {
		for _, hs := range m {
			n.removeHandshake(hs)
			if hs.attempt != nil {
				hs.attempt.finish(ConnectResult{Remote: hs.remote, Cause: CauseNubDestroyed, Reason: "nub terminated"})
			}
		}
	}
	for _, rec := range n.disconnecting {
		if rec.timer.Valid() {
			n.net.CancelTimer(rec.timer)
		}
		rec.guard.Release()
	}
	for _, l := range n.links {
		l.ch.Close()
	}
	clear(n.pending)
	clear(n.connecting)
	clear(n.disconnecting)
	clear(n.links)

	err := n.sock.Close()
	n.net.Unregister(n)
	n.log.Info("nub terminated", zap.Uint64("dropped", n.dropped))
	return err
}
