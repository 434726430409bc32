// channel.go
//
// Post-handshake channel to one peer.
//
// After the key exchange both sides hold a pair of 32-byte keys: one for
// sealing outgoing payloads, one for opening incoming ones. Each payload is
// sealed with ChaCha20-Poly1305 under a 64-bit counter nonce that starts at
// zero and never repeats; the packet header is bound as associated data.
//
// A channel is not safe for concurrent use; the nub calls it with the
// network lock held.

package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/drio/crynet/wire"
)

var (
	ErrClosed           = errors.New("channel closed")
	ErrSessionMismatch  = errors.New("session mismatch")
	ErrReplay           = errors.New("replayed or reordered packet")
	ErrCounterExhausted = errors.New("send counter exhausted")
)

// Sender writes a packet to a remote address. The nub implements it.
type Sender interface {
	SendTo(to netip.AddrPort, packet []byte) error
}

// Keys are the directional transport keys of one side.
type Keys struct {
	Send [32]byte
	Recv [32]byte
}

// Channel is an established, encrypted connection to one peer.
type Channel struct {
	remote  netip.AddrPort
	session uint32
	inbound bool

	keys        Keys
	sendCounter uint64
	recvCounter uint64
	received    bool

	sender Sender
	onData func(payload []byte)
	closed bool
	log    *zap.Logger
}

// New creates a channel. inbound is true on the side that accepted the
// connection.
func New(remote netip.AddrPort, session uint32, inbound bool, keys Keys, sender Sender, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		remote:  remote,
		session: session,
		inbound: inbound,
		keys:    keys,
		sender:  sender,
		log:     logger.Named("channel").With(zap.Stringer("remote", remote)),
	}
}

func (c *Channel) Remote() netip.AddrPort { return c.remote }
func (c *Channel) Session() uint32        { return c.session }
func (c *Channel) Inbound() bool          { return c.inbound }
func (c *Channel) Closed() bool           { return c.closed }

// OnData sets the function receiving decrypted payloads.
func (c *Channel) OnData(fn func(payload []byte)) {
	c.onData = fn
}

// Close stops the channel. Further Send and Deliver calls fail.
func (c *Channel) Close() {
	c.closed = true
	c.onData = nil
}

// Seal encrypts payload into a TransportData packet and advances the send
// counter.
func (c *Channel) Seal(payload []byte) ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.sendCounter == ^uint64(0) {
		return nil, ErrCounterExhausted
	}

	aead, err := chacha20poly1305.New(c.keys.Send[:])
	if err != nil {
		return nil, err
	}
	header := wire.MarshalTransportData(c.session, c.sendCounter, nil)
	sealed := aead.Seal(nil, nonce(c.sendCounter), payload, header[:wire.TransportHeaderSize])
	packet := append(header, sealed...)
	c.sendCounter++
	return packet, nil
}

// Send seals payload and writes it to the peer.
func (c *Channel) Send(payload []byte) error {
	packet, err := c.Seal(payload)
	if err != nil {
		return err
	}
	return c.sender.SendTo(c.remote, packet)
}

// Open authenticates and decrypts a TransportData packet. Counters must be
// strictly increasing.
func (c *Channel) Open(packet []byte) ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	session, counter, sealed, err := wire.UnmarshalTransportData(packet)
	if err != nil {
		return nil, err
	}
	if session != c.session {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSessionMismatch, session, c.session)
	}
	if c.received && counter <= c.recvCounter {
		return nil, fmt.Errorf("%w: counter %d <= last %d", ErrReplay, counter, c.recvCounter)
	}

	aead, err := chacha20poly1305.New(c.keys.Recv[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce(counter), sealed, packet[:wire.TransportHeaderSize])
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	c.recvCounter = counter
	c.received = true
	return plaintext, nil
}

// Deliver opens packet and passes the plaintext to the OnData function.
func (c *Channel) Deliver(packet []byte) error {
	plaintext, err := c.Open(packet)
	if err != nil {
		return err
	}
	if c.onData != nil {
		c.onData(plaintext)
	} else {
		c.log.Debug("no data handler, payload dropped", zap.Int("len", len(plaintext)))
	}
	return nil
}

// 4 zero bytes followed by the little-endian counter.
func nonce(counter uint64) []byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(n[4:], counter)
	return n[:]
}
