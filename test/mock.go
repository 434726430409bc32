package test

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/drio/crynet/conn"
	"github.com/drio/crynet/tun"
)

// Compile-time interface compliance checks
var _ conn.UDPConn = (*MockUDPConn)(nil)
var _ tun.Device = (*MockTUN)(nil)

// Packet is a datagram seen by a mock socket.
type Packet struct {
	Data []byte
	Addr netip.AddrPort
}

// MockUDPConn simulates a UDP socket using channels
type MockUDPConn struct {
	// packets that would come from the network
	inbound chan Packet
	// packets written to this socket
	outbound chan Packet
	local    netip.AddrPort

	closed    chan struct{}
	closeOnce sync.Once
}

// NewMockUDPConn creates a mock socket bound to 127.0.0.1:port.
func NewMockUDPConn(port uint16) *MockUDPConn {
	return &MockUDPConn{
		inbound:  make(chan Packet, 256),
		outbound: make(chan Packet, 256),
		local:    netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port),
		closed:   make(chan struct{}),
	}
}

// AddrPort returns the mock's local address.
func (m *MockUDPConn) AddrPort() netip.AddrPort {
	return m.local
}

// ReadFromUDPAddrPort blocks until a packet is injected or the mock is closed.
func (m *MockUDPConn) ReadFromUDPAddrPort(buf []byte) (int, netip.AddrPort, error) {
	select {
	case p := <-m.inbound:
		n := copy(buf, p.Data)
		return n, p.Addr, nil
	case <-m.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

// WriteToUDPAddrPort puts a copy of data on the outbound channel. A full
// channel drops the packet, as a congested link would.
func (m *MockUDPConn) WriteToUDPAddrPort(data []byte, addr netip.AddrPort) (int, error) {
	select {
	case <-m.closed:
		return 0, net.ErrClosed
	default:
	}

	p := Packet{Data: append([]byte(nil), data...), Addr: addr}
	select {
	case m.outbound <- p:
	default:
	}
	return len(data), nil
}

func (m *MockUDPConn) SetReadDeadline(time.Time) error { return nil }

func (m *MockUDPConn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(m.local)
}

// Close unblocks readers. It is safe to call more than once.
func (m *MockUDPConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// InjectPacket simulates a packet arriving from the network. It reports
// false when the inbound channel is full.
func (m *MockUDPConn) InjectPacket(data []byte, from netip.AddrPort) bool {
	select {
	case m.inbound <- Packet{Data: append([]byte(nil), data...), Addr: from}:
		return true
	default:
		return false
	}
}

// ReadOutbound returns the next packet written to this socket, if any.
func (m *MockUDPConn) ReadOutbound() (Packet, bool) {
	select {
	case p := <-m.outbound:
		return p, true
	default:
		return Packet{}, false
	}
}

// Drain returns every packet written so far.
func (m *MockUDPConn) Drain() []Packet {
	var out []Packet
	for {
		p, ok := m.ReadOutbound()
		if !ok {
			return out
		}
		out = append(out, p)
	}
}

// Link carries packets between a and b until stop is called: a packet
// written on one side and addressed to the other is injected there.
// Packets to any other address are lost.
func Link(a, b *MockUDPConn) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case p := <-a.outbound:
				if p.Addr == b.local {
					b.InjectPacket(p.Data, a.local)
				}
			case p := <-b.outbound:
				if p.Addr == a.local {
					a.InjectPacket(p.Data, b.local)
				}
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-finished
	}
}

// MockTUN simulates a TUN interface using channels
type MockTUN struct {
	// packets written to the TUN (network -> app)
	written chan []byte
	// packets the app sends into the TUN (app -> network)
	reads chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

// NewMockTUN creates a mock TUN interface
func NewMockTUN() *MockTUN {
	return &MockTUN{
		written: make(chan []byte, 100),
		reads:   make(chan []byte, 100),
		closed:  make(chan struct{}),
	}
}

func (m *MockTUN) Name() string { return "mocktun0" }

// Read blocks until a packet is injected or the mock is closed.
func (m *MockTUN) Read(buf []byte) (int, error) {
	select {
	case p := <-m.reads:
		return copy(buf, p), nil
	case <-m.closed:
		return 0, net.ErrClosed
	}
}

func (m *MockTUN) Write(data []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, net.ErrClosed
	case m.written <- append([]byte(nil), data...):
	default:
	}
	return len(data), nil
}

func (m *MockTUN) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// InjectPacket simulates an application writing a packet into the TUN.
func (m *MockTUN) InjectPacket(data []byte) {
	select {
	case m.reads <- append([]byte(nil), data...):
	default:
	}
}

// ReadWritten waits up to timeout for a packet written to the TUN.
func (m *MockTUN) ReadWritten(timeout time.Duration) ([]byte, bool) {
	select {
	case p := <-m.written:
		return p, true
	case <-time.After(timeout):
		return nil, false
	}
}
