package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// ErrBind is returned by Listen when the socket cannot be bound.
var ErrBind = errors.New("failed to bind UDP socket")

// UDPConn is the socket surface used by a nub. *net.UDPConn satisfies it;
// tests substitute channel-backed mocks.
type UDPConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// Listen binds a UDP socket on bind ("host:port"). readBuffer, when
// positive, sets the kernel receive buffer size.
func Listen(ctx context.Context, bind string, readBuffer int) (UDPConn, error) {
	lc := net.ListenConfig{Control: control(readBuffer)}
	pc, err := lc.ListenPacket(ctx, "udp", bind)
	if err != nil {
		return nil, fmt.Errorf("%w on %s: %w", ErrBind, bind, err)
	}
	udp, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("%w on %s: unexpected socket type %T", ErrBind, bind, pc)
	}
	return udp, nil
}

// AddrPort returns the unmapped local address of c.
func AddrPort(c UDPConn) netip.AddrPort {
	var ap netip.AddrPort
	if ua, ok := c.LocalAddr().(*net.UDPAddr); ok {
		ap = ua.AddrPort()
	} else {
		ap, _ = netip.ParseAddrPort(c.LocalAddr().String())
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
