// socketio.go
//
// Socket I/O layer between the UDP sockets and the dispatch loop.
//
// Every attached socket gets a reader goroutine. Readers never touch state
// behind the network lock: they copy each datagram and push it into one
// bounded channel with a non-blocking send, dropping it when the channel is
// full. The dispatch loop drains the channel in batches from Poll.

package engine

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drio/crynet/conn"
)

// MaxDatagram is the largest datagram a reader accepts.
const MaxDatagram = 2048

// Sink receives datagrams from the dispatch loop with the network lock
// held. data is owned by the sink.
type Sink interface {
	HandlePacket(from netip.AddrPort, data []byte, now time.Time)
}

// Datagram is one received packet and the sink it is routed to.
type Datagram struct {
	From netip.AddrPort
	Data []byte
	sink Sink
}

// SocketIO multiplexes attached sockets into one queue.
type SocketIO struct {
	log      *zap.Logger
	queue    chan Datagram
	wakeCh   chan struct{}
	done     chan struct{}
	maxBatch int

	closeOnce sync.Once
	readers   sync.WaitGroup
	dropped   atomic.Uint64

	batch []Datagram
}

func newSocketIO(queueSize, maxBatch int, log *zap.Logger) *SocketIO {
	return &SocketIO{
		log:      log.Named("io"),
		queue:    make(chan Datagram, queueSize),
		wakeCh:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		maxBatch: maxBatch,
		batch:    make([]Datagram, 0, maxBatch),
	}
}

// Attach starts a reader goroutine feeding datagrams from c to sink. The
// reader exits when c is closed.
func (s *SocketIO) Attach(c conn.UDPConn, sink Sink) {
	s.readers.Add(1)
	go s.reader(c, sink)
}

func (s *SocketIO) reader(c conn.UDPConn, sink Sink) {
	defer s.readers.Done()
	local := c.LocalAddr()
	s.log.Debug("reader started", zap.Stringer("local", local))

	buf := make([]byte, MaxDatagram)
	for {
		n, from, err := c.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				s.log.Debug("reader stopped", zap.Stringer("local", local))
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.Debug("read error", zap.Stringer("local", local), zap.Error(err))
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		d := Datagram{From: netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), Data: data, sink: sink}

		select {
		case s.queue <- d:
		case <-s.done:
			return
		default:
			s.dropped.Add(1)
			s.log.Debug("datagram dropped, queue full", zap.Stringer("from", d.From))
		}
	}
}

// Poll waits up to wait for at least one datagram and returns up to
// maxBatch of them. It returns early with an empty batch on timeout, or on a
// wake signal with woken set, and ErrShutdown once closed. The returned
// slice is reused by the next Poll.
func (s *SocketIO) Poll(wait time.Duration) (batch []Datagram, woken bool, err error) {
	s.batch = s.batch[:0]

	select {
	case <-s.done:
		return nil, false, ErrShutdown
	case d := <-s.queue:
		s.batch = append(s.batch, d)
	default:
		if wait <= 0 {
			return s.batch, false, nil
		}
		t := time.NewTimer(wait)
		select {
		case <-s.done:
			t.Stop()
			return nil, false, ErrShutdown
		case d := <-s.queue:
			t.Stop()
			s.batch = append(s.batch, d)
		case <-s.wakeCh:
			t.Stop()
			return s.batch, true, nil
		case <-t.C:
			return s.batch, false, nil
		}
	}

	for len(s.batch) < s.maxBatch {
		select {
		case d := <-s.queue:
			s.batch = append(s.batch, d)
		default:
			return s.batch, false, nil
		}
	}
	return s.batch, false, nil
}

// Inject queues a datagram as if a reader had received it.
func (s *SocketIO) Inject(from netip.AddrPort, data []byte, sink Sink) bool {
	select {
	case s.queue <- Datagram{From: from, Data: data, sink: sink}:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *SocketIO) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *SocketIO) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *SocketIO) wait() {
	s.readers.Wait()
}
