package tun

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/drio/crynet/channel"
	"github.com/drio/crynet/engine"
)

// MTU is the largest packet read from the device.
const MTU = 1500

// Bridge joins a TUN device to one channel. Packets read from the device
// are posted to the network and sealed onto the channel; plaintext from the
// channel is written to the device.
type Bridge struct {
	dev Device
	net *engine.Network
	log *zap.Logger

	// guarded by the network lock
	ch *channel.Channel

	dropped atomic.Uint64
	readers sync.WaitGroup
}

func NewBridge(dev Device, network *engine.Network, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		dev: dev,
		net: network,
		log: logger.Named("bridge").With(zap.String("dev", dev.Name())),
	}
}

// Attach routes traffic through ch, replacing any previous channel. The
// network lock must be held.
func (b *Bridge) Attach(ch *channel.Channel) {
	b.ch = ch
	ch.OnData(b.write)
	b.log.Info("bridge attached", zap.Stringer("remote", ch.Remote()))
}

// Detach stops routing to remote. The network lock must be held.
func (b *Bridge) Detach(remote netip.AddrPort) {
	if b.ch != nil && b.ch.Remote() == remote {
		b.ch = nil
		b.log.Info("bridge detached", zap.Stringer("remote", remote))
	}
}

// Start runs the device reader until the device is closed.
func (b *Bridge) Start() {
	b.readers.Add(1)
	go b.reader()
}

// Dropped returns the number of device packets with no channel to go to.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bridge) reader() {
	defer b.readers.Done()
	buf := make([]byte, MTU)
	for {
		n, err := b.dev.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				b.log.Debug("device reader stopped")
				return
			}
			b.log.Warn("device read error", zap.Error(err))
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		if err := b.net.Post(func() { b.forward(packet) }); err != nil {
			b.log.Debug("network gone, device reader stopped", zap.Error(err))
			return
		}
	}
}

func (b *Bridge) forward(packet []byte) {
	if b.ch == nil || b.ch.Closed() {
		b.dropped.Add(1)
		b.log.Debug("no channel, device packet dropped", zap.Int("len", len(packet)))
		return
	}
	if err := b.ch.Send(packet); err != nil {
		b.log.Debug("channel send failed", zap.Error(err))
	}
}

func (b *Bridge) write(payload []byte) {
	if _, err := b.dev.Write(payload); err != nil {
		b.log.Debug("device write failed", zap.Error(err))
	}
}

// Close closes the device and waits for the reader to exit.
func (b *Bridge) Close() error {
	err := b.dev.Close()
	b.readers.Wait()
	return err
}
