package nub

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drio/crynet/config"
	"github.com/drio/crynet/engine"
	"github.com/drio/crynet/test"
	"github.com/drio/crynet/wire"
)

var t0 = time.Unix(1_700_000_000, 0)

func testNubConfig() config.Nub {
	cfg := config.Default().Nub
	cfg.MaxSetupRetries = 3
	cfg.RetryInterval = 250 * time.Millisecond
	cfg.SetupTimeout = 5 * time.Second
	cfg.KeyExchangeTimeout = 5 * time.Second
	cfg.DisconnectRetryInterval = 100 * time.Millisecond
	cfg.MaxDisconnectRetries = 2
	return cfg
}

// harness drives nubs on one network with a fake clock. Packets written to
// a mock socket stay there until pump hands them to the nub owning the
// destination address.
type harness struct {
	t     *testing.T
	now   time.Time
	net   *engine.Network
	socks map[netip.AddrPort]*test.MockUDPConn
	nubs  map[netip.AddrPort]*Nub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		now:   t0,
		socks: make(map[netip.AddrPort]*test.MockUDPConn),
		nubs:  make(map[netip.AddrPort]*Nub),
	}
	network, err := engine.New(config.Default().Engine, nil, engine.WithClock(func() time.Time { return h.now }))
	require.NoError(t, err)
	t.Cleanup(network.Shutdown)
	h.net = network
	return h
}

func (h *harness) addNub(port uint16, cfg config.Nub, handlers Handlers) (*Nub, *test.MockUDPConn) {
	h.t.Helper()
	sock := test.NewMockUDPConn(port)
	n, err := New(h.net, sock, cfg, handlers, nil)
	require.NoError(h.t, err)
	h.socks[sock.AddrPort()] = sock
	h.nubs[sock.AddrPort()] = n
	return n, sock
}

// advance moves the clock by d and runs a synchronize pass.
func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
	h.net.Synchronize(h.now)
}

func (h *harness) locked(fn func()) {
	h.net.Do(fn)
}

// deliver hands p, sent from from, to the nub owning p.Addr. Packets to
// unknown addresses are lost.
func (h *harness) deliver(from netip.AddrPort, p test.Packet) {
	n := h.nubs[p.Addr]
	if n == nil {
		return
	}
	h.locked(func() { n.HandlePacket(from, p.Data, h.now) })
}

// flush delivers everything currently queued on sock, copies times each.
func (h *harness) flush(sock *test.MockUDPConn, copies int) int {
	packets := sock.Drain()
	for _, p := range packets {
		for range copies {
			h.deliver(sock.AddrPort(), p)
		}
	}
	return len(packets)
}

// pump exchanges packets until every socket is quiet.
func (h *harness) pump() {
	h.pumpCopies(1)
}

func (h *harness) pumpCopies(copies int) {
	for range 100 {
		moved := 0
		for _, sock := range h.socks {
			moved += h.flush(sock, copies)
		}
		if moved == 0 {
			return
		}
	}
	h.t.Fatal("packets still flowing after 100 rounds")
}

func packetTypes(packets []test.Packet) []wire.PacketType {
	types := make([]wire.PacketType, 0, len(packets))
	for _, p := range packets {
		t, _ := wire.TypeOf(p.Data)
		types = append(types, t)
	}
	return types
}

func countType(packets []test.Packet, want wire.PacketType) int {
	count := 0
	for _, t := range packetTypes(packets) {
		if t == want {
			count++
		}
	}
	return count
}
