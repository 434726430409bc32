package nub

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drio/crynet/wire"
)

type peerLoss struct {
	remote netip.AddrPort
	cause  DisconnectCause
	reason string
}

// established returns a server and client nub with a channel between them.
func established(t *testing.T, h *harness, serverHandlers, clientHandlers Handlers) (*Nub, *Nub) {
	t.Helper()
	server, _ := h.addNub(7000, testNubConfig(), serverHandlers)
	client, _ := h.addNub(7001, testNubConfig(), clientHandlers)
	_, err := client.Connect(server.LocalAddr(), "profile=42", nil)
	require.NoError(t, err)
	h.advance(0)
	h.pump()
	h.locked(func() {
		require.NotNil(t, client.Channel(server.LocalAddr()))
		require.NotNil(t, server.Channel(client.LocalAddr()))
	})
	return server, client
}

func TestDisconnectBacklogAndAck(t *testing.T) {
	h := newHarness(t)
	var losses []peerLoss
	server, client := established(t, h, Handlers{}, Handlers{
		OnDisconnect: func(remote netip.AddrPort, cause DisconnectCause, reason string) {
			losses = append(losses, peerLoss{remote, cause, reason})
		},
	})
	serverSock := h.socks[server.LocalAddr()]
	clientAddr := client.LocalAddr()

	h.locked(func() {
		server.Disconnect(clientAddr, CauseUser, "a")
		server.Disconnect(clientAddr, CauseUser, "b")

		rec := server.DisconnectRecord(clientAddr)
		require.NotNil(t, rec)
		assert.Equal(t, []string{"a", "b"}, rec.Backlog())
		assert.Equal(t, "a; b", rec.Reason())
		assert.Nil(t, server.Channel(clientAddr))
		assert.Equal(t, 1, server.KeepAlives())
	})

	out := serverSock.Drain()
	require.Len(t, out, 2, "a repeat request resends at once")
	var last wire.Disconnect
	require.NoError(t, last.Unmarshal(out[1].Data))
	assert.Equal(t, "a; b", last.Reason)
	assert.Equal(t, uint8(CauseUser), last.Cause)

	h.deliver(server.LocalAddr(), out[1])
	h.pump()

	h.locked(func() {
		assert.Nil(t, server.DisconnectRecord(clientAddr), "ack removes the record")
		assert.Equal(t, 0, server.KeepAlives())
		assert.Nil(t, client.Channel(server.LocalAddr()))
	})
	require.Len(t, losses, 1)
	assert.Equal(t, peerLoss{server.LocalAddr(), CauseUser, "a; b"}, losses[0])

	// Nothing left to retry.
	h.advance(time.Second)
	assert.Empty(t, serverSock.Drain())
}

func TestDisconnectBacklogIsBounded(t *testing.T) {
	rec := &DisconnectRecord{}
	for _, r := range []string{"a", "b", "", "c"} {
		rec.push(r, 2)
	}
	assert.Equal(t, []string{"b", "c"}, rec.Backlog())

	long := &DisconnectRecord{}
	for range 4 {
		long.push(strings.Repeat("x", 100), 4)
	}
	assert.Len(t, long.Reason(), wire.MaxReasonLen)
}

func TestDisconnectRetryBudget(t *testing.T) {
	h := newHarness(t)
	server, sock := h.addNub(7000, testNubConfig(), Handlers{})
	nowhere := netip.MustParseAddrPort("127.0.0.1:7999")

	h.locked(func() { server.Disconnect(nowhere, CauseUser, "bye") })
	for range 20 {
		h.advance(50 * time.Millisecond)
	}

	assert.Equal(t, 3, countType(sock.Drain(), wire.TypeDisconnect), "initial send plus two retries")
	h.locked(func() {
		assert.Nil(t, server.DisconnectRecord(nowhere), "dropped unacknowledged")
		assert.Equal(t, 0, server.KeepAlives())
	})
}

func TestDisconnectTimeoutBudget(t *testing.T) {
	h := newHarness(t)
	cfg := testNubConfig()
	cfg.MaxDisconnectRetries = 1000
	cfg.DisconnectTimeout = 500 * time.Millisecond
	server, _ := h.addNub(7000, cfg, Handlers{})
	nowhere := netip.MustParseAddrPort("127.0.0.1:7999")

	h.locked(func() { server.Disconnect(nowhere, CauseUser, "bye") })
	for range 8 {
		h.advance(50 * time.Millisecond)
	}
	h.locked(func() { assert.NotNil(t, server.DisconnectRecord(nowhere)) })
	for range 8 {
		h.advance(50 * time.Millisecond)
	}
	h.locked(func() { assert.Nil(t, server.DisconnectRecord(nowhere)) })
}

func TestStallDoesNotExpireDisconnects(t *testing.T) {
	h := newHarness(t)
	server, sock := h.addNub(7000, testNubConfig(), Handlers{})
	nowhere := netip.MustParseAddrPort("127.0.0.1:7999")

	h.advance(0)
	h.locked(func() { server.Disconnect(nowhere, CauseUser, "bye") })

	// The retry timer fires on resume, before the nub ticks.
	h.advance(10 * time.Second)
	h.locked(func() {
		rec := server.DisconnectRecord(nowhere)
		require.NotNil(t, rec, "a stall must not spend the disconnect timeout")
		assert.Equal(t, 1, rec.Retries)
	})
	assert.Equal(t, 2, countType(sock.Drain(), wire.TypeDisconnect))
}

func TestDisconnectReasonTruncated(t *testing.T) {
	h := newHarness(t)
	server, sock := h.addNub(7000, testNubConfig(), Handlers{})
	h.locked(func() {
		server.Disconnect(netip.MustParseAddrPort("127.0.0.1:7999"), CauseUser, strings.Repeat("r", 300))
	})
	out := sock.Drain()
	require.Len(t, out, 1)
	var m wire.Disconnect
	require.NoError(t, m.Unmarshal(out[0].Data))
	assert.Len(t, m.Reason, wire.MaxReasonLen)
}

func TestDisconnectDuringHandshake(t *testing.T) {
	h := newHarness(t)
	server, serverSock := h.addNub(7000, testNubConfig(), Handlers{})
	client, clientSock := h.addNub(7001, testNubConfig(), Handlers{})

	var results []ConnectResult
	_, err := client.Connect(server.LocalAddr(), "", func(r ConnectResult) { results = append(results, r) })
	require.NoError(t, err)
	h.advance(0)
	h.flush(clientSock, 1)
	h.locked(func() {
		require.Equal(t, 1, server.Connecting())
		server.Disconnect(client.LocalAddr(), CauseUser, "bye")
		assert.Equal(t, 0, server.Connecting())
	})
	h.flush(serverSock, 1)
	h.pump()

	require.Len(t, results, 1)
	assert.Equal(t, CauseUser, results[0].Cause)
	assert.Equal(t, "bye", results[0].Reason)
	h.locked(func() {
		assert.Equal(t, 0, client.Pending())
		assert.Equal(t, 0, server.Disconnecting(), "client acknowledged")
		assert.Nil(t, client.Channel(server.LocalAddr()))
		assert.Nil(t, server.Channel(client.LocalAddr()))
	})
}

func TestServerFull(t *testing.T) {
	h := newHarness(t)
	cfg := testNubConfig()
	cfg.MaxHandshakes = 1
	server, _ := h.addNub(7000, cfg, Handlers{})
	first, firstSock := h.addNub(7001, testNubConfig(), Handlers{})
	second, secondSock := h.addNub(7002, testNubConfig(), Handlers{})

	_, err := first.Connect(server.LocalAddr(), "", nil)
	require.NoError(t, err)
	var results []ConnectResult
	_, err = second.Connect(server.LocalAddr(), "", func(r ConnectResult) { results = append(results, r) })
	require.NoError(t, err)
	h.advance(0)

	h.flush(firstSock, 1)
	h.flush(secondSock, 1)
	h.locked(func() { assert.Equal(t, 1, server.Connecting()) })
	h.pump()

	require.Len(t, results, 1)
	assert.Equal(t, CauseServerFull, results[0].Cause)
	assert.True(t, errors.Is(results[0].Err(), ErrTooManyHandshakes))
	h.locked(func() {
		assert.NotNil(t, first.Channel(server.LocalAddr()), "the admitted peer completes")
		assert.Equal(t, 0, server.Disconnecting(), "refusals are not tracked")
	})
}

func TestRejectedByAcceptHandler(t *testing.T) {
	h := newHarness(t)
	server, _ := h.addNub(7000, testNubConfig(), Handlers{
		Accept: func(_ netip.AddrPort, cs string) bool { return cs == "profile=42" },
	})
	client, _ := h.addNub(7001, testNubConfig(), Handlers{})

	var results []ConnectResult
	_, err := client.Connect(server.LocalAddr(), "profile=7", func(r ConnectResult) { results = append(results, r) })
	require.NoError(t, err)
	h.advance(0)
	h.pump()

	require.Len(t, results, 1)
	assert.Equal(t, CauseRejected, results[0].Cause)
	h.locked(func() { assert.Equal(t, 0, server.Connecting()) })
}

func TestMalformedPacketsDropped(t *testing.T) {
	h := newHarness(t)
	server, sock := h.addNub(7000, testNubConfig(), Handlers{})
	from := netip.MustParseAddrPort("127.0.0.1:7999")

	packets := [][]byte{
		nil,
		{0},
		{200, 1, 2, 3},
		{byte(wire.TypeConnectionSetup), 1},
		{byte(wire.TypeConnectionSetup), 1, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff},
		{byte(wire.TypeKeyExchange0), 1, 0, 0, 0},
		{byte(wire.TypeKeyExchange1), 1, 0, 0, 0, 9},
		{byte(wire.TypeDisconnect), 1, 0, 0, 0, 0, 40, 'x'},
		{byte(wire.TypeDisconnectAck), 1, 0, 0, 0},
		{byte(wire.TypeAlreadyConnecting), 1, 0, 0, 0},
		{byte(wire.TypeTransportData), 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 2},
		{byte(wire.TypePingQuery), 7},
		{byte(wire.TypeLanQuery), 5},
	}
	h.locked(func() {
		for _, p := range packets {
			assert.NotPanics(t, func() { server.HandlePacket(from, p, h.now) })
		}
		assert.Equal(t, uint64(len(packets)), server.Dropped())
		assert.Equal(t, 0, server.Connecting()+server.Disconnecting())
	})
	assert.Empty(t, sock.Drain())
}

func TestPingAndLanQuery(t *testing.T) {
	h := newHarness(t)
	server, _ := h.addNub(7000, testNubConfig(), Handlers{
		LanQuery: func(_ netip.AddrPort, payload []byte) []byte {
			return append([]byte("srv:"), payload...)
		},
	})
	var rtts []time.Duration
	var replies []string
	client, _ := h.addNub(7001, testNubConfig(), Handlers{
		OnPing:     func(_ netip.AddrPort, rtt time.Duration) { rtts = append(rtts, rtt) },
		OnLanReply: func(_ netip.AddrPort, payload []byte) { replies = append(replies, string(payload)) },
	})

	require.NoError(t, client.Ping(server.LocalAddr()))
	require.NoError(t, client.LanQuery(server.LocalAddr(), []byte("who")))
	h.pump()

	assert.Equal(t, []time.Duration{0}, rtts)
	assert.Equal(t, []string{"srv:who"}, replies)
}

func TestCloseDisconnectsPeersAndTerminates(t *testing.T) {
	h := newHarness(t)
	var losses []peerLoss
	server, client := established(t, h, Handlers{
		OnDisconnect: func(remote netip.AddrPort, cause DisconnectCause, reason string) {
			losses = append(losses, peerLoss{remote, cause, reason})
		},
	}, Handlers{})
	clientSock := h.socks[client.LocalAddr()]

	var members int
	h.locked(func() { members = h.net.Members() })

	client.Close()
	h.advance(0)
	h.locked(func() {
		assert.Equal(t, 1, client.Disconnecting())
		assert.Equal(t, members, h.net.Members(), "kept open until the peer acknowledges")
	})
	h.pump()

	require.Len(t, losses, 1)
	assert.Equal(t, CauseNubDestroyed, losses[0].cause)
	h.locked(func() {
		assert.Equal(t, members-1, h.net.Members())
		assert.Nil(t, server.Channel(client.LocalAddr()))
	})
	select {
	case <-client.Done():
	default:
		t.Fatal("Done not closed after terminate")
	}
	_, err := clientSock.WriteToUDPAddrPort([]byte{1}, server.LocalAddr())
	assert.Error(t, err, "socket closed")
}

func TestTerminateFinishesAttempts(t *testing.T) {
	h := newHarness(t)
	client, _ := h.addNub(7001, testNubConfig(), Handlers{})

	var results []ConnectResult
	_, err := client.Connect(netip.MustParseAddrPort("127.0.0.1:7999"), "", func(r ConnectResult) { results = append(results, r) })
	require.NoError(t, err)
	h.advance(0)

	h.net.Shutdown()
	require.Len(t, results, 1)
	assert.True(t, errors.Is(results[0].Err(), ErrClosed))
	assert.Equal(t, 0, client.KeepAlives())
}

func TestNewRejectsBadConfig(t *testing.T) {
	h := newHarness(t)
	cfg := testNubConfig()
	cfg.MaxHandshakes = 0
	_, err := New(h.net, nil, cfg, Handlers{}, nil)
	assert.Error(t, err)
}
