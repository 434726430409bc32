package test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drio/crynet/channel"
	"github.com/drio/crynet/config"
	"github.com/drio/crynet/engine"
	"github.com/drio/crynet/nub"
	"github.com/drio/crynet/tun"
)

func startNetwork(t *testing.T) *engine.Network {
	t.Helper()
	network, err := engine.New(config.Default().Engine, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	network.Start(ctx)
	t.Cleanup(func() {
		cancel()
		network.Shutdown()
	})
	return network
}

func members(n *engine.Network) int {
	var count int
	n.Do(func() { count = n.Members() })
	return count
}

// TestTunnelBetweenTwoNetworks runs two dispatch loops whose nubs talk over
// linked mock sockets. A packet injected into the client's TUN must come
// out of the server's TUN, which needs the handshake, the channel keys, the
// dispatch loop and the bridge to all work.
func TestTunnelBetweenTwoNetworks(t *testing.T) {
	serverNet := startNetwork(t)
	clientNet := startNetwork(t)

	serverSock := NewMockUDPConn(7000)
	clientSock := NewMockUDPConn(7001)
	stop := Link(serverSock, clientSock)
	defer stop()

	cfg := config.Default().Nub

	serverTUN := NewMockTUN()
	serverBridge := tun.NewBridge(serverTUN, serverNet, nil)
	serverBridge.Start()
	defer serverBridge.Close()

	accepted := make(chan string, 1)
	lost := make(chan nub.DisconnectCause, 1)
	_, err := nub.New(serverNet, serverSock, cfg, nub.Handlers{
		OnChannel: func(ch *channel.Channel, cs string) {
			serverBridge.Attach(ch)
			accepted <- cs
		},
		OnDisconnect: func(_ netip.AddrPort, cause nub.DisconnectCause, _ string) {
			lost <- cause
		},
	}, nil)
	require.NoError(t, err)

	clientTUN := NewMockTUN()
	clientBridge := tun.NewBridge(clientTUN, clientNet, nil)
	clientBridge.Start()
	defer clientBridge.Close()

	client, err := nub.New(clientNet, clientSock, cfg, nub.Handlers{
		OnChannel: func(ch *channel.Channel, _ string) { clientBridge.Attach(ch) },
	}, nil)
	require.NoError(t, err)

	results := make(chan nub.ConnectResult, 1)
	_, err = client.Connect(serverSock.AddrPort(), "profile=42", func(r nub.ConnectResult) { results <- r })
	require.NoError(t, err)

	select {
	case r := <-results:
		require.NoError(t, r.Err())
		assert.Equal(t, serverSock.AddrPort(), r.Remote)
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not complete")
	}
	select {
	case cs := <-accepted:
		assert.Equal(t, "profile=42", cs)
	case <-time.After(5 * time.Second):
		t.Fatal("server never promoted the channel")
	}

	ip := []byte{0x45, 0x00, 0x00, 0x1c, 0xde, 0xad, 0xbe, 0xef}
	clientTUN.InjectPacket(ip)
	got, ok := serverTUN.ReadWritten(5 * time.Second)
	require.True(t, ok, "packet never reached the server TUN")
	assert.Equal(t, ip, got)

	before := members(clientNet)
	client.Close()
	select {
	case cause := <-lost:
		assert.Equal(t, nub.CauseNubDestroyed, cause)
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the disconnect")
	}
	require.Eventually(t, func() bool { return members(clientNet) == before-1 },
		5*time.Second, 10*time.Millisecond, "client nub should terminate once acknowledged")
}
