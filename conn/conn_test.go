package conn

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenLoopback(t *testing.T) {
	a, err := Listen(context.Background(), "127.0.0.1:0", 1<<16)
	require.NoError(t, err)
	defer a.Close()
	b, err := Listen(context.Background(), "127.0.0.1:0", 0)
	require.NoError(t, err)
	defer b.Close()

	addrB := AddrPort(b)
	require.True(t, addrB.IsValid())
	assert.NotZero(t, addrB.Port())

	_, err = a.WriteToUDPAddrPort([]byte{3, 1, 2}, addrB)
	require.NoError(t, err)

	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, from, err := b.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 1, 2}, buf[:n])
	assert.Equal(t, AddrPort(a).Port(), from.Port())
}

func TestListenBadAddress(t *testing.T) {
	_, err := Listen(context.Background(), "not-an-address", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBind)
}

func TestAddrPortIsUnmapped(t *testing.T) {
	c, err := Listen(context.Background(), "127.0.0.1:0", 0)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), AddrPort(c).Addr())
}
