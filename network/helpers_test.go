//go:build linux

package network

import (
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-tcp/transport"
)

func startThread(t *testing.T, opts ...ThreadOption) *EvThread {
	t.Helper()
	th, err := NewEvThread(opts...)
	require.NoError(t, err)
	require.NoError(t, th.Start())
	t.Cleanup(func() { _ = th.Close() })
	return th
}

// socketPair returns a raw descriptor for a Connection and a net.Conn for
// the test to act as the peer.
func socketPair(t *testing.T) (int, net.Conn) {
	t.Helper()
	fds, err := transport.Socketpair()
	require.NoError(t, err)
	f := os.NewFile(uintptr(fds[1]), "peer")
	peer, err := net.FileConn(f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })
	return fds[0], peer
}

func newConn(t *testing.T, th *EvThread, cbs Callbacks, opts ...ConnOption) (*Connection, net.Conn) {
	t.Helper()
	fd, peer := socketPair(t)
	c, err := NewConnection(th, fd, peerAddr, append([]ConnOption{WithCallbacks(cbs)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, peer
}

func readN(t *testing.T, peer net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(peer, buf)
	require.NoError(t, err)
	return buf
}
