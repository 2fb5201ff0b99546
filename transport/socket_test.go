//go:build linux

package transport

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tcp/api"
)

func loopback() netip.AddrPort {
	return netip.MustParseAddrPort("127.0.0.1:0")
}

func waitAccept(t *testing.T, lfd int) (int, netip.AddrPort) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fd, peer, err := Accept(lfd)
		if err == nil {
			return fd, peer
		}
		require.True(t, IsTryAgain(err), "accept: %v", err)
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no connection accepted")
	return -1, netip.AddrPort{}
}

func TestListenConnectAcceptRoundTrip(t *testing.T) {
	lfd, bound, err := Listen(loopback(), 0)
	require.NoError(t, err)
	defer Close(lfd)
	require.NotZero(t, bound.Port())

	_, _, err = Accept(lfd)
	assert.True(t, IsTryAgain(err))

	cfd, pending, err := Connect(bound)
	require.NoError(t, err)
	defer Close(cfd)

	sfd, peer := waitAccept(t, lfd)
	defer Close(sfd)

	if pending {
		require.Eventually(t, func() bool {
			fds := []unix.PollFd{{Fd: int32(cfd), Events: unix.POLLOUT}}
			n, _ := unix.Poll(fds, 10)
			return n == 1
		}, time.Second, time.Millisecond)
	}
	require.NoError(t, SocketError(cfd))

	local, err := LocalAddr(cfd)
	require.NoError(t, err)
	assert.Equal(t, local, peer)
	remote, err := PeerAddr(cfd)
	require.NoError(t, err)
	assert.Equal(t, bound, remote)

	n, err := SendBuffers(cfd, [][]byte{[]byte("hel"), []byte("lo")})
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	require.Eventually(t, func() bool {
		n, err = Read(sfd, buf)
		return err == nil
	}, time.Second, time.Millisecond)
	assert.Equal(t, "hello", string(buf[:n]))

	require.NoError(t, ShutdownWrite(cfd))
	require.Eventually(t, func() bool {
		n, err = Read(sfd, buf)
		return err == nil && n == 0
	}, time.Second, time.Millisecond)
}

func TestConnectRefused(t *testing.T) {
	lfd, bound, err := Listen(loopback(), 0)
	require.NoError(t, err)
	require.NoError(t, Close(lfd))

	fd, pending, err := Connect(bound)
	if err != nil {
		assert.True(t, errors.Is(err, api.ErrConnectRefused))
		assert.True(t, errors.Is(err, unix.ECONNREFUSED))
		return
	}
	defer Close(fd)
	require.True(t, pending)
	// SO_ERROR is cleared by reading it
	var soErr error
	require.Eventually(t, func() bool {
		soErr = SocketError(fd)
		return soErr != nil
	}, time.Second, time.Millisecond)
	assert.True(t, IsRefused(soErr))
}

func TestSendToClosedPeerDoesNotRaiseSIGPIPE(t *testing.T) {
	fds, err := Socketpair()
	require.NoError(t, err)
	defer Close(fds[0])
	require.NoError(t, Close(fds[1]))

	_, err = SendBuffers(fds[0], [][]byte{[]byte("x")})
	require.Error(t, err)
	assert.True(t, IsBrokenPipe(err))
}

func TestSendWouldBlock(t *testing.T) {
	fds, err := Socketpair()
	require.NoError(t, err)
	defer Close(fds[0])
	defer Close(fds[1])

	chunk := make([]byte, 64<<10)
	for i := 0; i < 1024; i++ {
		_, err = SendBuffers(fds[0], [][]byte{chunk})
		if err != nil {
			break
		}
	}
	assert.True(t, IsTryAgain(err))
}

func TestConnectError(t *testing.T) {
	assert.Equal(t, api.KindConnectRefused, ConnectError(unix.ECONNREFUSED).Kind)
	assert.Equal(t, api.KindConnectTryAgain, ConnectError(unix.EAGAIN).Kind)
	assert.Equal(t, api.KindConnectTimeout, ConnectError(unix.ETIMEDOUT).Kind)
	assert.Equal(t, api.KindGeneric, ConnectError(unix.ENETUNREACH).Kind)
}

func TestResolveTCP(t *testing.T) {
	ap, err := ResolveTCP("127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:8080"), ap)

	ap, err = ResolveTCP(":9000")
	require.NoError(t, err)
	assert.True(t, ap.Addr().IsUnspecified())
	assert.Equal(t, uint16(9000), ap.Port())

	ap, err = ResolveTCP("[::ffff:10.0.0.1]:1")
	require.NoError(t, err)
	assert.True(t, ap.Addr().Is4())

	_, err = ResolveTCP("no-port")
	assert.Error(t, err)
}
