//go:build linux
// +build linux

// File: transport/socket_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking socket primitives on top of x/sys/unix.

package transport

import (
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tcp/api"
)

// DefaultBacklog is the listen(2) queue length used when none is given.
const DefaultBacklog = 1024

// sendFlags keep a vanished peer from raising SIGPIPE and never block.
const sendFlags = unix.MSG_NOSIGNAL | unix.MSG_DONTWAIT

// Listen binds a non-blocking TCP listening socket and returns its
// descriptor together with the address actually bound.
func Listen(addr netip.AddrPort, backlog int) (int, netip.AddrPort, error) {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	addr = normalize(addr)
	fd, err := unix.Socket(family(addr), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, netip.AddrPort{}, api.Wrap(api.KindGeneric, "transport: socket", err)
	}
	fail := func(op string, err error) (int, netip.AddrPort, error) {
		_ = unix.Close(fd)
		return -1, netip.AddrPort{}, api.Wrap(api.KindGeneric, "transport: "+op, err).WithContext("addr", addr.String())
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, toSockaddr(addr)); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}
	bound, err := LocalAddr(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	return fd, bound, nil
}

// Accept takes one pending connection off a listening socket. The new
// descriptor is non-blocking with TCP_NODELAY set. EAGAIN is returned
// unwrapped when the backlog is empty.
func Accept(lfd int) (int, netip.AddrPort, error) {
	for {
		nfd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err != nil {
			return -1, netip.AddrPort{}, err
		}
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		return nfd, fromSockaddr(sa), nil
	}
}

// Connect starts a non-blocking connect. pending reports that completion
// must be awaited with a writable event and checked with SocketError.
func Connect(addr netip.AddrPort) (fd int, pending bool, err error) {
	addr = normalize(addr)
	fd, err = unix.Socket(family(addr), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, false, api.Wrap(api.KindGeneric, "transport: socket", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	err = unix.Connect(fd, toSockaddr(addr))
	for err == unix.EINTR {
		// the attempt continues in the background after EINTR
		err = unix.EINPROGRESS
	}
	switch err {
	case nil:
		return fd, false, nil
	case unix.EINPROGRESS:
		return fd, true, nil
	}
	_ = unix.Close(fd)
	return -1, false, ConnectError(err).WithContext("addr", addr.String())
}

// ConnectError maps a connect(2) errno onto the matching error kind.
func ConnectError(err error) *api.Error {
	switch err {
	case unix.ECONNREFUSED:
		return api.Wrap(api.KindConnectRefused, "transport: connection refused", err)
	case unix.EAGAIN:
		return api.Wrap(api.KindConnectTryAgain, "transport: connect try again", err)
	case unix.ETIMEDOUT:
		return api.Wrap(api.KindConnectTimeout, "transport: connect timed out", err)
	}
	return api.Wrap(api.KindGeneric, "transport: connect", err)
}

// SocketError returns the pending SO_ERROR of fd, or nil.
func SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// Read reads into buf, retrying on EINTR. Errors are raw errnos.
func Read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// SendBuffers writes bufs with a single sendmsg(2) and reports the bytes
// accepted by the kernel. Errors are raw errnos.
func SendBuffers(fd int, bufs [][]byte) (int, error) {
	for {
		n, err := unix.SendmsgBuffers(fd, bufs, nil, nil, sendFlags)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// Close releases fd.
func Close(fd int) error {
	return unix.Close(fd)
}

// ShutdownWrite half-closes the sending side.
func ShutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// LocalAddr returns the local address of fd.
func LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

// PeerAddr returns the remote address of fd. Non-IP sockets yield the
// zero AddrPort.
func PeerAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

// Socketpair returns a connected pair of non-blocking stream sockets.
func Socketpair() ([2]int, error) {
	return unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
}

// IsTryAgain reports EAGAIN/EWOULDBLOCK.
func IsTryAgain(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// IsBrokenPipe reports errors meaning the peer can no longer receive.
func IsBrokenPipe(err error) bool {
	return err == unix.EPIPE || err == unix.ECONNRESET
}

// IsRefused reports ECONNREFUSED.
func IsRefused(err error) bool {
	return err == unix.ECONNREFUSED
}

func family(ap netip.AddrPort) int {
	if ap.Addr().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func toSockaddr(ap netip.AddrPort) unix.Sockaddr {
	if ap.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return normalize(netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)))
	}
	return netip.AddrPort{}
}

// IsInProgress reports a connect(2) that has not completed yet.
func IsInProgress(err error) bool {
	return err == unix.EINPROGRESS || err == unix.EALREADY || err == unix.EINTR
}
