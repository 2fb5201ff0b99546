//go:build !linux
// +build !linux

// File: transport/socket_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package transport

import (
	"net/netip"

	"github.com/momentics/hioload-tcp/api"
)

const DefaultBacklog = 1024

var errUnsupported = api.NewError(api.KindNotSupported, "transport: this platform is not supported")

func Listen(netip.AddrPort, int) (int, netip.AddrPort, error) {
	return -1, netip.AddrPort{}, errUnsupported
}
func Accept(int) (int, netip.AddrPort, error)   { return -1, netip.AddrPort{}, errUnsupported }
func Connect(netip.AddrPort) (int, bool, error) { return -1, false, errUnsupported }
func ConnectError(err error) *api.Error         { return api.Wrap(api.KindGeneric, "transport: connect", err) }
func SocketError(int) error                     { return errUnsupported }
func Read(int, []byte) (int, error)             { return 0, errUnsupported }
func SendBuffers(int, [][]byte) (int, error)    { return 0, errUnsupported }
func Close(int) error                           { return errUnsupported }
func ShutdownWrite(int) error                   { return errUnsupported }
func LocalAddr(int) (netip.AddrPort, error)     { return netip.AddrPort{}, errUnsupported }
func PeerAddr(int) (netip.AddrPort, error)      { return netip.AddrPort{}, errUnsupported }
func Socketpair() ([2]int, error)               { return [2]int{-1, -1}, errUnsupported }
func IsTryAgain(error) bool                     { return false }
func IsBrokenPipe(error) bool                   { return false }
func IsRefused(error) bool                      { return false }
func IsInProgress(error) bool                   { return false }
