// File: transport/addr.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net"
	"net/netip"

	"github.com/momentics/hioload-tcp/api"
)

// ResolveTCP turns "host:port" into an AddrPort. An empty host means the
// IPv4 wildcard address.
func ResolveTCP(addr string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return normalize(ap), nil
	}
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return netip.AddrPort{}, api.Wrap(api.KindGeneric, "transport: resolve address", err).WithContext("addr", addr)
	}
	ap := ta.AddrPort()
	if !ap.Addr().IsValid() {
		ap = netip.AddrPortFrom(netip.IPv4Unspecified(), ap.Port())
	}
	return normalize(ap), nil
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	if ap.Addr().Is4In6() {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return ap
}
