package client

import (
	"net/netip"

	"github.com/momentics/hioload-tcp/api"
)

// Owner callbacks. All except a synchronous AsyncConnect failure run on
// the client's event thread and must not block.
type (
	// ConnectFunc receives the connection id on success, or the failure
	// classified as connect timeout, connect refused or generic.
	ConnectFunc func(id api.ConnID, err error)
	RecvFunc    func(data []byte)
	SendFunc    func(err error, n int)
	CloseFunc   func(peer netip.AddrPort)
	TimeoutFunc func()
	ErrFunc     func(err error)
)
