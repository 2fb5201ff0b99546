package server

import (
	"net/netip"

	"github.com/momentics/hioload-tcp/api"
)

// Owner callbacks, keyed by connection id. All run on the connection's
// event thread and must not block.
type (
	AcceptFunc  func(id api.ConnID)
	RecvFunc    func(id api.ConnID, data []byte)
	SendFunc    func(id api.ConnID, err error, n int)
	CloseFunc   func(id api.ConnID, peer netip.AddrPort)
	TimeoutFunc func(id api.ConnID)
	ErrFunc     func(err error)
)
