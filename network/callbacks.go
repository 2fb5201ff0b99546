// File: network/callbacks.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package network

import (
	"net/netip"

	"github.com/momentics/hioload-tcp/api"
)

// Callbacks connect a Connection to its owner. Every field is optional;
// an event whose callback is missing is reported through OnError as a
// generic error, and dropped with a debug log when OnError is missing too.
type Callbacks struct {
	// OnRecv receives bytes read from the socket. data is only valid for
	// the duration of the call.
	OnRecv func(c *Connection, data []byte)
	// OnSend reports one flush attempt: bytes written and the error, if any.
	OnSend func(c *Connection, err error, n int)
	// OnClose fires exactly once after the socket is closed.
	OnClose func(id api.ConnID, peer netip.AddrPort)
	// OnTimeout fires when the idle timeout elapses; Close follows.
	OnTimeout func(c *Connection)
	// OnError reports receive, send and misconfiguration errors.
	OnError func(id api.ConnID, err error)
}
