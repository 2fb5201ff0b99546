// File: api/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Identifiers and the narrow connection capability set shared by the
// network, server and client packages.

package api

import "net/netip"

// ConnID identifies a connection for the lifetime of the process.
// Zero is never assigned.
type ConnID uint64

// InvalidConnID is the zero, never-assigned connection id.
const InvalidConnID ConnID = 0

// ThreadID identifies an event thread. Zero is never assigned.
type ThreadID int32

// Conn is what higher-level owners need from a connection.
type Conn interface {
	ID() ConnID
	PeerAddress() netip.AddrPort
	IsConnected() bool
	IsClosed() bool
	AsyncSend(data []byte) error
	Close() error
}
