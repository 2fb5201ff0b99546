// File: network/id.go
// Author: momentics <momentics@gmail.com>

package network

import (
	"sync/atomic"

	"github.com/momentics/hioload-tcp/api"
)

var (
	connIDs   atomic.Uint64
	threadIDs atomic.Int32
)

// nextConnID allocates a process-unique connection id. Zero is never
// returned.
func nextConnID() api.ConnID {
	return api.ConnID(connIDs.Add(1))
}

func nextThreadID() api.ThreadID {
	return api.ThreadID(threadIDs.Add(1))
}
