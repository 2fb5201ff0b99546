// File: transport/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package transport wraps the raw non-blocking socket calls used by the
// reactor-driven connections: listen, accept, connect, scatter-gather send
// and address conversion. Descriptors are plain ints owned by the caller.
package transport
