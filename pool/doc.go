// Package pool
// Author: momentics <momentics@gmail.com>
//
// Reusable memory for the connection hot path: fixed-size receive buffers,
// a generic object pool and iovec batches for scatter-gather sends.
// See bytepool.go, objpool.go and batch.go.
package pool
