// File: pool/batch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Iovec batch for one scatter-gather send.
// This implementation is NOT thread-safe and avoids mutex in hot-path.

package pool

// MaxIovecs caps one batch at the kernel's IOV_MAX.
const MaxIovecs = 1024

// Batch collects slices for a single sendmsg(2).
type Batch struct {
	iov   [][]byte
	bytes int
	limit int
}

// NewBatch creates a batch holding at most limit slices.
func NewBatch(limit int) *Batch {
	if limit <= 0 || limit > MaxIovecs {
		limit = MaxIovecs
	}
	return &Batch{iov: make([][]byte, 0, 16), limit: limit}
}

// Append adds p unless the batch is full; empty slices are skipped.
func (b *Batch) Append(p []byte) bool {
	if len(b.iov) >= b.limit {
		return false
	}
	if len(p) == 0 {
		return true
	}
	b.iov = append(b.iov, p)
	b.bytes += len(p)
	return true
}

// Full reports whether Append would refuse.
func (b *Batch) Full() bool { return len(b.iov) >= b.limit }

// Len returns number of slices in the batch.
func (b *Batch) Len() int { return len(b.iov) }

// Bytes returns the total payload size.
func (b *Batch) Bytes() int { return b.bytes }

// Iovecs returns the collected slices.
func (b *Batch) Iovecs() [][]byte { return b.iov }

// Reset clears the batch, dropping references to caller memory.
func (b *Batch) Reset() {
	clear(b.iov)
	b.iov = b.iov[:0]
	b.bytes = 0
}

// BatchPool recycles batches between send cycles.
var BatchPool = NewSyncPool(func() *Batch { return NewBatch(MaxIovecs) }).
	WithReset(func(b *Batch) { b.Reset() })
