// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

// DefaultReadBufferSize is the scratch size used for one read(2).
const DefaultReadBufferSize = 4096

// BytePool hands out fixed-size byte slices. Buffers of another capacity
// are dropped on Put instead of being pooled.
type BytePool struct {
	pool *SyncPool[*[]byte]
	size int
}

// NewBytePool returns a pool of size-byte buffers. Non-positive sizes fall
// back to DefaultReadBufferSize.
func NewBytePool(size int) *BytePool {
	if size <= 0 {
		size = DefaultReadBufferSize
	}
	return &BytePool{
		pool: NewSyncPool(func() *[]byte {
			b := make([]byte, size)
			return &b
		}),
		size: size,
	}
}

// Size returns the buffer length handed out by GetBuffer.
func (b *BytePool) Size() int { return b.size }

// GetBuffer returns a buffer from the pool.
func (b *BytePool) GetBuffer() *[]byte {
	buf := b.pool.Get()
	*buf = (*buf)[:b.size]
	return buf
}

// PutBuffer returns a buffer to the pool.
func (b *BytePool) PutBuffer(buf *[]byte) {
	if buf == nil || cap(*buf) != b.size {
		return
	}
	b.pool.Put(buf)
}
