// File: network/buffer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Chunked FIFO of pending output bytes.

package network

import (
	"github.com/eapache/queue"

	"github.com/momentics/hioload-tcp/pool"
)

// outputBuffer queues byte chunks in append order. head is the number of
// bytes of the first chunk already written. Not safe for concurrent use.
type outputBuffer struct {
	chunks *queue.Queue
	head   int
	size   int
}

func newOutputBuffer() *outputBuffer {
	return &outputBuffer{chunks: queue.New()}
}

// append copies p so the caller may reuse it, and returns len(p).
func (b *outputBuffer) append(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	b.chunks.Add(append([]byte(nil), p...))
	b.size += len(p)
	return len(p)
}

func (b *outputBuffer) len() int { return b.size }

func (b *outputBuffer) empty() bool { return b.size == 0 }

// swap exchanges contents with o in O(1).
func (b *outputBuffer) swap(o *outputBuffer) {
	*b, *o = *o, *b
}

// fill adds pending chunks to batch, oldest first, until it is full.
func (b *outputBuffer) fill(batch *pool.Batch) {
	for i := 0; i < b.chunks.Length() && !batch.Full(); i++ {
		chunk := b.chunks.Get(i).([]byte)
		if i == 0 {
			chunk = chunk[b.head:]
		}
		batch.Append(chunk)
	}
}

// consume drops the first n pending bytes.
func (b *outputBuffer) consume(n int) {
	if n > b.size {
		n = b.size
	}
	b.size -= n
	for n > 0 {
		chunk := b.chunks.Peek().([]byte)
		rest := len(chunk) - b.head
		if n < rest {
			b.head += n
			return
		}
		n -= rest
		b.chunks.Remove()
		b.head = 0
	}
}

// prepend moves every pending byte of front ahead of b's own, leaving
// front empty.
func (b *outputBuffer) prepend(front *outputBuffer) {
	if front.empty() {
		return
	}
	merged := newOutputBuffer()
	merged.drainFrom(front)
	merged.drainFrom(b)
	b.swap(merged)
}

func (b *outputBuffer) drainFrom(src *outputBuffer) {
	for src.chunks.Length() > 0 {
		chunk := src.chunks.Remove().([]byte)
		if src.head > 0 {
			chunk = chunk[src.head:]
			src.head = 0
		}
		if len(chunk) > 0 {
			b.chunks.Add(chunk)
			b.size += len(chunk)
		}
	}
	src.size = 0
}

func (b *outputBuffer) reset() {
	b.chunks = queue.New()
	b.head = 0
	b.size = 0
}

// bytes flattens the pending data. Test and diagnostics helper.
func (b *outputBuffer) bytes() []byte {
	out := make([]byte, 0, b.size)
	for i := 0; i < b.chunks.Length(); i++ {
		chunk := b.chunks.Get(i).([]byte)
		if i == 0 {
			chunk = chunk[b.head:]
		}
		out = append(out, chunk...)
	}
	return out
}
