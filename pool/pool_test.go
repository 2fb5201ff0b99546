package pool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-tcp/pool"
)

func TestBytePoolFixedSize(t *testing.T) {
	bp := pool.NewBytePool(0)
	require.Equal(t, pool.DefaultReadBufferSize, bp.Size())

	b := bp.GetBuffer()
	assert.Len(t, *b, pool.DefaultReadBufferSize)
	*b = (*b)[:10]
	bp.PutBuffer(b)

	b2 := bp.GetBuffer()
	assert.Len(t, *b2, pool.DefaultReadBufferSize)

	foreign := make([]byte, 7)
	bp.PutBuffer(&foreign)
	bp.PutBuffer(nil)
}

func TestSyncPoolResetOnPut(t *testing.T) {
	type obj struct{ n int }
	sp := pool.NewSyncPool(func() *obj { return &obj{} }).WithReset(func(o *obj) { o.n = 0 })
	o := sp.Get()
	o.n = 42
	sp.Put(o)
	assert.Equal(t, 0, o.n)
}

func TestBatchLimits(t *testing.T) {
	b := pool.NewBatch(2)
	assert.True(t, b.Append([]byte("ab")))
	assert.True(t, b.Append(nil))
	assert.True(t, b.Append([]byte("cde")))
	assert.True(t, b.Full())
	assert.False(t, b.Append([]byte("f")))
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 5, b.Bytes())
	assert.Equal(t, [][]byte{[]byte("ab"), []byte("cde")}, b.Iovecs())

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.Bytes())

	pooled := pool.BatchPool.Get()
	pooled.Append([]byte("x"))
	pool.BatchPool.Put(pooled)
	assert.Equal(t, 0, pooled.Len())
}
