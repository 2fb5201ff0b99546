//go:build linux

package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/control"
)

var peerAddr = netip.MustParseAddrPort("127.0.0.1:4242")

func TestConnectionIDsAreUniqueAndNonZero(t *testing.T) {
	th := startThread(t)
	seen := map[api.ConnID]bool{}
	for i := 0; i < 10; i++ {
		c, _ := newConn(t, th, Callbacks{})
		require.NotEqual(t, api.InvalidConnID, c.ID())
		require.False(t, seen[c.ID()])
		seen[c.ID()] = true
	}
}

func TestNewConnectionValidation(t *testing.T) {
	th := startThread(t)
	_, err := NewConnection(nil, 3, peerAddr)
	assert.Error(t, err)
	_, err = NewConnection(th, -1, peerAddr)
	assert.Error(t, err)
	_, err = NewConnection(th, 3, peerAddr, WithIdleTimeout(0))
	assert.Error(t, err)
	_, err = NewConnection(th, 3, peerAddr, WithSendTimeout(-time.Second))
	assert.Error(t, err)
}

func TestAsyncSendDeliversToPeer(t *testing.T) {
	th := startThread(t)
	sent := make(chan int, 4)
	c, peer := newConn(t, th, Callbacks{
		OnSend: func(_ *Connection, err error, n int) {
			assert.NoError(t, err)
			sent <- n
		},
	})
	require.NoError(t, c.RunInEventLoop())

	require.NoError(t, c.AsyncSend([]byte("hello")))
	assert.Equal(t, "hello", string(readN(t, peer, 5)))
	assert.Equal(t, 5, <-sent)
}

func TestRecvDeliversBytes(t *testing.T) {
	th := startThread(t)
	got := make(chan []byte, 4)
	c, peer := newConn(t, th, Callbacks{
		OnRecv: func(c *Connection, data []byte) {
			assert.Equal(t, th.OSThreadID(), osThreadID(), "callbacks run on the owning thread")
			got <- append([]byte(nil), data...)
		},
	})
	require.NoError(t, c.RunInEventLoop())
	assert.ErrorIs(t, c.RunInEventLoop(), api.ErrAlreadyListening)

	_, err := peer.Write([]byte("ping"))
	require.NoError(t, err)
	select {
	case data := <-got:
		assert.Equal(t, "ping", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("no data received")
	}
}

func TestConcurrentSendersSingleWriter(t *testing.T) {
	const senders, perSender = 2, 1000

	var inFlight, maxInFlight, registrations atomic.Int32
	var target atomic.Uint64
	sendEventHook = func(id api.ConnID, delta int) {
		if uint64(id) != target.Load() {
			return
		}
		if delta > 0 {
			registrations.Add(1)
		}
		now := inFlight.Add(int32(delta))
		for {
			old := maxInFlight.Load()
			if now <= old || maxInFlight.CompareAndSwap(old, now) {
				break
			}
		}
	}
	t.Cleanup(func() { sendEventHook = nil })

	th := startThread(t)
	c, peer := newConn(t, th, Callbacks{OnSend: func(*Connection, error, int) {}})
	target.Store(uint64(c.ID()))
	require.NoError(t, c.RunInEventLoop())

	var wg sync.WaitGroup
	for g := 0; g < senders; g++ {
		wg.Add(1)
		go func(g byte) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				rec := []byte{g, 0, 0, 0xAA}
				binary.BigEndian.PutUint16(rec[1:3], uint16(i))
				assert.NoError(t, c.AsyncSend(rec))
			}
		}(byte(g))
	}

	stream := readN(t, peer, senders*perSender*4)
	wg.Wait()

	next := make([]int, senders)
	for off := 0; off < len(stream); off += 4 {
		rec := stream[off : off+4]
		require.Equal(t, byte(0xAA), rec[3], "record torn at offset %d", off)
		g := int(rec[0])
		require.Less(t, g, senders)
		require.Equal(t, next[g], int(binary.BigEndian.Uint16(rec[1:3])), "sender %d out of order", g)
		next[g]++
	}
	for g := range next {
		assert.Equal(t, perSender, next[g])
	}
	assert.LessOrEqual(t, maxInFlight.Load(), int32(1))
	assert.Positive(t, registrations.Load())
	require.Eventually(t, func() bool { return inFlight.Load() == 0 }, time.Second, time.Millisecond)
}

func TestLargeSendSurvivesPartialWrites(t *testing.T) {
	th := startThread(t)
	c, peer := newConn(t, th, Callbacks{OnSend: func(*Connection, error, int) {}})
	require.NoError(t, c.RunInEventLoop())

	payload := bytes.Repeat([]byte("0123456789abcdef"), 256*1024)
	require.NoError(t, c.AsyncSend(payload))
	assert.True(t, bytes.Equal(payload, readN(t, peer, len(payload))))
}

func TestIdleTimeoutThenClose(t *testing.T) {
	th := startThread(t)
	order := make(chan string, 4)
	c, _ := newConn(t, th, Callbacks{
		OnTimeout: func(*Connection) { order <- "timeout" },
		OnClose:   func(api.ConnID, netip.AddrPort) { order <- "close" },
	}, WithIdleTimeout(50*time.Millisecond))

	start := time.Now()
	require.NoError(t, c.RunInEventLoop())

	for _, want := range []string{"timeout", "close"} {
		select {
		case got := <-order:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("missing %s callback", want)
		}
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 150*time.Millisecond)
	assert.True(t, c.IsClosed())
	assert.Empty(t, order, "timeout and close fire exactly once")
}

func TestActivityDefersIdleTimeout(t *testing.T) {
	th := startThread(t)
	var timeouts atomic.Int32
	c, peer := newConn(t, th, Callbacks{
		OnRecv:    func(*Connection, []byte) {},
		OnTimeout: func(*Connection) { timeouts.Add(1) },
	}, WithIdleTimeout(100*time.Millisecond))
	require.NoError(t, c.RunInEventLoop())

	for i := 0; i < 6; i++ {
		time.Sleep(30 * time.Millisecond)
		_, err := peer.Write([]byte{1})
		require.NoError(t, err)
	}
	assert.Zero(t, timeouts.Load())
	assert.True(t, c.IsConnected())
}

func TestPeerCloseIsEOF(t *testing.T) {
	th := startThread(t)
	errs := make(chan error, 4)
	closed := make(chan api.ConnID, 1)
	c, peer := newConn(t, th, Callbacks{
		OnError: func(_ api.ConnID, err error) { errs <- err },
		OnClose: func(id api.ConnID, peer netip.AddrPort) {
			assert.Equal(t, peerAddr, peer)
			closed <- id
		},
	})
	require.NoError(t, c.RunInEventLoop())
	require.NoError(t, peer.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, api.ErrRecvEOF)
	case <-time.After(2 * time.Second):
		t.Fatal("EOF not reported")
	}
	assert.Equal(t, c.ID(), <-closed)
	assert.True(t, c.IsClosed())
}

func TestStatusNeverRollsBack(t *testing.T) {
	th := startThread(t)
	c, _ := newConn(t, th, Callbacks{})
	assert.True(t, c.IsConnected())

	require.NoError(t, c.Close())
	prev, ok := c.setStatus(StatusConnected)
	assert.False(t, ok)
	assert.Equal(t, StatusDisconnected, prev)
	assert.True(t, c.IsClosed())
	assert.False(t, c.IsConnected())
}

func TestCloseIsIdempotent(t *testing.T) {
	th := startThread(t)
	var closes atomic.Int32
	c, _ := newConn(t, th, Callbacks{
		OnClose: func(api.ConnID, netip.AddrPort) { closes.Add(1) },
	})
	require.NoError(t, c.RunInEventLoop())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Close())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), closes.Load())
	assert.Equal(t, -1, c.fd)
	assert.Equal(t, 0, th.Loop().Stats().ActiveEvents)
}

func TestSendOnClosedConnection(t *testing.T) {
	th := startThread(t)
	c, _ := newConn(t, th, Callbacks{})
	require.NoError(t, c.Close())
	err := c.AsyncSend([]byte("late"))
	assert.True(t, errors.Is(err, api.ErrNotConnected))
	assert.ErrorIs(t, c.RunInEventLoop(), api.ErrNotConnected)
}

func TestDeadThreadIsNoop(t *testing.T) {
	th, err := NewEvThread()
	require.NoError(t, err)
	require.NoError(t, th.Start())
	require.NoError(t, th.Stop())
	defer th.Close()

	c, _ := newConn(t, th, Callbacks{})
	assert.False(t, c.BindThreadIsRunning())
	require.NoError(t, c.RunInEventLoop())
	require.NoError(t, c.AsyncSend([]byte("queued")))
	assert.Equal(t, 6, c.PendingBytes())
	assert.Equal(t, 0, th.Loop().Stats().ActiveEvents)
	assert.True(t, c.outFree.Load())
}

func TestMissingCallbackReportedThroughOnError(t *testing.T) {
	th := startThread(t)
	errs := make(chan error, 4)
	c, peer := newConn(t, th, Callbacks{
		OnError: func(_ api.ConnID, err error) { errs <- err },
	})
	require.NoError(t, c.RunInEventLoop())
	_, err := peer.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.Equal(t, api.KindGeneric, api.KindOf(err))
		assert.Contains(t, err.Error(), "no recv callback")
	case <-time.After(2 * time.Second):
		t.Fatal("missing callback not reported")
	}
}

func TestMissingCallbacksWithoutOnErrorAreDropped(t *testing.T) {
	th := startThread(t)
	c, peer := newConn(t, th, Callbacks{})
	require.NoError(t, c.RunInEventLoop())
	_, err := peer.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, peer.Close())
	require.Eventually(t, c.IsClosed, 2*time.Second, time.Millisecond)
}

func TestSendToVanishedPeerCloses(t *testing.T) {
	th := startThread(t)
	c, peer := newConn(t, th, Callbacks{
		OnSend:  func(*Connection, error, int) {},
		OnError: func(api.ConnID, error) {},
	})
	require.NoError(t, c.RunInEventLoop())
	require.NoError(t, peer.Close())
	_ = c.AsyncSend([]byte("into the void"))
	require.Eventually(t, c.IsClosed, 2*time.Second, time.Millisecond)
}

func TestSendTimeoutReported(t *testing.T) {
	th := startThread(t)
	timeouts := make(chan error, 8)
	c, _ := newConn(t, th, Callbacks{
		OnSend: func(_ *Connection, err error, _ int) {
			if errors.Is(err, api.ErrSendTimeout) {
				select {
				case timeouts <- err:
				default:
				}
			}
		},
	}, WithSendTimeout(30*time.Millisecond))
	require.NoError(t, c.RunInEventLoop())

	// the peer never reads, so the socket buffer fills and stays full
	require.NoError(t, c.AsyncSend(make([]byte, 8<<20)))
	select {
	case err := <-timeouts:
		assert.Equal(t, api.KindSendTimeout, api.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("send timeout not reported")
	}
	assert.True(t, c.IsConnected(), "send timeout does not close the connection")
}

func TestConnectionMetrics(t *testing.T) {
	m := control.NewMetrics(control.WithRegistry(prometheus.NewRegistry()))
	th := startThread(t)
	c, peer := newConn(t, th, Callbacks{OnSend: func(*Connection, error, int) {}}, WithConnMetrics(m))
	require.NoError(t, c.RunInEventLoop())
	require.NoError(t, c.AsyncSend([]byte("abc")))
	readN(t, peer, 3)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.BytesOut) == 3 && testutil.ToFloat64(m.SendEventsActive) == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendEvents))

	require.NoError(t, c.Close())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnsClosed))
}

func TestSendRegistrationFailureKeepsBytes(t *testing.T) {
	th := startThread(t)
	// a descriptor number nothing has open, so epoll_ctl rejects it
	const fd = 1<<20 - 1
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	require.ErrorIs(t, err, unix.EBADF)

	c, err := NewConnection(th, fd, peerAddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	err = c.AsyncSend([]byte("abc"))
	assert.True(t, errors.Is(err, api.ErrRegistrationFailed), "got %v", err)
	assert.Equal(t, 3, c.PendingBytes())
	assert.True(t, c.outFree.Load(), "free flag released")

	err = c.AsyncSend([]byte("de"))
	assert.True(t, errors.Is(err, api.ErrRegistrationFailed), "retry registers again, got %v", err)
	assert.Equal(t, 5, c.PendingBytes())
	assert.True(t, c.outFree.Load())

	c.outMu.Lock()
	assert.Equal(t, []byte("abcde"), c.out.bytes())
	assert.True(t, c.local.empty())
	c.outMu.Unlock()
	assert.Equal(t, 0, th.Loop().Stats().ActiveEvents)
}

// connOnFreedThread binds a connection to a thread that is stopped and
// no longer referenced.
func connOnFreedThread(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	th, err := NewEvThread()
	require.NoError(t, err)
	require.NoError(t, th.Start())
	require.NoError(t, th.Close())

	fd, peer := socketPair(t)
	c, err := NewConnection(th, fd, peerAddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, peer
}

func TestFreedThreadIsNoop(t *testing.T) {
	c, _ := connOnFreedThread(t)
	require.Eventually(t, func() bool {
		runtime.GC()
		return c.BindThread() == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.BindThreadIsRunning())

	require.NoError(t, c.RunInEventLoop())
	assert.False(t, c.Activated())
	require.NoError(t, c.AsyncSend([]byte("queued")))
	assert.Equal(t, 6, c.PendingBytes())
	assert.True(t, c.outFree.Load())

	c.mu.Lock()
	assert.Nil(t, c.readEv)
	assert.Nil(t, c.sendEv)
	c.mu.Unlock()
	assert.True(t, c.IsConnected(), "an inactive connection is not closed behind the owner's back")
}
