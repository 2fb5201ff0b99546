// File: network/connection.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection is the per-socket state machine: one persistent read Event
// for receive, peer close and idle timeout, plus a transient write Event
// that lives only while the output buffer is being flushed.

package network

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/control"
	"github.com/momentics/hioload-tcp/pool"
	"github.com/momentics/hioload-tcp/reactor"
	"github.com/momentics/hioload-tcp/transport"
)

// Status of a Connection. Transitions never go backwards.
type Status int32

const (
	StatusDefault Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusDefault:
		return "default"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	}
	return "unknown"
}

var defaultReadPool = pool.NewBytePool(pool.DefaultReadBufferSize)

// sendEventHook observes write Event registration (+1) and release (-1).
var sendEventHook func(id api.ConnID, delta int)

type connConfig struct {
	idleTimeout time.Duration
	sendTimeout time.Duration
	callbacks   Callbacks
	metrics     *control.Metrics
	readPool    *pool.BytePool
}

// ConnOption customizes NewConnection.
type ConnOption func(*connConfig)

// WithIdleTimeout closes the connection after d without readable activity.
func WithIdleTimeout(d time.Duration) ConnOption {
	return func(c *connConfig) { c.idleTimeout = d }
}

// WithSendTimeout reports a send timeout when the socket stays unwritable
// for d while output is pending.
func WithSendTimeout(d time.Duration) ConnOption {
	return func(c *connConfig) { c.sendTimeout = d }
}

// WithCallbacks installs the owner callbacks.
func WithCallbacks(cbs Callbacks) ConnOption {
	return func(c *connConfig) { c.callbacks = cbs }
}

// WithConnMetrics records connection activity in m.
func WithConnMetrics(m *control.Metrics) ConnOption {
	return func(c *connConfig) { c.metrics = m }
}

// WithReadBufferSize sets the size of one read. Connections sharing a size
// may share a pool; pass WithReadPool for that.
func WithReadBufferSize(n int) ConnOption {
	return func(c *connConfig) {
		if n > 0 && n != pool.DefaultReadBufferSize {
			c.readPool = pool.NewBytePool(n)
		}
	}
}

// WithReadPool draws read buffers from p.
func WithReadPool(p *pool.BytePool) ConnOption {
	return func(c *connConfig) {
		if p != nil {
			c.readPool = p
		}
	}
}

// Connection owns one connected, non-blocking socket.
type Connection struct {
	id          api.ConnID
	peer        netip.AddrPort
	thread      weak.Pointer[EvThread]
	idleTimeout time.Duration
	sendTimeout time.Duration
	metrics     *control.Metrics
	readPool    *pool.BytePool

	cbMu sync.RWMutex
	cbs  Callbacks

	status atomic.Int32

	// mu guards the descriptor and both events; held across socket calls
	// so Close can never release a descriptor mid-syscall.
	mu     sync.Mutex
	fd     int
	readEv *reactor.Event
	sendEv *reactor.Event
	opened bool

	// outMu guards out and the drain decision. local belongs to the write
	// Event once swapped in.
	outMu   sync.Mutex
	out     *outputBuffer
	local   *outputBuffer
	outFree atomic.Bool
}

// NewConnection wraps fd, a connected non-blocking socket, bound to
// thread. The connection does nothing until RunInEventLoop. It takes
// ownership of fd.
func NewConnection(thread *EvThread, fd int, peer netip.AddrPort, opts ...ConnOption) (*Connection, error) {
	if thread == nil {
		return nil, api.NewError(api.KindGeneric, "network: nil event thread")
	}
	if fd < 0 {
		return nil, api.NewError(api.KindGeneric, "network: invalid descriptor").WithContext("fd", fd)
	}
	cfg := connConfig{
		idleTimeout: control.DefaultIdleTimeout,
		sendTimeout: control.DefaultSendTimeout,
		readPool:    defaultReadPool,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.idleTimeout <= 0 {
		return nil, api.NewError(api.KindGeneric, "network: idle timeout must be positive").WithContext("idle_timeout", cfg.idleTimeout)
	}
	if cfg.sendTimeout <= 0 {
		return nil, api.NewError(api.KindGeneric, "network: send timeout must be positive").WithContext("send_timeout", cfg.sendTimeout)
	}
	c := &Connection{
		id:          nextConnID(),
		peer:        peer,
		thread:      weak.Make(thread),
		idleTimeout: cfg.idleTimeout,
		sendTimeout: cfg.sendTimeout,
		metrics:     cfg.metrics,
		readPool:    cfg.readPool,
		cbs:         cfg.callbacks,
		fd:          fd,
		out:         newOutputBuffer(),
		local:       newOutputBuffer(),
	}
	c.status.Store(int32(StatusConnected))
	c.outFree.Store(true)
	return c, nil
}

// ID returns the connection id, never zero.
func (c *Connection) ID() api.ConnID { return c.id }

// PeerAddress returns the remote address.
func (c *Connection) PeerAddress() netip.AddrPort { return c.peer }

// Status returns the current status.
func (c *Connection) Status() Status { return Status(c.status.Load()) }

// IsConnected reports whether the connection is usable.
func (c *Connection) IsConnected() bool { return c.Status() == StatusConnected }

// IsClosed reports whether Close has run. Once true it stays true.
func (c *Connection) IsClosed() bool { return c.Status() == StatusDisconnected }

// IdleTimeout returns the configured idle timeout.
func (c *Connection) IdleTimeout() time.Duration { return c.idleTimeout }

// BindThread resolves the owning thread, or nil once it has been freed.
func (c *Connection) BindThread() *EvThread { return c.thread.Value() }

// BindThreadIsRunning reports whether the owning thread is alive and running.
func (c *Connection) BindThreadIsRunning() bool {
	t := c.BindThread()
	return t != nil && t.IsRunning()
}

// Activated reports whether RunInEventLoop ever registered the read Event.
// It stays true after Close.
func (c *Connection) Activated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// PendingBytes returns the number of bytes accepted by AsyncSend but not
// yet handed to the write Event.
func (c *Connection) PendingBytes() int {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.out.len()
}

// SetOnRecv replaces the receive callback.
func (c *Connection) SetOnRecv(fn func(*Connection, []byte)) {
	c.cbMu.Lock()
	c.cbs.OnRecv = fn
	c.cbMu.Unlock()
}

// SetOnSend replaces the send callback.
func (c *Connection) SetOnSend(fn func(*Connection, error, int)) {
	c.cbMu.Lock()
	c.cbs.OnSend = fn
	c.cbMu.Unlock()
}

// SetOnClose replaces the close callback.
func (c *Connection) SetOnClose(fn func(api.ConnID, netip.AddrPort)) {
	c.cbMu.Lock()
	c.cbs.OnClose = fn
	c.cbMu.Unlock()
}

// SetOnTimeout replaces the idle timeout callback.
func (c *Connection) SetOnTimeout(fn func(*Connection)) {
	c.cbMu.Lock()
	c.cbs.OnTimeout = fn
	c.cbMu.Unlock()
}

// SetOnError replaces the error callback.
func (c *Connection) SetOnError(fn func(api.ConnID, error)) {
	c.cbMu.Lock()
	c.cbs.OnError = fn
	c.cbMu.Unlock()
}

func (c *Connection) callbacks() Callbacks {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()
	return c.cbs
}

// setStatus moves the status forward. A backward transition is refused
// and reported with ok == false.
func (c *Connection) setStatus(s Status) (prev Status, ok bool) {
	for {
		cur := c.status.Load()
		if int32(s) < cur {
			return Status(cur), false
		}
		if c.status.CompareAndSwap(cur, int32(s)) {
			return Status(cur), true
		}
	}
}

// RunInEventLoop registers the read Event, armed with the idle timeout.
// If the owning thread is gone or not running this is a silent no-op and
// the connection never becomes active.
func (c *Connection) RunInEventLoop() error {
	t := c.BindThread()
	if t == nil || !t.IsRunning() {
		logger.WithField("conn", c.id).Debug("owning thread not running, connection stays inactive")
		return nil
	}
	if !c.IsConnected() {
		return api.NewError(api.KindNotConnected, "network: connection closed").WithContext("conn", c.id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return api.NewError(api.KindNotConnected, "network: connection closed").WithContext("conn", c.id)
	}
	if c.readEv != nil {
		return api.NewError(api.KindAlreadyListening, "network: connection already in event loop").WithContext("conn", c.id)
	}
	ev, err := t.RegisterEventSafe(c.fd, reactor.Readable|reactor.Closed|reactor.Persistent, c.idleTimeout, c.onEvent)
	if err != nil {
		return err
	}
	c.readEv = ev
	c.opened = true
	c.metrics.ConnOpened()
	logger.WithFields(logrus.Fields{"conn": c.id, "peer": c.peer, "thread": t.ID()}).Debug("connection active")
	return nil
}

func (c *Connection) onEvent(_ *reactor.Event, fired reactor.Interest) {
	switch {
	case fired&reactor.Timeout != 0:
		c.onIdleTimeout()
	case fired&reactor.Readable != 0:
		// data queued ahead of a hangup is read first; the EOF follows
		c.recv()
	case fired&reactor.Closed != 0:
		_ = c.Close()
	}
}

func (c *Connection) onIdleTimeout() {
	logger.WithFields(logrus.Fields{"conn": c.id, "idle": c.idleTimeout}).Debug("idle timeout")
	if cb := c.callbacks().OnTimeout; cb != nil {
		cb(c)
	} else {
		c.reportMissing("timeout")
	}
	_ = c.Close()
}

func (c *Connection) recv() {
	buf := c.readPool.GetBuffer()
	defer c.readPool.PutBuffer(buf)

	c.mu.Lock()
	if c.fd < 0 {
		c.mu.Unlock()
		return
	}
	n, err := transport.Read(c.fd, *buf)
	c.mu.Unlock()

	switch {
	case err == nil && n > 0:
		c.metrics.Received(n)
		if cb := c.callbacks().OnRecv; cb != nil {
			cb(c, (*buf)[:n])
		} else {
			c.reportMissing("recv")
		}
	case err == nil:
		c.reportError(api.NewError(api.KindRecvEOF, "network: peer closed").WithContext("conn", c.id))
		_ = c.Close()
	case transport.IsTryAgain(err):
		c.reportError(api.Wrap(api.KindRecvTryAgain, "network: recv try again", err).WithContext("conn", c.id))
	case transport.IsRefused(err):
		c.reportError(api.Wrap(api.KindRecvRefused, "network: recv refused", err).WithContext("conn", c.id))
	default:
		c.reportError(api.Wrap(api.KindRecvOther, "network: recv", err).WithContext("conn", c.id))
	}
}

// AsyncSend queues data and makes sure exactly one write Event flushes it.
// Safe from any goroutine; data is copied. The bytes are written later on
// the owning thread and reported through OnSend.
func (c *Connection) AsyncSend(data []byte) error {
	if !c.IsConnected() {
		return api.NewError(api.KindNotConnected, "network: send on closed connection").WithContext("conn", c.id)
	}
	if len(data) == 0 {
		return nil
	}
	c.outMu.Lock()
	c.out.append(data)
	c.outMu.Unlock()

	// losing the race means a write Event is live and will pick the
	// bytes up before it retires
	if !c.outFree.CompareAndSwap(true, false) {
		return nil
	}
	return c.registSendEvent()
}

// registSendEvent runs with the free flag held. It moves the output buffer
// into the write Event's local buffer and registers that Event on the
// owning thread. On failure the bytes go back to the head of the output
// buffer and the flag is released.
func (c *Connection) registSendEvent() error {
	t := c.BindThread()
	if t == nil || !t.IsRunning() {
		logger.WithField("conn", c.id).Debug("owning thread not running, output stays buffered")
		c.outFree.Store(true)
		return nil
	}

	c.outMu.Lock()
	c.local.swap(c.out)
	c.outMu.Unlock()

	c.mu.Lock()
	var err error
	if c.fd < 0 {
		err = api.NewError(api.KindNotConnected, "network: send on closed connection").WithContext("conn", c.id)
	} else {
		var ev *reactor.Event
		ev, err = t.RegisterEventSafe(c.fd, reactor.Writable|reactor.Persistent, c.sendTimeout, c.onWrite)
		if err == nil {
			c.sendEv = ev
			// recorded under mu so it is ordered before the Event's release
			c.metrics.SendEventRegistered()
			if hook := sendEventHook; hook != nil {
				hook(c.id, 1)
			}
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.outMu.Lock()
		c.out.prepend(c.local)
		c.outFree.Store(true)
		c.outMu.Unlock()
		return err
	}
	return nil
}

func (c *Connection) onWrite(ev *reactor.Event, fired reactor.Interest) {
	if c.IsClosed() {
		return
	}
	if fired&reactor.Timeout != 0 {
		// keep waiting for writability; the Event stays armed
		c.reportSend(api.NewError(api.KindSendTimeout, "network: send timeout").
			WithContext("conn", c.id).WithContext("timeout", c.sendTimeout), 0)
		return
	}
	if fired&reactor.Writable == 0 {
		return
	}

	n, err := c.flush()
	c.metrics.Sent(n)
	if err != nil {
		if transport.IsBrokenPipe(err) {
			c.reportSend(api.Wrap(api.KindGeneric, "network: peer gone", err).WithContext("conn", c.id), n)
			_ = c.Close()
			return
		}
		c.reportSend(api.Wrap(api.KindGeneric, "network: send", err).WithContext("conn", c.id), n)
	} else if n > 0 {
		c.reportSend(nil, n)
	}
	if c.IsClosed() {
		return
	}
	c.drain(ev)
}

// flush writes as much of the local buffer as the socket accepts.
func (c *Connection) flush() (int, error) {
	batch := pool.BatchPool.Get()
	defer pool.BatchPool.Put(batch)

	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for c.fd >= 0 && !c.local.empty() {
		batch.Reset()
		c.local.fill(batch)
		n, err := transport.SendBuffers(c.fd, batch.Iovecs())
		if n > 0 {
			c.local.consume(n)
			total += n
		}
		if err != nil {
			if transport.IsTryAgain(err) {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}

// drain retires the write Event once both buffers are empty, or feeds it
// the bytes appended since the last swap. The emptiness check and the flag
// release share outMu with AsyncSend's append, so appended bytes are either
// seen here or trigger a fresh registration.
func (c *Connection) drain(ev *reactor.Event) {
	c.outMu.Lock()
	if !c.local.empty() {
		c.outMu.Unlock()
		return
	}
	if !c.out.empty() {
		c.local.swap(c.out)
		c.outMu.Unlock()
		return
	}

	c.mu.Lock()
	cancelErr := ev.CancelListen()
	owned := c.sendEv == ev
	if owned {
		c.sendEv = nil
	}
	c.mu.Unlock()
	if owned {
		c.releasedSendEvent()
	}
	c.outFree.Store(true)
	c.outMu.Unlock()

	if cancelErr != nil {
		c.reportError(cancelErr)
	}
}

func (c *Connection) releasedSendEvent() {
	c.metrics.SendEventDone()
	if hook := sendEventHook; hook != nil {
		hook(c.id, -1)
	}
}

// Close cancels both events, closes the socket and fires OnClose. Only the
// first call has any effect; safe from any goroutine.
func (c *Connection) Close() error {
	if prev, _ := c.setStatus(StatusDisconnected); prev == StatusDisconnected {
		return nil
	}

	c.mu.Lock()
	var err error
	if c.readEv != nil {
		err = multierr.Append(err, c.readEv.CancelListen())
		c.readEv = nil
	}
	hadSend := c.sendEv != nil
	if hadSend {
		err = multierr.Append(err, c.sendEv.CancelListen())
		c.sendEv = nil
	}
	if c.fd >= 0 {
		err = multierr.Append(err, transport.Close(c.fd))
		c.fd = -1
	}
	opened := c.opened
	c.mu.Unlock()

	// with fd gone flush no longer touches local, so outMu suffices
	c.outMu.Lock()
	c.out.reset()
	c.local.reset()
	c.outMu.Unlock()

	if hadSend {
		c.releasedSendEvent()
	}
	if opened {
		c.metrics.ConnClosed()
	}
	logger.WithFields(logrus.Fields{"conn": c.id, "peer": c.peer}).Debug("connection closed")

	if cb := c.callbacks().OnClose; cb != nil {
		cb(c.id, c.peer)
	} else {
		c.reportMissing("close")
	}
	return err
}

func (c *Connection) reportSend(err error, n int) {
	if err != nil {
		c.metrics.Error(err)
	}
	if cb := c.callbacks().OnSend; cb != nil {
		cb(c, err, n)
		return
	}
	if err != nil {
		c.reportError(err)
		return
	}
	c.reportMissing("send")
}

func (c *Connection) reportError(err error) {
	c.metrics.Error(err)
	if cb := c.callbacks().OnError; cb != nil {
		cb(c.id, err)
		return
	}
	entry := logger.WithFields(logrus.Fields{"conn": c.id, "error": err})
	switch kind := api.KindOf(err); {
	case kind == api.KindRecvEOF || kind.Transient():
		entry.Debug("connection error dropped, no error callback")
	default:
		entry.Warn("connection error dropped, no error callback")
	}
}

func (c *Connection) reportMissing(name string) {
	err := api.NewError(api.KindGeneric, "no "+name+" callback").WithContext("conn", c.id)
	if cb := c.callbacks().OnError; cb != nil {
		cb(c.id, err)
		return
	}
	logger.WithFields(logrus.Fields{"conn": c.id, "callback": name}).Debug("event dropped, no callback")
}

var _ api.Conn = (*Connection)(nil)
