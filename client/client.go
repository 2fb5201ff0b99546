// File: client/client.go
// Package client provides TcpClient, a single outbound connection driven
// by an event thread.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// AsyncConnect starts a non-blocking connect and waits for writability on
// the client's thread. The outcome reaches the connect callback exactly
// once: success, timeout, refusal or a generic failure.

package client

import (
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/control"
	"github.com/momentics/hioload-tcp/network"
	"github.com/momentics/hioload-tcp/pool"
	"github.com/momentics/hioload-tcp/reactor"
	"github.com/momentics/hioload-tcp/transport"
)

var logger = logrus.WithField("component", "client")

// TcpClient owns at most one connection at a time.
type TcpClient struct {
	thread   *network.EvThread
	metrics  *control.Metrics
	readPool *pool.BytePool

	connectTimeout time.Duration
	idleTimeout    time.Duration
	sendTimeout    time.Duration

	mu         sync.Mutex
	connectEv  *reactor.Event
	connectFd  int
	serverAddr netip.AddrPort
	conn       *network.Connection

	cbMu      sync.RWMutex
	onConnect ConnectFunc
	onRecv    RecvFunc
	onSend    SendFunc
	onClose   CloseFunc
	onTimeout TimeoutFunc
	onErr     ErrFunc
}

// New builds a client whose connection lives on thread.
func New(thread *network.EvThread, opts ...Option) (*TcpClient, error) {
	if thread == nil {
		return nil, api.NewError(api.KindGeneric, "client: nil thread")
	}
	c := &TcpClient{
		thread:         thread,
		connectFd:      -1,
		connectTimeout: control.DefaultConnectTimeout,
		idleTimeout:    control.DefaultIdleTimeout,
		sendTimeout:    control.DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.readPool == nil {
		c.readPool = pool.NewBytePool(pool.DefaultReadBufferSize)
	}
	return c, nil
}

// SetOnConnect installs the connect-outcome callback. Required before
// AsyncConnect.
func (c *TcpClient) SetOnConnect(fn ConnectFunc) { c.cbMu.Lock(); c.onConnect = fn; c.cbMu.Unlock() }

// SetOnRecv installs the receive callback.
func (c *TcpClient) SetOnRecv(fn RecvFunc) { c.cbMu.Lock(); c.onRecv = fn; c.cbMu.Unlock() }

// SetOnSend installs the send-result callback.
func (c *TcpClient) SetOnSend(fn SendFunc) { c.cbMu.Lock(); c.onSend = fn; c.cbMu.Unlock() }

// SetOnClose installs the close callback.
func (c *TcpClient) SetOnClose(fn CloseFunc) { c.cbMu.Lock(); c.onClose = fn; c.cbMu.Unlock() }

// SetOnTimeout installs the idle-timeout callback.
func (c *TcpClient) SetOnTimeout(fn TimeoutFunc) { c.cbMu.Lock(); c.onTimeout = fn; c.cbMu.Unlock() }

// SetOnErr installs the error callback. Without one errors are logged.
func (c *TcpClient) SetOnErr(fn ErrFunc) { c.cbMu.Lock(); c.onErr = fn; c.cbMu.Unlock() }

func (c *TcpClient) connectCallback() ConnectFunc {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()
	return c.onConnect
}

// AsyncConnect starts connecting to addr. A timeout <= 0 selects the
// configured connect timeout.
func (c *TcpClient) AsyncConnect(addr string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.IsConnected() {
		return api.NewError(api.KindGeneric, "client: already connected").WithContext("server", c.serverAddr.String())
	}
	if c.connectEv != nil {
		return api.NewError(api.KindAlreadyConnecting, "client: connect in progress").WithContext("server", c.serverAddr.String())
	}
	if c.connectCallback() == nil {
		return api.NewError(api.KindGeneric, "client: connect callback is nil")
	}
	if timeout <= 0 {
		timeout = c.connectTimeout
	}
	ap, err := transport.ResolveTCP(addr)
	if err != nil {
		return err
	}
	fd, _, err := transport.Connect(ap)
	if err != nil {
		c.metrics.Error(err)
		return err
	}
	// an immediately connected socket is writable at once, so both cases
	// complete through the same event
	ev, err := c.thread.RegisterEventSafe(fd, reactor.Writable|reactor.Persistent, timeout, c.onConnectEvent)
	if err != nil {
		_ = transport.Close(fd)
		return err
	}
	c.connectEv, c.connectFd, c.serverAddr, c.conn = ev, fd, ap, nil
	logger.WithFields(logrus.Fields{"server": ap, "timeout": timeout}).Debug("connecting")
	return nil
}

// onConnectEvent runs on the client thread when the socket turns writable
// or the connect timeout elapses.
func (c *TcpClient) onConnectEvent(ev *reactor.Event, fired reactor.Interest) {
	c.mu.Lock()
	if c.connectEv != ev {
		// canceled by Close while this fire was pending
		c.mu.Unlock()
		return
	}
	fd := c.connectFd
	var result *api.Error
	if fired&reactor.Timeout != 0 {
		result = api.NewError(api.KindConnectTimeout, "client: connect timed out")
	} else if serr := transport.SocketError(fd); serr != nil {
		result = transport.ConnectError(serr)
		if transport.IsInProgress(serr) || result.Kind == api.KindConnectTryAgain {
			c.mu.Unlock()
			return
		}
	}

	cancelErr := ev.CancelListen()
	c.connectEv, c.connectFd = nil, -1
	if result != nil {
		_ = transport.Close(fd)
		result.WithContext("server", c.serverAddr.String())
		c.mu.Unlock()
		c.fail(result)
		return
	}

	conn, err := network.NewConnection(c.thread, fd, c.serverAddr,
		network.WithIdleTimeout(c.idleTimeout),
		network.WithSendTimeout(c.sendTimeout),
		network.WithReadPool(c.readPool),
		network.WithConnMetrics(c.metrics),
		network.WithCallbacks(c.callbacks()),
	)
	if err != nil {
		_ = transport.Close(fd)
		c.mu.Unlock()
		c.fail(err)
		return
	}
	c.conn = conn
	c.mu.Unlock()

	if cancelErr != nil {
		c.reportErr(cancelErr)
	}
	logger.WithFields(logrus.Fields{"conn": conn.ID(), "server": conn.PeerAddress()}).Debug("connected")
	if cb := c.connectCallback(); cb != nil {
		cb(conn.ID(), nil)
	}
	err = conn.RunInEventLoop()
	if err == nil && !conn.Activated() {
		err = api.NewError(api.KindGeneric, "client: thread stopped before activation").WithContext("conn", conn.ID())
	}
	if err != nil {
		c.reportErr(err)
		_ = conn.Close()
	}
}

func (c *TcpClient) fail(err error) {
	c.metrics.Error(err)
	logger.WithError(err).Debug("connect failed")
	if cb := c.connectCallback(); cb != nil {
		cb(api.InvalidConnID, err)
		return
	}
	c.reportErr(err)
}

func (c *TcpClient) callbacks() network.Callbacks {
	return network.Callbacks{
		OnRecv: func(_ *network.Connection, data []byte) {
			c.cbMu.RLock()
			fn := c.onRecv
			c.cbMu.RUnlock()
			if fn == nil {
				c.reportMissing("recv")
				return
			}
			fn(data)
		},
		OnSend: func(_ *network.Connection, err error, n int) {
			c.cbMu.RLock()
			fn := c.onSend
			c.cbMu.RUnlock()
			if fn == nil {
				if err != nil {
					c.reportErr(err)
					return
				}
				c.reportMissing("send")
				return
			}
			fn(err, n)
		},
		OnClose: func(_ api.ConnID, peer netip.AddrPort) {
			c.cbMu.RLock()
			fn := c.onClose
			c.cbMu.RUnlock()
			if fn == nil {
				c.reportMissing("close")
				return
			}
			fn(peer)
		},
		OnTimeout: func(*network.Connection) {
			c.cbMu.RLock()
			fn := c.onTimeout
			c.cbMu.RUnlock()
			if fn == nil {
				c.reportMissing("timeout")
				return
			}
			fn()
		},
		OnError: func(_ api.ConnID, err error) {
			c.reportErr(err)
		},
	}
}

func (c *TcpClient) reportMissing(name string) {
	c.reportErr(api.NewError(api.KindGeneric, "client: no "+name+" callback").WithContext("conn", c.ConnID()))
}

func (c *TcpClient) reportErr(err error) {
	c.cbMu.RLock()
	fn := c.onErr
	c.cbMu.RUnlock()
	if fn != nil {
		fn(err)
		return
	}
	logger.WithError(err).Warn("client error")
}

// Send queues data on the established connection.
func (c *TcpClient) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return api.NewError(api.KindNotConnected, "client: not connected")
	}
	return conn.AsyncSend(data)
}

// Close cancels a pending connect and closes the connection, if any.
// The close callback follows for an established connection.
func (c *TcpClient) Close() error {
	c.mu.Lock()
	var err error
	if c.connectEv != nil {
		err = multierr.Append(c.connectEv.CancelListen(), transport.Close(c.connectFd))
		c.connectEv, c.connectFd = nil, -1
		logger.WithField("server", c.serverAddr).Debug("connect canceled")
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		err = multierr.Append(err, conn.Close())
	}
	return err
}

// IsConnected reports whether the connection is established and open.
func (c *TcpClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.IsConnected()
}

// IsConnecting reports whether a connect attempt is pending.
func (c *TcpClient) IsConnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectEv != nil
}

// ConnID returns the id of the current connection, or api.InvalidConnID.
func (c *TcpClient) ConnID() api.ConnID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return api.InvalidConnID
	}
	return c.conn.ID()
}

// ServerAddress returns the address of the last connect attempt.
func (c *TcpClient) ServerAddress() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverAddr
}
