// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TcpServer accepts on one event thread and hands every connection to a
// worker thread, keeping an id-indexed map for Send and Close.

package server

import (
	"net/netip"
	"sync"
	"sync/atomic"
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

var logger = logrus.WithField("component", "server")

// TcpServer is a reactor-driven TCP acceptor.
type TcpServer struct {
	listenThread *network.EvThread
	pool         *network.ThreadPool
	metrics      *control.Metrics
	store        *control.ConfigStore

	readPool    atomic.Pointer[pool.BytePool]
	idleTimeout atomic.Int64
	sendTimeout atomic.Int64

	listenMu   sync.Mutex
	listenEv   *reactor.Event
	listenFd   int
	listenAddr netip.AddrPort

	connMu sync.RWMutex
	conns  map[api.ConnID]*network.Connection

	cbMu      sync.RWMutex
	onRecv    RecvFunc
	onSend    SendFunc
	onClose   CloseFunc
	onTimeout TimeoutFunc
	onErr     ErrFunc
}

// New builds a server whose listening socket lives on listenThread.
func New(listenThread *network.EvThread, opts ...Option) (*TcpServer, error) {
	if listenThread == nil {
		return nil, api.NewError(api.KindGeneric, "server: nil listen thread")
	}
	s := &TcpServer{
		listenThread: listenThread,
		listenFd:     -1,
		conns:        make(map[api.ConnID]*network.Connection),
	}
	s.idleTimeout.Store(int64(control.DefaultIdleTimeout))
	s.sendTimeout.Store(int64(control.DefaultSendTimeout))
	for _, opt := range opts {
		opt(s)
	}
	if s.store != nil {
		s.applyConfig(s.store.Get())
		s.store.OnReload(s.applyConfig)
	}
	if s.readPool.Load() == nil {
		s.readPool.Store(pool.NewBytePool(pool.DefaultReadBufferSize))
	}
	return s, nil
}

func (s *TcpServer) applyConfig(cfg control.Config) {
	s.idleTimeout.Store(int64(cfg.IdleTimeout))
	s.sendTimeout.Store(int64(cfg.SendTimeout))
	if p := s.readPool.Load(); p == nil || p.Size() != cfg.ReadBufferSize {
		s.readPool.Store(pool.NewBytePool(cfg.ReadBufferSize))
	}
	logger.WithFields(logrus.Fields{
		"idle_timeout": cfg.IdleTimeout,
		"send_timeout": cfg.SendTimeout,
	}).Debug("server config applied")
}

// IdleTimeout returns the timeout given to newly accepted connections.
func (s *TcpServer) IdleTimeout() time.Duration { return time.Duration(s.idleTimeout.Load()) }

// SetOnRecv installs the receive callback.
func (s *TcpServer) SetOnRecv(fn RecvFunc) { s.cbMu.Lock(); s.onRecv = fn; s.cbMu.Unlock() }

// SetOnSend installs the send-result callback.
func (s *TcpServer) SetOnSend(fn SendFunc) { s.cbMu.Lock(); s.onSend = fn; s.cbMu.Unlock() }

// SetOnClose installs the close callback.
func (s *TcpServer) SetOnClose(fn CloseFunc) { s.cbMu.Lock(); s.onClose = fn; s.cbMu.Unlock() }

// SetOnTimeout installs the idle-timeout callback.
func (s *TcpServer) SetOnTimeout(fn TimeoutFunc) { s.cbMu.Lock(); s.onTimeout = fn; s.cbMu.Unlock() }

// SetOnErr installs the error callback. Without one errors are logged.
func (s *TcpServer) SetOnErr(fn ErrFunc) { s.cbMu.Lock(); s.onErr = fn; s.cbMu.Unlock() }

// AsyncListen binds addr and accepts on the listen thread, calling
// onAccept for every new connection before it enters its loop.
func (s *TcpServer) AsyncListen(addr string, onAccept AcceptFunc) error {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()

	if s.listenEv != nil {
		return api.NewError(api.KindAlreadyListening, "server: already listening").WithContext("addr", s.listenAddr.String())
	}
	if onAccept == nil {
		return api.NewError(api.KindGeneric, "server: accept callback is nil")
	}
	ap, err := transport.ResolveTCP(addr)
	if err != nil {
		return err
	}
	fd, bound, err := transport.Listen(ap, transport.DefaultBacklog)
	if err != nil {
		return err
	}
	ev, err := s.listenThread.RegisterEventSafe(fd, reactor.Readable|reactor.Persistent, 0,
		func(_ *reactor.Event, fired reactor.Interest) {
			if fired&reactor.Readable != 0 {
				s.accept(fd, onAccept)
			}
		})
	if err != nil {
		_ = transport.Close(fd)
		return err
	}
	s.listenEv, s.listenFd, s.listenAddr = ev, fd, bound
	logger.WithField("addr", bound).Debug("listening")
	return nil
}

// StopListen closes the listening socket. Established connections stay.
func (s *TcpServer) StopListen() error {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.listenEv == nil {
		return api.NewError(api.KindGeneric, "server: not listening")
	}
	err := multierr.Append(s.listenEv.CancelListen(), transport.Close(s.listenFd))
	s.listenEv, s.listenFd = nil, -1
	logger.WithField("addr", s.listenAddr).Debug("listen stopped")
	return err
}

// ListenAddress returns the bound address, including the kernel-chosen
// port when listening on port 0.
func (s *TcpServer) ListenAddress() netip.AddrPort {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	return s.listenAddr
}

// IsListening reports whether the listening socket is registered.
func (s *TcpServer) IsListening() bool {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	return s.listenEv != nil
}

// accept drains the backlog. Runs on the listen thread.
func (s *TcpServer) accept(lfd int, onAccept AcceptFunc) {
	for {
		fd, peer, err := transport.Accept(lfd)
		if err != nil {
			if !transport.IsTryAgain(err) {
				s.reportErr(api.Wrap(api.KindGeneric, "server: accept", err))
			}
			return
		}
		thread := s.nextThread()
		if !thread.IsRunning() {
			_ = transport.Close(fd)
			s.reportErr(api.NewError(api.KindGeneric, "server: worker thread not running").WithContext("thread", thread.ID()))
			continue
		}
		conn, err := network.NewConnection(thread, fd, peer,
			network.WithIdleTimeout(time.Duration(s.idleTimeout.Load())),
			network.WithSendTimeout(time.Duration(s.sendTimeout.Load())),
			network.WithReadPool(s.readPool.Load()),
			network.WithConnMetrics(s.metrics),
			network.WithCallbacks(s.callbacks()),
		)
		if err != nil {
			_ = transport.Close(fd)
			s.reportErr(err)
			continue
		}

		s.connMu.Lock()
		s.conns[conn.ID()] = conn
		s.connMu.Unlock()

		logger.WithFields(logrus.Fields{"conn": conn.ID(), "peer": peer, "thread": thread.ID()}).Debug("accepted")
		onAccept(conn.ID())
		s.activate(conn)
	}
}

// activate enters conn into its loop. A connection that does not become
// active, including one whose worker stopped after the running check, is
// closed so it never lingers in the map.
func (s *TcpServer) activate(conn *network.Connection) {
	err := conn.RunInEventLoop()
	if err == nil && !conn.Activated() {
		err = api.NewError(api.KindGeneric, "server: worker thread stopped before activation").WithContext("conn", conn.ID())
	}
	if err != nil {
		s.reportErr(err)
		_ = conn.Close()
	}
}

func (s *TcpServer) nextThread() *network.EvThread {
	if s.pool != nil {
		return s.pool.Next()
	}
	return s.listenThread
}

// callbacks adapts connection callbacks to the id-keyed server ones.
// Missing server callbacks are reported through the error callback.
func (s *TcpServer) callbacks() network.Callbacks {
	return network.Callbacks{
		OnRecv: func(c *network.Connection, data []byte) {
			s.cbMu.RLock()
			fn := s.onRecv
			s.cbMu.RUnlock()
			if fn == nil {
				s.reportMissing("recv", c.ID())
				return
			}
			fn(c.ID(), data)
		},
		OnSend: func(c *network.Connection, err error, n int) {
			s.cbMu.RLock()
			fn := s.onSend
			s.cbMu.RUnlock()
			if fn == nil {
				if err != nil {
					s.reportErr(err)
					return
				}
				s.reportMissing("send", c.ID())
				return
			}
			fn(c.ID(), err, n)
		},
		OnClose: func(id api.ConnID, peer netip.AddrPort) {
			s.connMu.Lock()
			delete(s.conns, id)
			s.connMu.Unlock()

			s.cbMu.RLock()
			fn := s.onClose
			s.cbMu.RUnlock()
			if fn == nil {
				s.reportMissing("close", id)
				return
			}
			fn(id, peer)
		},
		OnTimeout: func(c *network.Connection) {
			s.cbMu.RLock()
			fn := s.onTimeout
			s.cbMu.RUnlock()
			if fn == nil {
				s.reportMissing("timeout", c.ID())
				return
			}
			fn(c.ID())
		},
		OnError: func(_ api.ConnID, err error) {
			s.reportErr(err)
		},
	}
}

func (s *TcpServer) reportMissing(name string, id api.ConnID) {
	s.reportErr(api.NewError(api.KindGeneric, "server: no "+name+" callback").WithContext("conn", id))
}

func (s *TcpServer) reportErr(err error) {
	s.cbMu.RLock()
	fn := s.onErr
	s.cbMu.RUnlock()
	if fn != nil {
		fn(err)
		return
	}
	logger.WithError(err).Warn("server error")
}

func (s *TcpServer) lookup(id api.ConnID) (*network.Connection, error) {
	s.connMu.RLock()
	conn, ok := s.conns[id]
	s.connMu.RUnlock()
	if !ok {
		return nil, api.NewError(api.KindNotConnected, "server: connection not found").WithContext("conn", id)
	}
	return conn, nil
}

// Send queues data on connection id.
func (s *TcpServer) Send(id api.ConnID, data []byte) error {
	conn, err := s.lookup(id)
	if err != nil {
		return err
	}
	return conn.AsyncSend(data)
}

// Close closes connection id; its close callback follows.
func (s *TcpServer) Close(id api.ConnID) error {
	conn, err := s.lookup(id)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Conn returns the live connection with the given id.
func (s *TcpServer) Conn(id api.ConnID) (api.Conn, bool) {
	conn, err := s.lookup(id)
	if err != nil {
		return nil, false
	}
	return conn, true
}

// ConnCount returns the number of open connections.
func (s *TcpServer) ConnCount() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.conns)
}

// Shutdown stops listening and closes every connection.
func (s *TcpServer) Shutdown() error {
	var err error
	if s.IsListening() {
		err = s.StopListen()
	}
	s.connMu.RLock()
	conns := make([]*network.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.RUnlock()
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// RegisterProbes exposes server state through dp.
func (s *TcpServer) RegisterProbes(dp *control.DebugProbes) {
	dp.RegisterProbe("server.connections", func() any { return s.ConnCount() })
	dp.RegisterProbe("server.listening", func() any { return s.IsListening() })
	dp.RegisterProbe("server.listen_addr", func() any { return s.ListenAddress().String() })
	dp.RegisterProbe("server.idle_timeout", func() any { return s.IdleTimeout().String() })
}
