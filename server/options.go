// File: server/options.go
// Package server defines functional options for the TcpServer.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"time"

	"github.com/momentics/hioload-tcp/control"
	"github.com/momentics/hioload-tcp/network"
	"github.com/momentics/hioload-tcp/pool"
)

// Option customizes server initialization.
type Option func(*TcpServer)

// WithThreadPool spreads accepted connections round-robin over p instead
// of keeping them on the listen thread.
func WithThreadPool(p *network.ThreadPool) Option {
	return func(s *TcpServer) {
		s.pool = p
	}
}

// WithIdleTimeout overrides the idle timeout of connections accepted later.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *TcpServer) {
		if d > 0 {
			s.idleTimeout.Store(int64(d))
		}
	}
}

// WithSendTimeout overrides the send timeout of accepted connections.
func WithSendTimeout(d time.Duration) Option {
	return func(s *TcpServer) {
		if d > 0 {
			s.sendTimeout.Store(int64(d))
		}
	}
}

// WithReadBufferSize sets the per-read scratch size.
func WithReadBufferSize(n int) Option {
	return func(s *TcpServer) {
		if n > 0 {
			s.readPool.Store(pool.NewBytePool(n))
		}
	}
}

// WithMetrics records connection and error counters in m.
func WithMetrics(m *control.Metrics) Option {
	return func(s *TcpServer) {
		s.metrics = m
	}
}

// WithConfigStore takes timeouts and buffer size from cs and follows its
// reloads. Reloaded values apply to connections accepted afterwards.
func WithConfigStore(cs *control.ConfigStore) Option {
	return func(s *TcpServer) {
		s.store = cs
	}
}
