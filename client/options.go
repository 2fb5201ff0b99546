// File: client/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"time"

	"github.com/momentics/hioload-tcp/control"
	"github.com/momentics/hioload-tcp/pool"
)

// Option customizes client initialization.
type Option func(*TcpClient)

// WithConnectTimeout sets the timeout used when AsyncConnect is given none.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *TcpClient) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithIdleTimeout sets the idle timeout of the established connection.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *TcpClient) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithSendTimeout sets the send timeout of the established connection.
func WithSendTimeout(d time.Duration) Option {
	return func(c *TcpClient) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

// WithReadBufferSize sets the per-read scratch size.
func WithReadBufferSize(n int) Option {
	return func(c *TcpClient) {
		if n > 0 {
			c.readPool = pool.NewBytePool(n)
		}
	}
}

// WithMetrics records connection and error counters in m.
func WithMetrics(m *control.Metrics) Option {
	return func(c *TcpClient) {
		c.metrics = m
	}
}

// WithConfig takes every timeout and the buffer size from cfg.
func WithConfig(cfg control.Config) Option {
	return func(c *TcpClient) {
		WithConnectTimeout(cfg.ConnectTimeout)(c)
		WithIdleTimeout(cfg.IdleTimeout)(c)
		WithSendTimeout(cfg.SendTimeout)(c)
		WithReadBufferSize(cfg.ReadBufferSize)(c)
	}
}
