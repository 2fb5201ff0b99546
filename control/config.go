// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe configuration store with dynamic update and hot-reload propagation.

package control

import (
	"runtime"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/momentics/hioload-tcp/api"
)

// Defaults applied by DefaultConfig.
const (
	DefaultIdleTimeout    = 5000 * time.Millisecond
	DefaultSendTimeout    = 2000 * time.Millisecond
	DefaultConnectTimeout = 2000 * time.Millisecond
	DefaultReadBufferSize = 4096
	DefaultListenAddr     = "0.0.0.0:6666"
)

// Config holds every tunable of a server or client process.
type Config struct {
	ListenAddr     string
	Threads        int
	IdleTimeout    time.Duration
	SendTimeout    time.Duration
	ConnectTimeout time.Duration
	ReadBufferSize int
	PinThreads     bool
	LogLevel       string
}

// DefaultConfig returns the stock configuration, one worker per CPU.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     DefaultListenAddr,
		Threads:        runtime.NumCPU(),
		IdleTimeout:    DefaultIdleTimeout,
		SendTimeout:    DefaultSendTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		ReadBufferSize: DefaultReadBufferSize,
		LogLevel:       "info",
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var err error
	invalid := func(field string, v any) {
		err = multierr.Append(err, api.NewError(api.KindGeneric, "control: invalid "+field).WithContext(field, v))
	}
	if c.Threads < 0 {
		invalid("threads", c.Threads)
	}
	if c.IdleTimeout <= 0 {
		invalid("idle_timeout", c.IdleTimeout)
	}
	if c.SendTimeout <= 0 {
		invalid("send_timeout", c.SendTimeout)
	}
	if c.ConnectTimeout <= 0 {
		invalid("connect_timeout", c.ConnectTimeout)
	}
	if c.ReadBufferSize <= 0 {
		invalid("read_buffer_size", c.ReadBufferSize)
	}
	return err
}

// ConfigStore holds the current Config with atomic snapshot and listener support.
type ConfigStore struct {
	mu        sync.RWMutex
	config    Config
	listeners []func(Config)
}

// NewConfigStore initializes a store with cfg, which must validate.
func NewConfigStore(cfg Config) (*ConfigStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ConfigStore{config: cfg}, nil
}

// Get returns a copy of the current config.
func (cs *ConfigStore) Get() Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config
}

// Update applies fn to a copy of the config. An invalid result is
// discarded; otherwise it becomes current and listeners are called
// synchronously with the new snapshot.
func (cs *ConfigStore) Update(fn func(*Config)) error {
	cs.mu.Lock()
	next := cs.config
	fn(&next)
	if err := next.Validate(); err != nil {
		cs.mu.Unlock()
		return err
	}
	cs.config = next
	listeners := append([]func(Config){}, cs.listeners...)
	cs.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func(Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
