// File: network/evthread.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EvThread runs one EventLoop on a dedicated, optionally CPU-pinned, OS
// thread.

package network

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/momentics/hioload-tcp/affinity"
	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/control"
	"github.com/momentics/hioload-tcp/reactor"
)

var logger = logrus.WithField("component", "network")

// ThreadStatus only moves forward: Default, Running, Finished.
type ThreadStatus int32

const (
	ThreadDefault ThreadStatus = iota
	ThreadRunning
	ThreadFinished
)

func (s ThreadStatus) String() string {
	switch s {
	case ThreadDefault:
		return "default"
	case ThreadRunning:
		return "running"
	case ThreadFinished:
		return "finished"
	}
	return "unknown"
}

type threadConfig struct {
	cpu      int
	pinAll   bool
	metrics  *control.Metrics
	loopOpts []reactor.LoopOption
}

// ThreadOption customizes NewEvThread and NewThreadPool.
type ThreadOption func(*threadConfig)

// WithCPU pins the thread to one logical CPU.
func WithCPU(cpu int) ThreadOption {
	return func(c *threadConfig) { c.cpu = cpu }
}

// WithPinning makes a ThreadPool pin thread i to CPU i modulo NumCPU.
func WithPinning() ThreadOption {
	return func(c *threadConfig) { c.pinAll = true }
}

// WithThreadMetrics records thread lifecycle in m.
func WithThreadMetrics(m *control.Metrics) ThreadOption {
	return func(c *threadConfig) { c.metrics = m }
}

// WithLoopOptions forwards options to the underlying EventLoop.
func WithLoopOptions(opts ...reactor.LoopOption) ThreadOption {
	return func(c *threadConfig) { c.loopOpts = append(c.loopOpts, opts...) }
}

// EvThread owns an EventLoop and the OS thread running it.
type EvThread struct {
	id      api.ThreadID
	loop    *reactor.EventLoop
	cpu     int
	metrics *control.Metrics

	regMu   sync.Mutex
	status  atomic.Int32
	started atomic.Bool
	tid     atomic.Int64

	ready    chan struct{}
	done     chan struct{}
	startErr error
	loopErr  error
}

// NewEvThread creates a thread with a fresh EventLoop. Start runs it.
func NewEvThread(opts ...ThreadOption) (*EvThread, error) {
	cfg := threadConfig{cpu: -1}
	for _, opt := range opts {
		opt(&cfg)
	}
	return newEvThread(cfg)
}

func newEvThread(cfg threadConfig) (*EvThread, error) {
	loop, err := reactor.NewEventLoop(cfg.loopOpts...)
	if err != nil {
		return nil, err
	}
	t := &EvThread{
		id:      nextThreadID(),
		loop:    loop,
		cpu:     cfg.cpu,
		metrics: cfg.metrics,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	t.tid.Store(-1)
	return t, nil
}

// ID returns the process-unique thread id.
func (t *EvThread) ID() api.ThreadID { return t.id }

// Loop exposes the owned EventLoop.
func (t *EvThread) Loop() *reactor.EventLoop { return t.loop }

// Status returns the lifecycle state.
func (t *EvThread) Status() ThreadStatus { return ThreadStatus(t.status.Load()) }

// IsRunning reports whether the loop thread is live. Never blocks.
func (t *EvThread) IsRunning() bool { return t.Status() == ThreadRunning }

// OSThreadID returns the kernel thread id of the loop, or -1 before Start.
func (t *EvThread) OSThreadID() int { return int(t.tid.Load()) }

// Start spawns the loop thread and returns once it is live. Starting a
// thread twice is an error.
func (t *EvThread) Start() error {
	if !t.started.CompareAndSwap(false, true) {
		return api.NewError(api.KindGeneric, "network: thread already started").WithContext("thread", t.id)
	}
	go t.run()
	<-t.ready
	return t.startErr
}

func (t *EvThread) run() {
	// never unlocked: the OS thread exits with this goroutine, so a CPU pin
	// cannot leak into the scheduler's thread pool
	runtime.LockOSThread()
	defer close(t.done)

	if t.cpu >= 0 {
		if err := affinity.SetAffinity(t.cpu); err != nil {
			t.startErr = err
			t.status.Store(int32(ThreadFinished))
			close(t.ready)
			return
		}
	}
	t.tid.Store(int64(osThreadID()))
	t.status.Store(int32(ThreadRunning))
	t.metrics.ThreadStarted()
	logger.WithFields(logrus.Fields{"thread": t.id, "tid": t.OSThreadID(), "cpu": t.cpu}).Debug("event thread started")
	close(t.ready)

	start := time.Now()
	err := t.loop.StartLoop(reactor.LoopNoExitOnEmpty)
	t.loopErr = err
	t.status.Store(int32(ThreadFinished))
	t.metrics.ThreadStopped()

	fields := logrus.Fields{"thread": t.id, "uptime": time.Since(start)}
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("event loop failed")
		return
	}
	logger.WithFields(fields).Debug("event thread finished")
}

// Stop breaks the loop and waits for the thread to exit. It is a no-op on
// a thread that never started or already finished. Called from the loop
// thread itself it requests the break and returns an error instead of
// waiting on itself.
func (t *EvThread) Stop() error {
	if !t.started.Load() {
		return nil
	}
	<-t.ready
	if t.Status() == ThreadFinished {
		<-t.done
		return t.loopErr
	}
	if err := t.loop.BreakLoop(); err != nil {
		return api.Wrap(api.KindGeneric, "network: break loop", err).WithContext("thread", t.id)
	}
	if osThreadID() == t.OSThreadID() {
		return api.NewError(api.KindGeneric, "network: stop called from its own event thread").WithContext("thread", t.id)
	}
	<-t.done
	return t.loopErr
}

// Close stops the thread if needed, then releases its loop.
func (t *EvThread) Close() error {
	err := t.Stop()
	if err != nil && t.IsRunning() {
		// still iterating: releasing the loop now would pull it out from
		// under its own thread
		return err
	}
	return multierr.Append(err, t.loop.Close())
}

// RegisterEvent creates an Event on the loop and arms it.
func (t *EvThread) RegisterEvent(fd int, interest reactor.Interest, timeout time.Duration, cb reactor.Callback) (*reactor.Event, error) {
	ev := t.loop.CreateEvent(fd, interest, cb)
	if err := ev.StartListen(timeout); err != nil {
		return nil, err
	}
	return ev, nil
}

// RegisterEventSafe is RegisterEvent serialized against concurrent
// registrations from other goroutines.
func (t *EvThread) RegisterEventSafe(fd int, interest reactor.Interest, timeout time.Duration, cb reactor.Callback) (*reactor.Event, error) {
	t.regMu.Lock()
	defer t.regMu.Unlock()
	return t.RegisterEvent(fd, interest, timeout, cb)
}

// Post runs fn on the loop thread.
func (t *EvThread) Post(fn func()) error {
	if !t.IsRunning() {
		return api.NewError(api.KindGeneric, "network: thread not running").WithContext("thread", t.id)
	}
	return t.loop.Post(fn)
}
