// File: reactor/loop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EventLoop owns one poller and dispatches Events, timers and posted tasks
// on whichever goroutine runs StartLoop.

package reactor

import (
	"container/heap"
	"math"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/momentics/hioload-tcp/api"
)

var logger = logrus.WithField("component", "reactor")

// LoopFlag tunes StartLoop.
type LoopFlag int

const (
	// LoopDefault blocks and exits once no events or tasks remain.
	LoopDefault LoopFlag = 0
	// LoopOnce runs a single blocking dispatch cycle.
	LoopOnce LoopFlag = 1 << 0
	// LoopNonBlock polls once without waiting.
	LoopNonBlock LoopFlag = 1 << 1
	// LoopNoExitOnEmpty keeps waiting with zero registered events.
	LoopNoExitOnEmpty LoopFlag = 1 << 2
)

const defaultMaxEvents = 256

var loopIDCounter atomic.Uint64

// LoopOption customizes NewEventLoop.
type LoopOption func(*EventLoop)

// WithClock replaces the time source used for event timeouts.
func WithClock(c clock.Clock) LoopOption {
	return func(l *EventLoop) {
		l.clock = c
	}
}

// WithMaxEvents sets how many readiness notifications one wait may return.
func WithMaxEvents(n int) LoopOption {
	return func(l *EventLoop) {
		if n > 0 {
			l.maxEvents = n
		}
	}
}

// LoopStats is a point-in-time view of a loop.
type LoopStats struct {
	ID           uint64
	ActiveEvents int
	PendingTasks int
	Cycles       uint64
	Running      bool
}

// fdEntry multiplexes every event registered on one descriptor.
type fdEntry struct {
	events []*Event
	mask   Interest
}

// EventLoop is a single-goroutine reactor. Registration, cancellation,
// Post and BreakLoop are safe from any goroutine; callbacks only ever run
// on the goroutine inside StartLoop.
type EventLoop struct {
	id        uint64
	poller    poller
	clock     clock.Clock
	maxEvents int

	mu     sync.Mutex
	fds    map[int]*fdEntry
	active map[*Event]struct{}
	timers timerHeap
	tasks  *queue.Queue
	nextID EventID
	closed bool

	running  atomic.Bool
	breakReq atomic.Bool
	cycles   atomic.Uint64

	// loop-goroutine scratch
	ioBuf    []*Event
	timerBuf []*Event
	taskBuf  []func()
}

// NewEventLoop creates a loop with its own poller.
func NewEventLoop(opts ...LoopOption) (*EventLoop, error) {
	l := &EventLoop{
		id:        loopIDCounter.Add(1),
		clock:     clock.New(),
		maxEvents: defaultMaxEvents,
		fds:       make(map[int]*fdEntry),
		active:    make(map[*Event]struct{}),
		tasks:     queue.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	p, err := newPoller(l.maxEvents)
	if err != nil {
		return nil, api.Wrap(api.KindGeneric, "reactor: create poller", err)
	}
	l.poller = p
	return l, nil
}

// ID returns the process-unique loop id.
func (l *EventLoop) ID() uint64 { return l.id }

// Clock returns the loop time source.
func (l *EventLoop) Clock() clock.Clock { return l.clock }

// CreateEvent builds an unarmed event bound to this loop.
func (l *EventLoop) CreateEvent(fd int, interest Interest, cb Callback) *Event {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.mu.Unlock()
	return &Event{
		id:       id,
		loop:     l,
		fd:       fd,
		interest: interest,
		cb:       cb,
		heapIdx:  -1,
	}
}

// IsRunning reports whether some goroutine is inside StartLoop.
func (l *EventLoop) IsRunning() bool {
	return l.running.Load()
}

// StartLoop blocks dispatching events until BreakLoop, or according to
// flags. Only one goroutine may run a loop at a time.
func (l *EventLoop) StartLoop(flags LoopFlag) error {
	if !l.running.CompareAndSwap(false, true) {
		return api.NewError(api.KindGeneric, "reactor: loop already running").WithContext("loop", l.id)
	}
	defer l.running.Store(false)

	if l.isClosed() {
		return errLoopClosed(l.id)
	}

	for {
		if l.breakReq.CompareAndSwap(true, false) {
			return nil
		}
		l.runTasks()
		if l.breakReq.CompareAndSwap(true, false) {
			return nil
		}
		if flags&LoopNoExitOnEmpty == 0 && l.empty() {
			return nil
		}

		if err := l.poller.wait(l.waitTimeout(flags), l.dispatchIO); err != nil {
			logger.WithFields(logrus.Fields{"loop": l.id, "error": err}).Error("poller wait failed")
			return api.Wrap(api.KindGeneric, "reactor: poller wait", err)
		}
		l.expireTimers()
		l.cycles.Add(1)

		if flags&(LoopOnce|LoopNonBlock) != 0 {
			l.runTasks()
			return nil
		}
	}
}

// BreakLoop asks the running (or next) StartLoop to return at its next
// dispatch boundary. Safe from any goroutine, with or without events.
func (l *EventLoop) BreakLoop() error {
	if l.isClosed() {
		return errLoopClosed(l.id)
	}
	l.breakReq.Store(true)
	if err := l.poller.wake(); err != nil {
		return api.Wrap(api.KindGeneric, "reactor: wake loop", err)
	}
	return nil
}

// Post queues fn to run on the loop goroutine in FIFO order.
func (l *EventLoop) Post(fn func()) error {
	if fn == nil {
		return api.NewError(api.KindGeneric, "reactor: nil task")
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errLoopClosed(l.id)
	}
	l.tasks.Add(fn)
	l.mu.Unlock()
	if err := l.poller.wake(); err != nil {
		logger.WithFields(logrus.Fields{"loop": l.id, "error": err}).Warn("wake after post failed")
	}
	return nil
}

// Stats returns counters describing the loop.
func (l *EventLoop) Stats() LoopStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LoopStats{
		ID:           l.id,
		ActiveEvents: len(l.active),
		PendingTasks: l.tasks.Length(),
		Cycles:       l.cycles.Load(),
		Running:      l.running.Load(),
	}
}

// Close cancels every remaining event and releases the poller. The loop
// must not be running.
func (l *EventLoop) Close() error {
	if l.running.Load() {
		return api.NewError(api.KindGeneric, "reactor: close of running loop").WithContext("loop", l.id)
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	var err error
	for e := range l.active {
		err = multierr.Append(err, l.deactivate(e))
	}
	l.tasks = queue.New()
	l.mu.Unlock()
	return multierr.Append(err, l.poller.close())
}

func errLoopClosed(id uint64) error {
	return api.NewError(api.KindRegistrationFailed, "reactor: loop closed").WithContext("loop", id)
}

func (l *EventLoop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *EventLoop) empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active) == 0 && l.tasks.Length() == 0
}

func (l *EventLoop) waitTimeout(flags LoopFlag) int {
	if flags&LoopNonBlock != 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tasks.Length() > 0 {
		return 0
	}
	if len(l.timers) == 0 {
		return -1
	}
	d := l.timers[0].deadline.Sub(l.clock.Now())
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		// epoll_wait takes a C int; the loop wakes early and re-arms
		return math.MaxInt32
	}
	return int(ms)
}

func (l *EventLoop) add(e *Event, timeout time.Duration) error {
	if e.cb == nil {
		return api.NewError(api.KindRegistrationFailed, "reactor: nil callback").WithContext("event", e.id)
	}
	if timeout < 0 {
		return api.NewError(api.KindRegistrationFailed, "reactor: negative timeout").WithContext("event", e.id)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errLoopClosed(l.id)
	}
	if e.active {
		return api.NewError(api.KindAlreadyListening, "reactor: event already listening").WithContext("event", e.id)
	}

	switch {
	case e.interest&Signal != 0:
		if e.fd <= 0 {
			return api.Wrap(api.KindRegistrationFailed, "reactor: invalid signal", syscall.EINVAL).WithContext("signal", e.fd)
		}
		e.sigCh = make(chan os.Signal, 1)
		e.sigStop = make(chan struct{})
		signal.Notify(e.sigCh, syscall.Signal(e.fd))
		go l.forwardSignal(e, e.sigCh, e.sigStop)
	case e.interest&ioInterest != 0:
		if e.fd < 0 {
			return api.Wrap(api.KindRegistrationFailed, "reactor: invalid descriptor", syscall.EBADF).WithContext("fd", e.fd)
		}
		if err := l.attach(e); err != nil {
			return api.Wrap(api.KindRegistrationFailed, "reactor: poller add", err).WithContext("fd", e.fd)
		}
	case timeout == 0:
		return api.NewError(api.KindRegistrationFailed, "reactor: event has neither descriptor interest nor timeout")
	}

	e.timeout = timeout
	if timeout > 0 {
		e.deadline = l.clock.Now().Add(timeout)
		heap.Push(&l.timers, e)
		if l.running.Load() {
			if err := l.poller.wake(); err != nil {
				logger.WithFields(logrus.Fields{"loop": l.id, "event": e.id, "error": err}).Warn("wake after timer arm failed")
			}
		}
	}
	e.active = true
	l.active[e] = struct{}{}
	return nil
}

func (l *EventLoop) del(e *Event) error {
	l.mu.Lock()
	err := l.deactivate(e)
	l.mu.Unlock()
	if err != nil {
		return api.Wrap(api.KindRegistrationFailed, "reactor: poller del", err).WithContext("fd", e.fd)
	}
	return nil
}

// attach adds e to its descriptor entry. Caller holds l.mu.
func (l *EventLoop) attach(e *Event) error {
	want := e.interest & ioInterest
	ent := l.fds[e.fd]
	if ent == nil {
		if err := l.poller.add(e.fd, want); err != nil {
			return err
		}
		l.fds[e.fd] = &fdEntry{events: []*Event{e}, mask: want}
		return nil
	}
	mask := ent.mask | want
	if mask != ent.mask {
		if err := l.poller.mod(e.fd, mask); err != nil {
			return err
		}
	}
	ent.events = append(ent.events, e)
	ent.mask = mask
	return nil
}

// detach removes e from its descriptor entry. Caller holds l.mu.
func (l *EventLoop) detach(e *Event) error {
	ent := l.fds[e.fd]
	if ent == nil {
		return nil
	}
	var mask Interest
	kept := ent.events[:0]
	for _, other := range ent.events {
		if other == e {
			continue
		}
		kept = append(kept, other)
		mask |= other.interest & ioInterest
	}
	for i := len(kept); i < len(ent.events); i++ {
		ent.events[i] = nil
	}
	ent.events = kept
	if len(kept) == 0 {
		delete(l.fds, e.fd)
		return l.poller.del(e.fd)
	}
	if mask != ent.mask {
		ent.mask = mask
		return l.poller.mod(e.fd, mask)
	}
	return nil
}

// deactivate disarms e. Caller holds l.mu.
func (l *EventLoop) deactivate(e *Event) error {
	if !e.active {
		return nil
	}
	e.active = false
	delete(l.active, e)
	if e.heapIdx >= 0 {
		heap.Remove(&l.timers, e.heapIdx)
	}
	if e.interest&Signal != 0 {
		signal.Stop(e.sigCh)
		close(e.sigStop)
		e.sigCh, e.sigStop = nil, nil
		return nil
	}
	if e.interest&ioInterest != 0 {
		return l.detach(e)
	}
	return nil
}

func (l *EventLoop) forwardSignal(e *Event, ch <-chan os.Signal, stop <-chan struct{}) {
	for {
		select {
		case <-ch:
			if err := l.Post(func() { l.fire(e, Signal) }); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// fire delivers bits to e unless it was canceled meanwhile, re-arming or
// retiring the registration first. Loop goroutine only.
func (l *EventLoop) fire(e *Event, bits Interest) {
	l.mu.Lock()
	if !e.active {
		l.mu.Unlock()
		return
	}
	if e.interest&Persistent == 0 {
		if err := l.deactivate(e); err != nil {
			logger.WithFields(logrus.Fields{"loop": l.id, "event": e.id, "error": err}).Warn("one-shot retire failed")
		}
	} else if e.timeout > 0 {
		e.deadline = l.clock.Now().Add(e.timeout)
		if e.heapIdx >= 0 {
			heap.Fix(&l.timers, e.heapIdx)
		} else {
			heap.Push(&l.timers, e)
		}
	}
	cb := e.cb
	l.mu.Unlock()

	l.invoke(func() { cb(e, bits) })
}

func (l *EventLoop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{"loop": l.id, "panic": r}).Warn("recovered panic in loop callback")
		}
	}()
	fn()
}

func (l *EventLoop) dispatchIO(fd int, ready Interest) {
	l.mu.Lock()
	ent := l.fds[fd]
	if ent == nil {
		l.mu.Unlock()
		return
	}
	l.ioBuf = append(l.ioBuf[:0], ent.events...)
	l.mu.Unlock()

	for i, e := range l.ioBuf {
		if fired := ready & e.interest & ioInterest; fired != 0 {
			l.fire(e, fired)
		}
		l.ioBuf[i] = nil
	}
}

func (l *EventLoop) expireTimers() {
	now := l.clock.Now()
	l.mu.Lock()
	l.timerBuf = l.timerBuf[:0]
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		l.timerBuf = append(l.timerBuf, heap.Pop(&l.timers).(*Event))
	}
	l.mu.Unlock()

	for i, e := range l.timerBuf {
		l.fire(e, Timeout)
		l.timerBuf[i] = nil
	}
}

// runTasks runs the tasks queued before it started; tasks posted while it
// runs wait for the next cycle.
func (l *EventLoop) runTasks() {
	l.mu.Lock()
	n := l.tasks.Length()
	for i := 0; i < n; i++ {
		l.taskBuf = append(l.taskBuf, l.tasks.Remove().(func()))
	}
	l.mu.Unlock()

	for i, fn := range l.taskBuf {
		l.invoke(fn)
		l.taskBuf[i] = nil
	}
	l.taskBuf = l.taskBuf[:0]
}
