// File: reactor/event.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Event binds a readiness interest on a descriptor, plus an optional
// timeout, to a callback.

package reactor

import (
	"os"
	"strings"
	"time"
)

// Interest is a composable readiness mask.
type Interest uint16

const (
	// Timeout is delivered when an armed timeout elapses without activity.
	Timeout Interest = 1 << iota
	// Readable: the descriptor has data (or EOF) to read.
	Readable
	// Writable: the descriptor accepts writes.
	Writable
	// Signal: the descriptor is a signal number.
	Signal
	// Persistent events re-arm after each fire; others fire once.
	Persistent
	// Closed: the peer hung up or the descriptor is finalizing.
	Closed
)

// ioInterest are the bits handed to the OS poller.
const ioInterest = Readable | Writable | Closed

var interestNames = []struct {
	bit  Interest
	name string
}{
	{Timeout, "timeout"},
	{Readable, "readable"},
	{Writable, "writable"},
	{Signal, "signal"},
	{Persistent, "persistent"},
	{Closed, "closed"},
}

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	for _, n := range interestNames {
		if i&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// EventID identifies an Event within its loop.
type EventID uint64

// Callback is invoked on the loop goroutine with the bits that fired.
type Callback func(ev *Event, fired Interest)

// Event is one registration. Create it with EventLoop.CreateEvent, arm it
// with StartListen and release it with CancelListen. Cancel does not close
// the descriptor; that belongs to whoever owns it.
type Event struct {
	id       EventID
	loop     *EventLoop
	fd       int
	interest Interest
	cb       Callback

	// guarded by loop.mu
	active   bool
	timeout  time.Duration
	deadline time.Time
	heapIdx  int
	sigCh    chan os.Signal
	sigStop  chan struct{}
}

// ID returns the event id.
func (e *Event) ID() EventID { return e.id }

// Fd returns the descriptor (or signal number) the event watches.
func (e *Event) Fd() int { return e.fd }

// Interest returns the registered mask.
func (e *Event) Interest() Interest { return e.interest }

// Loop returns the owning loop.
func (e *Event) Loop() *EventLoop { return e.loop }

// IsActive reports whether the registration is armed.
func (e *Event) IsActive() bool {
	e.loop.mu.Lock()
	defer e.loop.mu.Unlock()
	return e.active
}

// StartListen arms the event. A zero timeout means no timeout.
func (e *Event) StartListen(timeout time.Duration) error {
	return e.loop.add(e, timeout)
}

// CancelListen disarms the event. Canceling an inactive event is a no-op.
func (e *Event) CancelListen() error {
	return e.loop.del(e)
}

// timerHeap orders armed events by deadline.
type timerHeap []*Event

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*Event)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}
