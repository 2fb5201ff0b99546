//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7) poller with an eventfd(2) wake channel.

package reactor

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// epollPoller is a level-triggered epoll backend.
type epollPoller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent

	// mu keeps wake() from writing into a descriptor number that close()
	// already released.
	mu          sync.RWMutex
	closed      bool
	wakePending atomic.Uint32
}

func newPoller(maxEvents int) (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return &epollPoller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func (p *epollPoller) add(fd int, mask Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) mod(fd int, mask Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) del(fd int) error {
	var ev unix.EpollEvent
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &ev)
}

func (p *epollPoller) wait(timeoutMs int, fn func(fd int, ready Interest)) error {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil // interrupted by signal, normal
		}
		return err
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			p.drain()
			continue
		}
		fn(fd, fromEpoll(ev.Events))
	}
	return nil
}

func (p *epollPoller) wake() error {
	if !p.wakePending.CompareAndSwap(0, 1) {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return unix.EBADF
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(p.wakefd, buf[:]); err != nil && err != unix.EAGAIN {
		p.wakePending.Store(0)
		return err
	}
	return nil
}

// drain reads the eventfd counter before clearing the pending flag so a
// concurrent wake() is never lost.
func (p *epollPoller) drain() {
	var buf [8]byte
	_, _ = unix.Read(p.wakefd, buf[:])
	p.wakePending.Store(0)
}

func (p *epollPoller) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return multierr.Append(unix.Close(p.wakefd), unix.Close(p.epfd))
}

func toEpoll(mask Interest) uint32 {
	var ev uint32
	if mask&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	if mask&Closed != 0 {
		ev |= unix.EPOLLRDHUP
	}
	return ev
}

func fromEpoll(ev uint32) Interest {
	var ready Interest
	if ev&unix.EPOLLIN != 0 {
		ready |= Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		ready |= Writable
	}
	if ev&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
		ready |= Closed
	}
	if ev&unix.EPOLLERR != 0 {
		ready |= Readable | Writable | Closed
	}
	return ready
}
