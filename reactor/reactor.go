// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral poller contract used by EventLoop.

package reactor

// poller is the OS readiness backend behind an EventLoop.
// add/mod/del may be called from any goroutine; wait only from the loop.
type poller interface {
	// add starts watching fd for the io bits of mask.
	add(fd int, mask Interest) error

	// mod replaces the watched io bits of fd.
	mod(fd int, mask Interest) error

	// del stops watching fd.
	del(fd int) error

	// wait blocks up to timeoutMs (-1 forever, 0 poll) and calls fn for
	// every ready descriptor. Wake-ups are consumed internally.
	wait(timeoutMs int, fn func(fd int, ready Interest)) error

	// wake interrupts a blocked wait. Safe from any goroutine.
	wake() error

	// close releases the backend descriptors.
	close() error
}
