// Package network
// Author: momentics <momentics@gmail.com>
//
// Event threads and connections.
//
// An EvThread runs one reactor.EventLoop on a dedicated OS thread. A
// Connection owns one connected socket bound into exactly one EvThread:
// receive, close and idle-timeout notifications arrive through a
// persistent read Event, and buffered output is flushed through a
// transient write Event that exists only while bytes are pending.
//
// AsyncSend and Close are safe from any goroutine. Every callback runs on
// the connection's own EvThread and must not block.
package network
