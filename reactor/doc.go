// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness-notification core of hioload-tcp:
// Events binding a descriptor interest (with an optional timeout) to a
// callback, and the EventLoop that dispatches them on a single goroutine.
//
// On Linux the backend is epoll with an eventfd used to interrupt the wait.
// Other platforms get a stub that reports api.ErrNotSupported.
package reactor
