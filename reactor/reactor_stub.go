//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import "github.com/momentics/hioload-tcp/api"

func newPoller(int) (poller, error) {
	return nil, api.Wrap(api.KindNotSupported, "reactor: this platform is not supported", nil)
}
