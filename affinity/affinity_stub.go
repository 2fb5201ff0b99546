//go:build !linux
// +build !linux

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.
// Returns error to indicate unavailability.

package affinity

import "github.com/momentics/hioload-tcp/api"

func setAffinityPlatform(int) error {
	return api.NewError(api.KindNotSupported, "affinity: not supported on this platform")
}

// Current is unavailable off Linux.
func Current() ([]int, error) {
	return nil, api.NewError(api.KindNotSupported, "affinity: not supported on this platform")
}
