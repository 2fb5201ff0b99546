// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files guarded by build tags.

package affinity

import (
	"runtime"

	"github.com/momentics/hioload-tcp/api"
)

// SetAffinity pins the calling OS thread to a given logical CPU. The caller
// must have locked the goroutine with runtime.LockOSThread beforehand.
// On unsupported platforms returns an error of kind not_supported.
func SetAffinity(cpuID int) error {
	if cpuID < 0 || cpuID >= NumCPU() {
		return api.NewError(api.KindGeneric, "affinity: cpu out of range").
			WithContext("cpu", cpuID).WithContext("ncpu", NumCPU())
	}
	return setAffinityPlatform(cpuID)
}

// NumCPU reports the logical CPUs usable by this process.
func NumCPU() int {
	return runtime.NumCPU()
}
