//go:build linux
// +build linux

// File: affinity/affinity_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux implementation via sched_setaffinity(2) on the calling thread.

package affinity

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tcp/api"
)

func setAffinityPlatform(cpuID int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	// pid 0 addresses the calling thread, not the whole process
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return api.Wrap(api.KindGeneric, "affinity: sched_setaffinity", err).WithContext("cpu", cpuID)
	}
	return nil
}

// Current returns the CPUs the calling thread may run on.
func Current() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, api.Wrap(api.KindGeneric, "affinity: sched_getaffinity", err)
	}
	var cpus []int
	for i := 0; i < len(set)*64; i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}
