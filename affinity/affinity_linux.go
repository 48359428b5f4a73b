//go:build linux
// +build linux

// File: affinity/affinity_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific implementation for setting thread CPU affinity.

package affinity

import (
	"fmt"

	"github.com/momentics/hioload-conn/api"
	"golang.org/x/sys/unix"
)

// cpuSetSize mirrors CPU_SETSIZE.
const cpuSetSize = 1024

// setAffinityPlatform binds the calling thread (pid 0) to cpuID.
func setAffinityPlatform(cpuID int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("affinity: sched_setaffinity cpu=%d: %w", cpuID, err)
	}
	return nil
}

// Current returns the CPUs the calling thread may run on.
func Current() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("affinity: sched_getaffinity: %w", err)
	}
	var cpus []int
	for i, n := 0, set.Count(); i < cpuSetSize && len(cpus) < n; i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}

func errInvalidCPU(cpuID int) error {
	return api.NewError(api.ErrCodeInvalidArgument, "affinity: cpu out of range").WithContext("cpu", cpuID)
}
