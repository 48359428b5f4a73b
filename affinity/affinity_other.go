//go:build !linux
// +build !linux

// File: affinity/affinity_other.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package affinity

import "github.com/momentics/hioload-conn/api"

func setAffinityPlatform(int) error { return api.ErrNotSupported }

// Current is not supported on this platform.
func Current() ([]int, error) { return nil, api.ErrNotSupported }

func errInvalidCPU(cpuID int) error {
	return api.NewError(api.ErrCodeInvalidArgument, "affinity: cpu out of range").WithContext("cpu", cpuID)
}
