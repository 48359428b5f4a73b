// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files guarded by build tags.

package affinity

import "runtime"

// Pin locks the calling goroutine to its OS thread and binds that thread to
// the given logical CPU. The returned release func undoes the thread lock;
// the CPU mask stays with the thread until it exits.
func Pin(cpuID int) (release func(), err error) {
	if cpuID < 0 {
		return func() {}, errInvalidCPU(cpuID)
	}
	runtime.LockOSThread()
	if err := setAffinityPlatform(cpuID); err != nil {
		runtime.UnlockOSThread()
		return func() {}, err
	}
	return runtime.UnlockOSThread, nil
}
