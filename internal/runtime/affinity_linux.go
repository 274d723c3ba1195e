//go:build linux

// Package runtimex applies best-effort CPU affinity so the logger's poll
// loops stay on a fixed CPU set rather than migrating across cores under
// the scheduler, which matters on the small, busy hosts this service
// typically runs on alongside the field network hardware it polls.
package runtimex

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AffinitySpec describes the desired CPU set for the process or thread.
type AffinitySpec struct {
	CPUSet []int // CPU indices to allow
}

// ApplyProcessAffinity pins the calling process to the CPUs named by
// spec.CPUSet via sched_setaffinity(2). An empty CPUSet is a no-op so a
// host with no app.cpu_affinity configured behaves exactly as before.
func ApplyProcessAffinity(spec AffinitySpec) error {
	if len(spec.CPUSet) == 0 {
		return nil
	}
	set, err := toCPUSet(spec.CPUSet)
	if err != nil {
		return err
	}
	if err := unix.SchedSetaffinity(unix.Getpid(), set); err != nil {
		return fmt.Errorf("runtimex: sched_setaffinity: %w", err)
	}
	return nil
}

// PinCurrentThreadToCPU pins the calling OS thread to a single CPU. The
// caller must have locked the goroutine to its OS thread first (e.g. via
// runtime.LockOSThread), or the pin applies to whichever thread happens
// to be running when this call is made.
func PinCurrentThreadToCPU(cpu int) error {
	set, err := toCPUSet([]int{cpu})
	if err != nil {
		return err
	}
	if err := unix.SchedSetaffinity(0, set); err != nil {
		return fmt.Errorf("runtimex: sched_setaffinity: %w", err)
	}
	return nil
}

func toCPUSet(cpus []int) (*unix.CPUSet, error) {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		if cpu < 0 {
			return nil, fmt.Errorf("runtimex: invalid cpu index %d", cpu)
		}
		set.Set(cpu)
	}
	return &set, nil
}
