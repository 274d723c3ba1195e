//go:build !linux

// Package runtimex applies best-effort CPU affinity so the logger's poll
// loops stay on a fixed CPU set rather than migrating across cores under
// the scheduler. sched_setaffinity(2) has no portable equivalent outside
// Linux, so non-Linux builds accept an app.cpu_affinity setting without
// erroring but never actually pin anything.
package runtimex

// AffinitySpec describes the desired CPU set for the process or thread.
type AffinitySpec struct {
	CPUSet []int
}

// ApplyProcessAffinity is a no-op on non-Linux builds.
func ApplyProcessAffinity(_ AffinitySpec) error { return nil }

// PinCurrentThreadToCPU is a no-op on non-Linux builds.
func PinCurrentThreadToCPU(_ int) error { return nil }
