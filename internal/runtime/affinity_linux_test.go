//go:build linux

package runtimex

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestApplyProcessAffinity_PinsToCurrentlyAllowedCPU(t *testing.T) {
	var original unix.CPUSet
	if err := unix.SchedGetaffinity(unix.Getpid(), &original); err != nil {
		t.Skipf("sched_getaffinity unavailable: %v", err)
	}
	defer func() {
		_ = unix.SchedSetaffinity(unix.Getpid(), &original)
	}()

	cpu := -1
	for i := 0; i < 256; i++ {
		if original.IsSet(i) {
			cpu = i
			break
		}
	}
	if cpu < 0 {
		t.Skip("no CPU found in current affinity mask")
	}

	if err := ApplyProcessAffinity(AffinitySpec{CPUSet: []int{cpu}}); err != nil {
		t.Fatalf("ApplyProcessAffinity: %v", err)
	}

	var got unix.CPUSet
	if err := unix.SchedGetaffinity(unix.Getpid(), &got); err != nil {
		t.Fatalf("SchedGetaffinity: %v", err)
	}
	if !got.IsSet(cpu) {
		t.Fatalf("cpu %d not set in resulting affinity mask", cpu)
	}
}

func TestApplyProcessAffinity_EmptySetIsNoOp(t *testing.T) {
	if err := ApplyProcessAffinity(AffinitySpec{}); err != nil {
		t.Fatalf("ApplyProcessAffinity with empty set: %v", err)
	}
}

func TestApplyProcessAffinity_RejectsNegativeCPU(t *testing.T) {
	if err := ApplyProcessAffinity(AffinitySpec{CPUSet: []int{-1}}); err == nil {
		t.Fatal("expected error for negative cpu index")
	}
}
