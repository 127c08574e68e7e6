package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
	"limits"
	"mem"
	"sched"
	"thread"
	"vm"
)

func TestApplyBringsUpFrameAllocatorAndKernelPmap(t *testing.T) {
	mem.Physmem = &mem.Physmem_t{}
	vm.KernelPmap = nil

	bi := &BootInfo{
		MemRegions: []MemRegion{
			{Base: 0x100000, Len: 64 * uintptr(mem.PGSIZE), Kind: MemFree},
			{Base: 0x10000000, Len: 4096, Kind: MemReserved},
		},
	}

	err := Apply(bi)
	require.Equal(t, defs.Err_t(0), err)

	free, _ := mem.Physmem.Pgcount()
	require.Positive(t, free)
	require.NotNil(t, vm.KernelPmap)
}

func TestApplyWithNoFreeRegionsFails(t *testing.T) {
	mem.Physmem = &mem.Physmem_t{}

	bi := &BootInfo{
		MemRegions: []MemRegion{
			{Base: 0x10000000, Len: 4096, Kind: MemReserved},
		},
	}

	err := Apply(bi)
	require.Equal(t, -defs.EINVAL, err)
}

func TestMkTunablesAggregatesEachOwningPackage(t *testing.T) {
	tn := MkTunables()
	require.Equal(t, sched.DefaultQuantum, tn.Quantum)
	require.Equal(t, thread.StackPages, tn.KernelStackPages)
	require.Equal(t, limits.Syslimit.Sysprocs, tn.MaxProcs)
}
