// Package config is the kernel's only configuration surface (spec.md
// section 6, "boot handoff"): there is no configuration file to read, since
// by the time defs/mem/vm run there is no filesystem collaborator yet. A
// BootInfo is the one structure the loader collaborator hands the kernel,
// and Tunables groups the small set of compiled-in constants (quantum
// length, kernel stack size, process-table ceiling) the way
// limits.Syslimit_t groups this kernel's runtime-adjustable resource
// limits.
package config

import "defs"
import "archprim"
import "limits"
import "mem"
import "sched"
import "thread"
import "vm"

/// MemRegionKind classifies one range of the boot-reported physical memory
/// map.
type MemRegionKind int

const (
	MemFree MemRegionKind = iota
	MemReserved
	MemFramebuffer
)

/// MemRegion is one entry of the physical-memory map spec.md's boot
/// handoff names: free, reserved, or framebuffer-backing memory.
type MemRegion struct {
	Base uintptr
	Len  uintptr
	Kind MemRegionKind
}

/// FramebufferInfo describes the boot-time linear framebuffer, when the
/// loader collaborator set one up. Width/Height are in pixels, Pitch in
/// bytes per scanline; the compositor named in spec.md's Non-goals is the
/// only consumer, so the core itself never reads pixels through this.
type FramebufferInfo struct {
	Base   uintptr
	Width  uint32
	Height uint32
	Pitch  uint32
	BPP    uint8
}

/// InitImageInfo locates the initial process's ELF image the loader
/// collaborator placed in memory before handing control to the kernel.
type InitImageInfo struct {
	Base uintptr
	Size uintptr
}

/// BootInfo is the complete structure the boot collaborator hands the
/// kernel: the physical-memory map, the initial framebuffer description,
/// and where the init process's ELF image lives. The kernel records these
/// and proceeds, per spec.md's boot-handoff contract.
type BootInfo struct {
	MemRegions  []MemRegion
	Framebuffer FramebufferInfo
	InitImage   InitImageInfo
}

// Apply brings up the frame allocator and the kernel half of the address
// space from a BootInfo's free-memory regions: archprim.InitPhysMap is fed
// every MemFree region, mem.Phys_init then drains that map into the real
// allocator, and vm.InitKernelPmap allocates the top-level page table every
// address space will share. Reserved and framebuffer regions are recorded
// in BootInfo but never handed to the frame allocator.
func Apply(bi *BootInfo) defs.Err_t {
	var regions []archprim.PhysRegion
	var totalBytes uintptr
	for _, r := range bi.MemRegions {
		if r.Kind != MemFree {
			continue
		}
		regions = append(regions, archprim.PhysRegion{Base: r.Base, Len: r.Len})
		totalBytes += r.Len
	}
	if len(regions) == 0 {
		return -defs.EINVAL
	}

	archprim.InitPhysMap(regions)
	maxpages := int(totalBytes / uintptr(mem.PGSIZE))
	mem.Phys_init(maxpages)

	return vm.InitKernelPmap()
}

/// Tunables_t groups this kernel's compiled-in constants: the scheduler
/// quantum, the kernel stack size, and the process-table ceiling, read
/// from the packages that each actually own their value rather than
/// duplicating it, the same way limits.MkSysLimit centralizes runtime
/// resource limits that individually belong to other subsystems.
type Tunables_t struct {
	Quantum          int
	KernelStackPages int
	MaxProcs         int
}

/// Tunables is the kernel's compiled-in configuration.
var Tunables = MkTunables()

/// MkTunables returns a fresh Tunables_t built from each owning package's
/// current compiled-in constant.
func MkTunables() *Tunables_t {
	return &Tunables_t{
		Quantum:          sched.DefaultQuantum,
		KernelStackPages: thread.StackPages,
		MaxProcs:         limits.Syslimit.Sysprocs,
	}
}
