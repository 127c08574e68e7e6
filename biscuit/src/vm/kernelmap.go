package vm

import "mem"
import "defs"

// KernelPmap holds the top-level page-table entries every address space
// shares: the direct map, kernel stacks, and the signal trampoline page,
// the last one mapped user-accessible despite living in this otherwise
// kernel-only range (spec.md 4.A: "Kernel half is installed by identical
// top-level linkage, not by walking"). Slots below mem.VUSER belong to the
// kernel; slots at and above it are free for each process's own user-half
// mappings.
var KernelPmap *mem.Pmap_t

/// InitKernelPmap allocates the canonical kernel top-level page table.
/// Must be called once during boot before the first NewAddrSpace.
func InitKernelPmap() defs.Err_t {
	pmap, _, ok := mem.Physmem.Pmap_new()
	if !ok {
		return -defs.ENOMEM
	}
	KernelPmap = pmap
	return 0
}

/// ReserveKernelSlot forces the page-table levels above the leaf to exist
/// for some address within the given PML4 slot's 512GB range. Callers
/// that plan to KernelMap into a slot must reserve it before the first
/// NewAddrSpace call: linkKernelHalf copies top-level entries by value at
/// address-space creation time, so a slot populated only later would be
/// invisible to address spaces created before it.
func ReserveKernelSlot(slot int) defs.Err_t {
	if KernelPmap == nil {
		panic("kernel pmap not initialized")
	}
	_, err := pmap_walk(KernelPmap, slot<<39, PTE_P)
	return err
}

/// ReserveUserSharedSlot is ReserveKernelSlot for a slot that will hold a
/// page meant to be accessible from user mode in every address space (the
/// signal trampoline): the intermediate page-table levels themselves need
/// PTE_U set, since paging checks the user bit at every level down to the
/// leaf, not just the leaf's own bit.
func ReserveUserSharedSlot(slot int) defs.Err_t {
	if KernelPmap == nil {
		panic("kernel pmap not initialized")
	}
	_, err := pmap_walk(KernelPmap, slot<<39, PTE_P|PTE_U)
	return err
}

/// MapUserShared installs a single page at va in KernelPmap with PTE_U set,
/// so it is visible and fetchable from user mode in every address space via
/// the same top-level-linkage mechanism KernelMap uses for kernel-only
/// pages. Unlike KernelMap it does not strip PTE_U; perms must not include
/// PTE_W for a page meant to be read-execute-only, such as the signal
/// trampoline.
func MapUserShared(va int, p_pg mem.Pa_t, perms mem.Pa_t) defs.Err_t {
	pte, err := pmap_walk(KernelPmap, va, PTE_P|PTE_U)
	if err != 0 {
		return err
	}
	mem.Physmem.Refup(p_pg)
	*pte = p_pg | perms | PTE_U | PTE_P
	return 0
}

// linkKernelHalf copies the kernel's top-level slots into a freshly
// allocated pmap, so stack/trampoline mappings installed once in
// KernelPmap are immediately visible in every address space without
// walking or copying lower page-table levels.
func linkKernelHalf(pmap *mem.Pmap_t) {
	if KernelPmap == nil {
		return
	}
	for i := 0; i < mem.VUSER; i++ {
		pmap[i] = KernelPmap[i]
	}
}
