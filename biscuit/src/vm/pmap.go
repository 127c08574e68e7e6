package vm

import "unsafe"

import "archprim"
import "defs"
import "mem"

// Page-table walking for a standard 4-level, 9-bit-per-level, 4KB-page
// paging structure (x86_64 PML4/PDPT/PD/PT; arm64's default 4KB-granule,
// 4-level translation tables have the same shape), expressed purely in
// terms of mem.Pmap_t so it needs no architecture-specific code.

func pgbits(va int) (uint, uint, uint, uint) {
	v := uint(va)
	idx := func(level uint) uint {
		return (v >> (12 + 9*level)) & 0x1ff
	}
	return idx(3), idx(2), idx(1), idx(0)
}

/// pmap_walk returns the leaf PTE for va in pmap, allocating any missing
/// intermediate page-table pages with the given permissions. It returns
/// ENOMEM if a new page-table page could not be allocated.
func pmap_walk(pmap *mem.Pmap_t, va int, perms mem.Pa_t) (*mem.Pa_t, defs.Err_t) {
	l4i, l3i, l2i, l1i := pgbits(va)
	cur := pmap
	for _, idx := range []uint{l4i, l3i, l2i} {
		pte := &cur[idx]
		if *pte&PTE_P == 0 {
			next, p_next, ok := mem.Physmem.Pmap_new()
			if !ok {
				return nil, -defs.ENOMEM
			}
			*pte = mem.Pa_t(p_next) | perms | PTE_P
			cur = next
		} else {
			cur = (*mem.Pmap_t)(unsafe.Pointer(mem.Physmem.Dmap(*pte & PTE_ADDR)))
		}
	}
	return &cur[l1i], 0
}

/// Pmap_lookup returns the leaf PTE for va in pmap without allocating
/// anything, or nil if an intermediate level is missing.
func Pmap_lookup(pmap *mem.Pmap_t, va int) *mem.Pa_t {
	l4i, l3i, l2i, l1i := pgbits(va)
	cur := pmap
	for _, idx := range []uint{l4i, l3i, l2i} {
		pte := &cur[idx]
		if *pte&PTE_P == 0 {
			return nil
		}
		cur = (*mem.Pmap_t)(unsafe.Pointer(mem.Physmem.Dmap(*pte & PTE_ADDR)))
	}
	return &cur[l1i]
}

/// Uvmfree_inner walks every user mapping described by vr and drops each
/// mapped frame's reference, then frees the three levels of page-table
/// pages below the pml4 (the pml4 itself is freed by mem.Dec_pmap, called
/// by the caller once this returns).
func Uvmfree_inner(pmap *mem.Pmap_t, p_pmap mem.Pa_t, vr *Vmregion_t) {
	for _, vmi := range vr.regions {
		for pgn := vmi.Pgn; pgn < vmi.end(); pgn++ {
			va := int(pgn << PGSHIFT)
			pte := Pmap_lookup(pmap, va)
			if pte != nil && *pte&PTE_P != 0 {
				mem.Physmem.Refdown(*pte & PTE_ADDR)
				*pte = 0
			}
		}
	}
	freeTables(pmap, 3)
}

func freeTables(pmap *mem.Pmap_t, level int) {
	if level == 0 {
		return
	}
	for i := range pmap {
		pte := &pmap[i]
		if *pte&PTE_P == 0 || *pte&PTE_U == 0 {
			continue
		}
		child := (*mem.Pmap_t)(unsafe.Pointer(mem.Physmem.Dmap(*pte & PTE_ADDR)))
		freeTables(child, level-1)
		mem.Physmem.Dec_pmap(*pte & PTE_ADDR)
		*pte = 0
	}
}

/// KernelMap installs a single non-user mapping (PTE_U clear) at va in
/// pmap, for kernel-only regions that live outside any process's user
/// half: kernel stacks are the only caller. The guard page preceding a
/// kernel stack is simply never mapped, so any access to it walks off the
/// end of the present range and faults. The signal trampoline page is
/// visible from user mode in every address space instead, via
/// MapUserShared.
func KernelMap(pmap *mem.Pmap_t, va int, p_pg mem.Pa_t, perms mem.Pa_t) defs.Err_t {
	pte, err := pmap_walk(pmap, va, perms&^PTE_U)
	if err != 0 {
		return err
	}
	mem.Physmem.Refup(p_pg)
	*pte = p_pg | (perms &^ PTE_U) | PTE_P
	return 0
}

/// KernelUnmap removes a mapping installed by KernelMap and drops the
/// frame's reference.
func KernelUnmap(pmap *mem.Pmap_t, va int) {
	pte := Pmap_lookup(pmap, va)
	if pte == nil || *pte&PTE_P == 0 {
		return
	}
	p_old := *pte & PTE_ADDR
	*pte = 0
	mem.Physmem.Refdown(p_old)
}

/// tlb_shootdown invalidates pgcount pages starting at startva. spec.md's
/// Non-goals exclude SMP, so there is only ever one CPU to shoot down: a
/// local TLB flush via archprim suffices.
func tlb_shootdown(startva uintptr, pgcount int) {
	pgsize := uintptr(PGSIZE)
	for i := 0; i < pgcount; i++ {
		archprim.FlushTLBEntry(startva + uintptr(i)*pgsize)
	}
}
