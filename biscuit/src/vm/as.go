// Package vm is the virtual half of spec.md's frame allocator and
// address-space manager (section 4.A): per-process page tables, the
// anonymous-region list, copy-on-write address-space cloning, and
// write-fault resolution including the sole-owner fast path.
package vm

import "sync"
import "sync/atomic"
import "time"

import "bounds"
import "defs"
import "mem"
import "res"
import "ustr"

import "util"

/// Vm_t represents a process address space. The embedded mutex protects
/// Vmregion, Pmap and P_pmap, and is also the lock a page fault handler
/// must hold while walking/mutating page table entries (spec.md
/// invariant: page-table mutation is always done under this lock).
type Vm_t struct {
	sync.Mutex

	Vmregion Vmregion_t

	Pmap   *mem.Pmap_t
	P_pmap mem.Pa_t

	pgfltaken bool
}

/// Lock_pmap acquires the address space mutex and marks that a page
/// fault is being handled.
func (as *Vm_t) Lock_pmap() {
	as.Lock()
	as.pgfltaken = true
}

/// Unlock_pmap releases the address space mutex after page table
/// manipulation is complete.
func (as *Vm_t) Unlock_pmap() {
	as.pgfltaken = false
	as.Unlock()
}

/// Lockassert_pmap panics if the address space mutex is not held.
func (as *Vm_t) Lockassert_pmap() {
	if !as.pgfltaken {
		panic("pgfl lock must be held")
	}
}

/// Userdmap8_inner returns a slice mapping of the user address at va,
/// faulting the page in first if necessary. When k2u is true the memory
/// is prepared for a kernel write (e.g. copying in argv during exec).
func (as *Vm_t) Userdmap8_inner(va int, k2u bool) ([]uint8, defs.Err_t) {
	as.Lockassert_pmap()

	voff := va & int(PGOFFSET)
	uva := uintptr(va)
	vmi, ok := as.Vmregion.Lookup(uva)
	if !ok {
		return nil, -defs.EFAULT
	}
	pte, ok := vmi.Ptefor(as.Pmap, uva)
	if !ok {
		return nil, -defs.ENOMEM
	}
	ecode := uintptr(PTE_U)
	needfault := true
	isp := *pte&PTE_P != 0
	if k2u {
		ecode |= uintptr(PTE_W)
		iscow := *pte&PTE_COW != 0
		if isp && !iscow {
			needfault = false
		}
	} else if isp {
		needfault = false
	}

	if needfault {
		if err := Sys_pgfault(as, vmi, uva, ecode); err != 0 {
			return nil, err
		}
	}

	pg := mem.Physmem.Dmap(*pte & PTE_ADDR)
	bpg := mem.Pg2bytes(pg)
	return bpg[voff:], 0
}

// _userdmap8 must only be used when concurrent modification of the
// address space is impossible (the calling thread owns the lock for the
// whole operation already).
func (as *Vm_t) _userdmap8(va int, k2u bool) ([]uint8, defs.Err_t) {
	as.Lock_pmap()
	ret, err := as.Userdmap8_inner(va, k2u)
	as.Unlock_pmap()
	return ret, err
}

/// Userdmap8r maps the user address for reading and returns the
/// resulting slice or an error.
func (as *Vm_t) Userdmap8r(va int) ([]uint8, defs.Err_t) {
	return as._userdmap8(va, false)
}

/// Usermapped reports whether va falls within some mapped region.
func (as *Vm_t) Usermapped(va, n int) bool {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	_, ok := as.Vmregion.Lookup(uintptr(va))
	return ok
}

/// Userreadn reads n (<=8) bytes from user address va, little-endian.
func (as *Vm_t) Userreadn(va, n int) (int, defs.Err_t) {
	as.Lock_pmap()
	a, b := as.userreadn_inner(va, n)
	as.Unlock_pmap()
	return a, b
}

func (as *Vm_t) userreadn_inner(va, n int) (int, defs.Err_t) {
	as.Lockassert_pmap()
	if n > 8 {
		panic("large n")
	}
	var ret int
	var src []uint8
	var err defs.Err_t
	for i := 0; i < n; i += len(src) {
		src, err = as.Userdmap8_inner(va+i, false)
		if err != 0 {
			return 0, err
		}
		l := n - i
		if len(src) < l {
			l = len(src)
		}
		v := util.Readn(src, l, 0)
		ret |= v << (8 * uint(i))
	}
	return ret, 0
}

/// Userwriten writes n (<=8) bytes of val to user address va.
func (as *Vm_t) Userwriten(va, n, val int) defs.Err_t {
	if n > 8 {
		panic("large n")
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	var dst []uint8
	for i := 0; i < n; i += len(dst) {
		v := val >> (8 * uint(i))
		t, err := as.Userdmap8_inner(va+i, true)
		dst = t
		if err != 0 {
			return err
		}
		util.Writen(dst, n-i, 0, v)
	}
	return 0
}

/// Userstr copies a NUL-terminated string from user space, up to lenmax
/// bytes, returning ENAMETOOLONG if no NUL is found in time.
func (as *Vm_t) Userstr(uva int, lenmax int) (ustr.Ustr, defs.Err_t) {
	if lenmax < 0 {
		return nil, 0
	}
	as.Lock_pmap()
	i := 0
	s := ustr.MkUstr()
	for {
		str, err := as.Userdmap8_inner(uva+i, false)
		if err != 0 {
			as.Unlock_pmap()
			return s, err
		}
		for j, c := range str {
			if c == 0 {
				s = append(s, str[:j]...)
				as.Unlock_pmap()
				return s, 0
			}
		}
		s = append(s, str...)
		i += len(str)
		if len(s) >= lenmax {
			as.Unlock_pmap()
			return nil, -defs.ENAMETOOLONG
		}
	}
}

/// Usertimespec reads a {secs, nsecs} pair from user memory at va.
func (as *Vm_t) Usertimespec(va int) (time.Duration, time.Time, defs.Err_t) {
	var zt time.Time
	secs, err := as.Userreadn(va, 8)
	if err != 0 {
		return 0, zt, err
	}
	nsecs, err := as.Userreadn(va+8, 8)
	if err != 0 {
		return 0, zt, err
	}
	if secs < 0 || nsecs < 0 {
		return 0, zt, -defs.EINVAL
	}
	tot := time.Duration(secs)*time.Second + time.Duration(nsecs)*time.Nanosecond
	t := time.Unix(int64(secs), int64(nsecs))
	return tot, t, 0
}

/// K2user copies src into the user address space starting at uva (kernel
/// to user; used to write syscall results, signal frames, exec argv).
func (as *Vm_t) K2user(src []uint8, uva int) defs.Err_t {
	as.Lock_pmap()
	ret := as.K2user_inner(src, uva)
	as.Unlock_pmap()
	return ret
}

func (as *Vm_t) K2user_inner(src []uint8, uva int) defs.Err_t {
	as.Lockassert_pmap()
	cnt := 0
	l := len(src)
	for cnt != l {
		gimme := bounds.Bounds(bounds.B_ASPACE_T_K2USER_INNER)
		if !res.Resadd_noblock(gimme) {
			return -defs.ENOHEAP
		}
		dst, err := as.Userdmap8_inner(uva+cnt, true)
		if err != 0 {
			res.Resdel(gimme)
			return err
		}
		ub := len(src)
		if ub > len(dst) {
			ub = len(dst)
		}
		copy(dst, src)
		src = src[ub:]
		cnt += ub
		res.Resdel(gimme)
	}
	return 0
}

/// User2k copies len(dst) bytes from user address uva into dst.
func (as *Vm_t) User2k(dst []uint8, uva int) defs.Err_t {
	as.Lock_pmap()
	ret := as.User2k_inner(dst, uva)
	as.Unlock_pmap()
	return ret
}

func (as *Vm_t) User2k_inner(dst []uint8, uva int) defs.Err_t {
	as.Lockassert_pmap()
	cnt := 0
	for len(dst) != 0 {
		gimme := bounds.Bounds(bounds.B_ASPACE_T_USER2K_INNER)
		if !res.Resadd_noblock(gimme) {
			return -defs.ENOHEAP
		}
		src, err := as.Userdmap8_inner(uva+cnt, false)
		if err != 0 {
			res.Resdel(gimme)
			return err
		}
		did := copy(dst, src)
		dst = dst[did:]
		cnt += did
		res.Resdel(gimme)
	}
	return 0
}

/// Unusedva_inner finds an unused virtual range of at least len bytes at
/// or above startva, for mmap-style anonymous region placement.
func (as *Vm_t) Unusedva_inner(startva, length int) int {
	as.Lockassert_pmap()
	if length < 0 || length > 1<<48 {
		panic("weird len")
	}
	startva = util.Rounddown(startva, mem.PGSIZE)
	if startva < mem.USERMIN {
		startva = mem.USERMIN
	}
	_ret, _l := as.Vmregion.empty(uintptr(startva), uintptr(length))
	ret := int(_ret)
	l := int(_l)
	if startva > ret && startva < ret+l {
		ret = startva
	}
	return ret
}

/// Tlbshoot invalidates pgcount pages starting at startva. spec.md's
/// Non-goals exclude SMP, so there is exactly one CPU and no shootdown IPI
/// is needed: a local flush suffices.
func (as *Vm_t) Tlbshoot(startva uintptr, pgcount int) {
	if pgcount == 0 {
		return
	}
	as.Lockassert_pmap()
	tlb_shootdown(startva, pgcount)
}

/// Sys_pgfault resolves a page fault for address space as at faultaddr
/// with fault error code ecode (spec.md section 4.A write-fault
/// resolution, and the invariant "a write to a CoW page either copies or
/// takes sole ownership, never both"). The caller must hold as's pmap
/// lock.
func Sys_pgfault(as *Vm_t, vmi *Vminfo_t, faultaddr, ecode uintptr) defs.Err_t {
	isguard := vmi.Perms == 0
	iswrite := ecode&uintptr(PTE_W) != 0
	writeok := vmi.Perms&uint(PTE_W) != 0
	if isguard || (iswrite && !writeok) {
		return -defs.EFAULT
	}
	if ecode&uintptr(PTE_U) == 0 {
		panic("kernel page fault")
	}

	pte, ok := vmi.Ptefor(as.Pmap, faultaddr)
	if !ok {
		return -defs.ENOMEM
	}
	if (iswrite && *pte&PTE_WASCOW != 0) || (!iswrite && *pte&PTE_P != 0) {
		// another thread already resolved this fault
		return 0
	}

	if iswrite {
		cowStatFault()
	}

	var p_pg mem.Pa_t
	perms := PTE_U | PTE_P
	isempty := true

	if iswrite {
		if *pte&PTE_W != 0 {
			panic("write fault on already-writable page")
		}
		var pgsrc *mem.Pg_t
		cow := *pte&PTE_COW != 0
		if cow {
			phys := *pte & PTE_ADDR
			ref, _ := mem.Physmem.Refaddr(phys)
			if atomic.LoadInt32(ref) == 1 && phys != zeroPagePhys() {
				// sole owner: grant write access without copying.
				tmp := *pte &^ PTE_COW
				tmp |= PTE_W | PTE_WASCOW
				*pte = tmp
				as.Tlbshoot(faultaddr, 1)
				cowStatSoleOwner()
				return 0
			}
			pgsrc = mem.Physmem.Dmap(phys)
			isempty = false
		} else {
			if *pte != 0 {
				panic("pte should be empty")
			}
			pgsrc = mem.Zeropg
		}
		var pgok bool
		_, p_pg, pgok = mem.Physmem.Refpg_new_nozero()
		if !pgok {
			return -defs.ENOMEM
		}
		pg := mem.Physmem.Dmap(p_pg)
		*pg = *pgsrc
		perms |= PTE_WASCOW | PTE_W
		cowStatCopied()
	} else {
		if *pte != 0 {
			panic("pte must be 0")
		}
		p_pg = zeroPagePhys()
		if vmi.Perms&uint(PTE_W) != 0 {
			perms |= PTE_COW
		}
	}
	if perms&PTE_W != 0 {
		perms |= PTE_D
	}
	perms |= PTE_A

	tshoot, ok := as.Page_insert(int(faultaddr), p_pg, perms, isempty, pte)
	if !ok {
		mem.Physmem.Refdown(p_pg)
		return -defs.ENOMEM
	}
	if tshoot {
		as.Tlbshoot(faultaddr, 1)
	}
	return 0
}

func zeroPagePhys() mem.Pa_t {
	return mem.Physmem.Dmap_v2p(mem.Zeropg)
}

/// Page_insert maps physical page p_pg at va with perms, bumping p_pg's
/// reference count. It returns whether an existing present mapping was
/// replaced (TLB flush needed) and whether the insertion succeeded.
func (as *Vm_t) Page_insert(va int, p_pg mem.Pa_t, perms mem.Pa_t,
	vempty bool, pte *mem.Pa_t) (bool, bool) {
	as.Lockassert_pmap()
	mem.Physmem.Refup(p_pg)
	if pte == nil {
		var err defs.Err_t
		pte, err = pmap_walk(as.Pmap, va, PTE_U|PTE_W)
		if err != 0 {
			mem.Physmem.Refdown(p_pg)
			return false, false
		}
	}
	ninval := false
	var p_old mem.Pa_t
	if *pte&PTE_P != 0 {
		if vempty {
			panic("pte not empty")
		}
		if *pte&PTE_U == 0 {
			panic("replacing kernel page")
		}
		ninval = true
		p_old = *pte & PTE_ADDR
	}
	*pte = p_pg | perms | PTE_P
	if ninval {
		mem.Physmem.Refdown(p_old)
	}
	return ninval, true
}

/// Page_remove unmaps the page at va, returning true if a mapping existed.
func (as *Vm_t) Page_remove(va int) bool {
	as.Lockassert_pmap()
	remmed := false
	pte := Pmap_lookup(as.Pmap, va)
	if pte != nil && *pte&PTE_P != 0 {
		if *pte&PTE_U == 0 {
			panic("removing kernel page")
		}
		p_old := *pte & PTE_ADDR
		mem.Physmem.Refdown(p_old)
		*pte = 0
		remmed = true
	}
	return remmed
}

/// Pgfault handles a page fault for the given fault address and error
/// code, acquiring the address space lock itself (the entry point called
/// from the trap package's fault handler).
func (as *Vm_t) Pgfault(tid defs.Tid_t, fa, ecode uintptr) defs.Err_t {
	as.Lock_pmap()
	vmi, ok := as.Vmregion.Lookup(fa)
	if !ok {
		as.Unlock_pmap()
		return -defs.EFAULT
	}
	ret := Sys_pgfault(as, vmi, fa, ecode)
	as.Unlock_pmap()
	return ret
}

/// Uvmfree releases all user mappings and page tables of this address
/// space, then drops the pml4's own reference.
func (as *Vm_t) Uvmfree() {
	Uvmfree_inner(as.Pmap, as.P_pmap, &as.Vmregion)
	mem.Physmem.Dec_pmap(as.P_pmap)
	as.Vmregion.Clear()
}

/// Vmadd_anon creates a private anonymous mapping at [start, start+len).
func (as *Vm_t) Vmadd_anon(start, length int, perms mem.Pa_t) {
	vmi := as._mkvmi(VANON, start, length, perms)
	as.Vmregion.insert(vmi)
}

/// Vmadd_guard installs an unmapped guard region; any access faults
/// (spec.md invariant: kernel-stack overflow must trap, not corrupt
/// adjacent memory).
func (as *Vm_t) Vmadd_guard(start, length int) {
	vmi := as._mkvmi(VGUARD, start, length, 0)
	as.Vmregion.insert(vmi)
}

func (as *Vm_t) _mkvmi(mt mtype_t, start, length int, perms mem.Pa_t) *Vminfo_t {
	if length <= 0 {
		panic("bad vmi len")
	}
	if mem.Pa_t(start|length)&PGOFFSET != 0 {
		panic("start and len must be aligned")
	}
	pm := PTE_W | PTE_COW | PTE_WASCOW | PTE_PS | PTE_PCD | PTE_P | PTE_U
	if r := perms & pm; r != 0 && r != PTE_U && r != (PTE_W|PTE_U) {
		panic("bad perms")
	}
	ret := &Vminfo_t{}
	ret.Mtype = mt
	ret.Pgn = uintptr(start) >> PGSHIFT
	ret.Pglen = util.Roundup(length, mem.PGSIZE) >> PGSHIFT
	ret.Perms = uint(perms)
	return ret
}

/// Mkuserbuf allocates and initializes a Userbuf_t referencing user
/// memory starting at userva.
func (as *Vm_t) Mkuserbuf(userva, length int) *Userbuf_t {
	ret := &Userbuf_t{}
	ret.ub_init(as, userva, length)
	return ret
}

/// NewAddrSpace allocates a fresh address space with a new, empty top
/// level page table.
func NewAddrSpace() (*Vm_t, defs.Err_t) {
	pmap, p_pmap, ok := mem.Physmem.Pmap_new()
	if !ok {
		return nil, -defs.ENOMEM
	}
	linkKernelHalf(pmap)
	return &Vm_t{Pmap: pmap, P_pmap: p_pmap}, 0
}

/// CloneCOW builds a child address space sharing every anonymous frame of
/// as with copy-on-write protection (spec.md Fork step "clone the address
/// space with copy-on-write semantics"): every writable PTE in the parent
/// is downgraded to read-only+PTE_COW, the same frame is mapped read-only
/// +PTE_COW in the child, and the frame's reference count is bumped once
/// for the child's new reference.
func (as *Vm_t) CloneCOW() (*Vm_t, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	child, err := NewAddrSpace()
	if err != 0 {
		return nil, err
	}
	child.Lock_pmap()
	defer child.Unlock_pmap()

	child.Vmregion = as.Vmregion.Clone()
	for _, vmi := range as.Vmregion.regions {
		if vmi.Mtype != VANON {
			continue
		}
		for pgn := vmi.Pgn; pgn < vmi.end(); pgn++ {
			va := int(pgn << PGSHIFT)
			pte := Pmap_lookup(as.Pmap, va)
			if pte == nil || *pte&PTE_P == 0 {
				continue
			}
			if *pte&PTE_W != 0 {
				*pte = (*pte &^ PTE_W) | PTE_COW
			}
			phys := *pte & PTE_ADDR
			perms := *pte &^ PTE_ADDR
			cpte, cerr := pmap_walk(child.Pmap, va, PTE_U|PTE_W)
			if cerr != 0 {
				return nil, cerr
			}
			*cpte = phys | perms
			mem.Physmem.Refup(phys)
		}
		if vmi.Perms&uint(PTE_W) != 0 {
			as.Tlbshoot(vmi.Pgn<<PGSHIFT, vmi.Pglen)
		}
	}
	return child, 0
}
