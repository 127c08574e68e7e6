// Package mem is the physical frame allocator and direct-mapped physical
// memory accessor (spec.md section 4.A, physical half): a fixed array of
// per-frame reference counts backing a free list, plus a direct map that
// lets the kernel read/write any physical page through a fixed virtual
// offset without installing a temporary mapping.
package mem

import "sync"
import "sync/atomic"
import "unsafe"
import "util"
import "archprim"

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

/// PTE_P marks a page as present.
const PTE_P Pa_t = 1 << 0

/// PTE_W marks a page writable.
const PTE_W Pa_t = 1 << 1

/// PTE_U marks a page user-accessible.
const PTE_U Pa_t = 1 << 2

/// PTE_COW marks a page as copy-on-write: present but not writable even
/// though the mapping's "logical" permission is writable. A write fault on
/// a PTE_COW page is not necessarily an error; vm.handleWriteFault decides
/// based on the frame's reference count.
const PTE_COW Pa_t = 1 << 9

/// PTE_WASCOW records, on the sole-owner fast path, that a page used to be
/// CoW-shared and was granted exclusively to one address space without a
/// copy. It carries no hardware meaning; it is bookkeeping vm uses to
/// answer "did this page ever need copying" for the CoW stats counters.
const PTE_WASCOW Pa_t = 1 << 10

/// PTE_G marks a global page.
const PTE_G Pa_t = 1 << 8

/// PTE_PCD disables caching for the page.
const PTE_PCD Pa_t = 1 << 4

/// PTE_PS indicates a large page.
const PTE_PS Pa_t = 1 << 7

/// PTE_ADDR extracts the address bits of a PTE.
const PTE_ADDR Pa_t = PGMASK

/// PTE_A marks a page as accessed.
const PTE_A Pa_t = 1 << 5

/// PTE_D marks a page as dirty (written).
const PTE_D Pa_t = 1 << 6

/// Pa_t represents a physical address.
type Pa_t uintptr

/// Bytepg_t is a byte addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg_t is a generic page of ints.
type Pg_t [512]int

/// Pmap_t is a page table page: 512 page-table entries.
type Pmap_t [512]Pa_t

/// Page_i abstracts physical page allocation; vm depends on this interface
/// rather than *Physmem_t directly so tests can substitute a small fake
/// allocator.
type Page_i interface {
	Refpg_new() (*Pg_t, Pa_t, bool)
	Refpg_new_nozero() (*Pg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Dmap(Pa_t) *Pg_t
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

/// Pg2bytes converts a page of ints to a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

/// Bytepg2pg converts a byte page back to a Pg_t.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

func _pg2pgn(p_pg Pa_t) uint32 {
	return uint32(p_pg >> PGSHIFT)
}

/// Refaddr returns the refcount pointer and index for the given page.
func (phys *Physmem_t) Refaddr(p_pg Pa_t) (*int32, uint32) {
	idx := _pg2pgn(p_pg) - phys.startn
	return &phys.Pgs[idx].Refcnt, idx
}

/// Physpg_t describes a single physical page.
type Physpg_t struct {
	Refcnt int32
	// index into Pgs of the next page on the free list
	nexti uint32
}

/// Physmem_t manages all physical memory for the system. A single free
/// list and a single mutex protect it; spec.md's Non-goals exclude SMP, so
/// the teacher's per-CPU free-list sharding is not needed here.
type Physmem_t struct {
	Pgs    []Physpg_t
	startn uint32
	// index into Pgs of the first free page
	freei   uint32
	freelen int32
	pmaps   uint32
	pmaplen int32
	sync.Mutex
	Dmapinit bool
}

func (phys *Physmem_t) _refpg_new() (*Pg_t, Pa_t, bool) {
	return phys._phys_new(&phys.freei, phys, &phys.freelen)
}

/// Refcnt returns the current reference count of a page.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	ref, _ := phys.Refaddr(p_pg)
	return int(atomic.LoadInt32(ref))
}

/// Refup increments the reference count of a page. Called whenever a
/// second mapping (a CoW clone, a shared object, pipe buffering...) starts
/// pointing at an existing frame instead of allocating a new one.
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	ref, _ := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, 1)
	if c <= 0 {
		panic("refup of freed page")
	}
}

// _refdec decrements p_pg's refcount and reports whether it reached zero
// (in which case the caller must return the page to the free list) along
// with the page's index.
func (phys *Physmem_t) _refdec(p_pg Pa_t) (bool, uint32) {
	ref, idx := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, -1)
	if c < 0 {
		panic("refdown of unreferenced page")
	}
	return c == 0, idx
}

/// Refdown decrements the reference count of a page. It returns true when
/// the page's count reached zero and the frame was returned to the free
/// list (spec.md invariant: a frame with refcount 0 is free and may be
/// reused).
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	return phys._phys_put(p_pg, false)
}

/// Zeropg is a global zero-filled page used to initialize new allocations.
var Zeropg *Pg_t

/// Refpg_new allocates a zeroed page and returns its kernel mapping and
/// physical address. The returned page's reference count is not
/// incremented; the caller owns the sole reference.
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	if !phys.Dmapinit {
		panic("refpg_new before dmap init")
	}
	pg, p_pg, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	*pg = *Zeropg
	return pg, p_pg, true
}

/// Refpg_new_nozero allocates an uninitialised page (the caller is about
/// to overwrite every byte, e.g. when reading in an exec image page).
func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	pg, p_pg, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	return pg, p_pg, true
}

/// Pmap_new allocates a new, zeroed page-table page.
func (phys *Physmem_t) Pmap_new() (*Pmap_t, Pa_t, bool) {
	a, b, ok := phys._phys_new(&phys.pmaps, phys, &phys.pmaplen)
	if !ok {
		a, b, ok = phys.Refpg_new()
	}
	return pg2pmap(a), b, ok
}

func (phys *Physmem_t) _phys_new(fl *uint32, lock sync.Locker, cnt *int32) (*Pg_t, Pa_t, bool) {
	if !phys.Dmapinit {
		panic("dmap not initted")
	}

	var p_pg Pa_t
	var ok bool
	lock.Lock()
	ff := *fl
	if ff != ^uint32(0) {
		p_pg = Pa_t(ff+phys.startn) << PGSHIFT
		*fl = phys.Pgs[ff].nexti
		ok = true
		if phys.Pgs[ff].Refcnt < 0 {
			panic("negative ref count")
		}
		*cnt--
		if *cnt < 0 {
			panic("free count underflow")
		}
	}
	lock.Unlock()
	if ok {
		return phys.Dmap(p_pg), p_pg, true
	}
	return nil, 0, false
}

func (phys *Physmem_t) _phys_insert(fl *uint32, idx uint32, lock sync.Locker, cnt *int32) {
	lock.Lock()
	phys.Pgs[idx].nexti = *fl
	*fl = idx
	*cnt++
	lock.Unlock()
}

// _phys_put decrements p_pg's refcount and, if it reached zero, returns
// the frame to the free (or pmap) list. It reports whether the frame was
// freed.
func (phys *Physmem_t) _phys_put(p_pg Pa_t, ispmap bool) bool {
	if add, idx := phys._refdec(p_pg); add {
		fl := &phys.freei
		cnt := &phys.freelen
		if ispmap {
			fl = &phys.pmaps
			cnt = &phys.pmaplen
		}
		phys._phys_insert(fl, idx, phys, cnt)
		return true
	}
	return false
}

/// Dec_pmap decreases the reference count of a pmap page, freeing it if
/// it drops to zero.
func (phys *Physmem_t) Dec_pmap(p_pmap Pa_t) {
	phys._phys_put(p_pmap, true)
}

/// Dmap converts a physical address into its direct-mapped virtual
/// address, letting the kernel touch physical memory it has not (and may
/// never) explicitly map into any address space's page tables.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	pa := uintptr(p)
	if pa >= 1<<39 {
		panic("direct map not large enough")
	}
	v := Vdirect
	v += uintptr(util.Rounddown(int(pa), PGSIZE))
	return (*Pg_t)(unsafe.Pointer(v))
}

/// Dmap_v2p converts a direct-mapped virtual address back to a physical
/// address.
func (phys *Physmem_t) Dmap_v2p(v *Pg_t) Pa_t {
	va := (uintptr)(unsafe.Pointer(v))
	if va <= 1<<39 {
		panic("address isn't in the direct map")
	}
	pa := va - Vdirect
	return Pa_t(pa)
}

/// Dmap8 returns a byte slice mapped to the given physical address,
/// starting at its in-page offset.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

/// Pgcount reports the number of free pages and free pmap pages, for
/// diagnostics and tests.
func (phys *Physmem_t) Pgcount() (int, int) {
	phys.Lock()
	defer phys.Unlock()
	return int(phys.freelen), int(phys.pmaplen)
}

/// Physmem is the global physical memory allocator instance.
var Physmem = &Physmem_t{}

/// Phys_init initializes the global physical memory allocator by draining
/// archprim.NextPhysPage until the boot-reported memory map is exhausted.
/// The caller (kernel boot sequence, an out-of-core concern) must have
/// already called archprim.InitPhysMap.
func Phys_init(maxpages int) *Physmem_t {
	phys := Physmem
	phys.Pgs = make([]Physpg_t, 0, maxpages)
	first, ok := archprim.NextPhysPage()
	if !ok {
		panic("no physical memory reported")
	}
	phys.startn = _pg2pgn(Pa_t(first))
	phys.Pgs = append(phys.Pgs, Physpg_t{Refcnt: 0, nexti: ^uint32(0)})
	phys.freei = 0
	phys.freelen = 1
	phys.pmaps = ^uint32(0)
	last := uint32(0)
	for len(phys.Pgs) < maxpages {
		p_pg, ok := archprim.NextPhysPage()
		if !ok {
			break
		}
		pgn := _pg2pgn(Pa_t(p_pg))
		idx := pgn - phys.startn
		for uint32(len(phys.Pgs)) <= idx {
			phys.Pgs = append(phys.Pgs, Physpg_t{Refcnt: -10})
		}
		phys.Pgs[idx].Refcnt = 0
		phys.Pgs[idx].nexti = ^uint32(0)
		phys.Pgs[last].nexti = idx
		last = idx
		phys.freelen++
	}
	phys.Dmapinit = true
	_, p_zero, zok := zeroPage(phys)
	if !zok {
		panic("oom initializing zero page")
	}
	phys.Refup(p_zero)
	return phys
}

func zeroPage(phys *Physmem_t) (*Pg_t, Pa_t, bool) {
	pg, p_pg, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	for i := range pg {
		pg[i] = 0
	}
	Zeropg = pg
	return pg, p_pg, true
}
