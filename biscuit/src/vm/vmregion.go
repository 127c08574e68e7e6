package vm

import "sort"

import "mem"

/// mtype_t classifies a region of an address space. Only anonymous
/// (VANON) and guard (VGUARD) regions are modeled: file-backed and shared
/// mappings are a demand-paging-from-a-backing-store concern spec.md's
/// Non-goals exclude.
type mtype_t int

const (
	VANON mtype_t = iota
	VGUARD
)

/// Vminfo_t describes one mapped region of a process's address space: a
/// page-aligned [Pgn, Pgn+Pglen) range and the permission bits new
/// mappings in that range get. A VGUARD region (Perms == 0) can never be
/// faulted in; touching it is always a fault (spec.md invariant: the
/// kernel stack's guard page must trap on overflow).
type Vminfo_t struct {
	Mtype mtype_t
	Pgn   uintptr
	Pglen int
	Perms uint
}

func (vmi *Vminfo_t) end() uintptr {
	return vmi.Pgn + uintptr(vmi.Pglen)
}

/// Ptefor returns the page table entry for va within vmi's region,
/// allocating intermediate page-table levels as needed.
func (vmi *Vminfo_t) Ptefor(pmap *mem.Pmap_t, va uintptr) (*mem.Pa_t, bool) {
	reqperms := mem.PTE_U
	if vmi.Perms&uint(mem.PTE_W) != 0 {
		reqperms |= mem.PTE_W
	}
	pte, err := pmap_walk(pmap, int(va), reqperms)
	if err != 0 {
		return nil, false
	}
	return pte, true
}

/// Vmregion_t is the ordered set of mapped regions making up a process's
/// address space (spec.md's "region list"), kept sorted by starting page
/// number so Lookup can binary search it.
type Vmregion_t struct {
	regions []*Vminfo_t
}

/// Lookup returns the region containing virtual address va, if any.
func (vr *Vmregion_t) Lookup(va uintptr) (*Vminfo_t, bool) {
	pgn := va >> PGSHIFT
	i := sort.Search(len(vr.regions), func(i int) bool {
		return vr.regions[i].end() > pgn
	})
	if i < len(vr.regions) && vr.regions[i].Pgn <= pgn {
		return vr.regions[i], true
	}
	return nil, false
}

func (vr *Vmregion_t) insert(vmi *Vminfo_t) {
	i := sort.Search(len(vr.regions), func(i int) bool {
		return vr.regions[i].Pgn >= vmi.Pgn
	})
	vr.regions = append(vr.regions, nil)
	copy(vr.regions[i+1:], vr.regions[i:])
	vr.regions[i] = vmi
}

/// empty finds an unused, len-byte-or-larger virtual address range at or
/// above startva; used by mmap-style allocation of anonymous regions (the
/// kernel stack, the user heap, fresh mmap() requests).
func (vr *Vmregion_t) empty(startva uintptr, length uintptr) (uintptr, uintptr) {
	cur := startva
	pgsize := uintptr(mem.PGSIZE)
	want := (length + pgsize - 1) &^ (pgsize - 1)
	for _, r := range vr.regions {
		rstart := r.Pgn << PGSHIFT
		if cur+want <= rstart {
			return cur, want
		}
		rend := r.end() << PGSHIFT
		if rend > cur {
			cur = rend
		}
	}
	return cur, want
}

/// Clear drops every region, used when an address space is torn down.
func (vr *Vmregion_t) Clear() {
	vr.regions = nil
}

/// Clone deep-copies the region list, used by fork() to give the child its
/// own Vmregion_t while sharing the underlying frames via CoW.
func (vr *Vmregion_t) Clone() Vmregion_t {
	n := Vmregion_t{regions: make([]*Vminfo_t, len(vr.regions))}
	for i, r := range vr.regions {
		cp := *r
		n.regions[i] = &cp
	}
	return n
}
