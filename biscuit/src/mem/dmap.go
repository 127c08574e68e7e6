package mem

import "unsafe"

// Kernel virtual address space layout, expressed as PML4/L0 slot indices
// (each slot covers 512GB on amd64; the arm64 HAL maps the same slot
// numbering onto its own translation table granularity).

/// VDIRECT is the direct-map slot: physical memory, read/write, mapped
/// once at boot and never unmapped.
const VDIRECT int = 0x44

/// VUSER is the first user-space slot.
const VUSER int = 0x59

/// USERMIN is the lowest user virtual address.
const USERMIN int = VUSER << 39

/// DMAPLEN is the length of the direct map in bytes: enough to cover the
/// full 512GB a single slot addresses.
const DMAPLEN int = 1 << 39

/// Vdirect holds the virtual address of the direct map region.
var Vdirect = uintptr(VDIRECT << 39)

/// Dmaplen returns a slice over the direct map starting at physical
/// address p for l bytes.
func Dmaplen(p Pa_t, l int) []uint8 {
	_dmap := (*[DMAPLEN]uint8)(unsafe.Pointer(Vdirect))
	return _dmap[p : p+Pa_t(l)]
}

/// Dmaplen32 is like Dmaplen but operates on 32-bit units. p and l must be
/// multiples of 4.
func Dmaplen32(p uintptr, l int) []uint32 {
	if p%4 != 0 || l%4 != 0 {
		panic("not 32bit aligned")
	}
	_dmap := (*[DMAPLEN / 4]uint32)(unsafe.Pointer(Vdirect))
	p /= 4
	l /= 4
	return _dmap[p : p+uintptr(l)]
}
