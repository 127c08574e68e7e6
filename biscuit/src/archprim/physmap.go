package archprim

import "sync"

// PhysRegion describes one usable range of physical memory reported by the
// boot loader collaborator (spec.md section 6 boot handoff). Parsing the
// firmware/bootloader-specific memory map itself (E820, UEFI, device tree)
// is the loader's job; archprim only walks the decoded ranges it is handed.
type PhysRegion struct {
	Base uintptr
	Len  uintptr
}

var (
	physMu      sync.Mutex
	physRegions []PhysRegion
	physRegion  int
	physCursor  uintptr
	pageSize    uintptr = 4096
)

/// InitPhysMap installs the usable physical memory ranges the boot
/// collaborator reported. It must be called exactly once before any call
/// to NextPhysPage.
func InitPhysMap(regions []PhysRegion) {
	physMu.Lock()
	defer physMu.Unlock()
	physRegions = regions
	physRegion = 0
	if len(regions) > 0 {
		physCursor = regions[0].Base
	}
}

/// NextPhysPage returns the physical address of the next free page the
/// boot-time memory map has to offer, advancing the cursor, or ok=false
/// once every reported region is exhausted.
func NextPhysPage() (pa uintptr, ok bool) {
	physMu.Lock()
	defer physMu.Unlock()
	for physRegion < len(physRegions) {
		r := physRegions[physRegion]
		if physCursor+pageSize <= r.Base+r.Len {
			pa = physCursor
			physCursor += pageSize
			return pa, true
		}
		physRegion++
		if physRegion < len(physRegions) {
			physCursor = physRegions[physRegion].Base
		}
	}
	return 0, false
}
