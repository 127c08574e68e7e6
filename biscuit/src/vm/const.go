package vm

import "mem"

// Local aliases for the mem package's page/PTE constants, so the rest of
// this package can read like the hardware-facing code it is (bare
// PTE_P/PTE_W/PTE_U) instead of a wall of mem.-qualified names.
const (
	PGSHIFT = mem.PGSHIFT
	PGSIZE  = mem.PGSIZE

	PGOFFSET = mem.PGOFFSET
	PGMASK   = mem.PGMASK

	PTE_P        = mem.PTE_P
	PTE_W        = mem.PTE_W
	PTE_U        = mem.PTE_U
	PTE_G        = mem.PTE_G
	PTE_PCD      = mem.PTE_PCD
	PTE_PS       = mem.PTE_PS
	PTE_A        = mem.PTE_A
	PTE_D        = mem.PTE_D
	PTE_COW      = mem.PTE_COW
	PTE_WASCOW   = mem.PTE_WASCOW
	PTE_ADDR     = mem.PTE_ADDR
)
