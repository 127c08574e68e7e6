package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"archprim"
	"defs"
	"mem"
)

func freshAS(t *testing.T, npages int) *Vm_t {
	t.Helper()
	mem.Physmem = &mem.Physmem_t{}
	regions := []archprim.PhysRegion{{Base: 0x100000, Len: uintptr(npages+8) * uintptr(mem.PGSIZE)}}
	archprim.InitPhysMap(regions)
	mem.Phys_init(npages)

	as, err := NewAddrSpace()
	require.Equal(t, defs.Err_t(0), err)
	return as
}

const testVA = mem.USERMIN + 4096*7

func TestDirectWriteFaultAllocatesPage(t *testing.T) {
	as := freshAS(t, 64)
	as.Vmadd_anon(testVA, mem.PGSIZE, PTE_U|PTE_W)

	err := as.Userwriten(testVA, 8, 0x11223344)
	require.Equal(t, defs.Err_t(0), err)

	v, err := as.Userreadn(testVA, 8)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 0x11223344, v)
}

func TestReadFaultMapsSharedZeroPageCOW(t *testing.T) {
	as := freshAS(t, 64)
	as.Vmadd_anon(testVA, mem.PGSIZE, PTE_U|PTE_W)

	v, err := as.Userreadn(testVA, 8)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 0, v)

	as.Lock_pmap()
	pte := Pmap_lookup(as.Pmap, testVA)
	require.NotNil(t, pte)
	require.NotZero(t, *pte&PTE_COW)
	require.Zero(t, *pte&PTE_W)
	as.Unlock_pmap()
}

func TestGuardRegionAlwaysFaults(t *testing.T) {
	as := freshAS(t, 64)
	as.Vmadd_guard(testVA, mem.PGSIZE)

	_, err := as.Userreadn(testVA, 8)
	require.Equal(t, -defs.EFAULT, err)
}

func TestCloneCOWSharesThenSoleOwnerOnSecondWriter(t *testing.T) {
	as1 := freshAS(t, 64)
	as1.Vmadd_anon(testVA, mem.PGSIZE, PTE_U|PTE_W)
	require.Equal(t, defs.Err_t(0), as1.Userwriten(testVA, 8, 0xcafe))

	as2, err := as1.CloneCOW()
	require.Equal(t, defs.Err_t(0), err)

	as1.Lock_pmap()
	p1 := Pmap_lookup(as1.Pmap, testVA)
	require.NotZero(t, *p1&PTE_COW)
	require.Zero(t, *p1&PTE_W)
	frame := *p1 & PTE_ADDR
	as1.Unlock_pmap()
	require.Equal(t, 2, mem.Physmem.Refcnt(frame))

	_, _, copiedBefore := CowStatsSnapshot()

	require.Equal(t, defs.Err_t(0), as2.Userwriten(testVA, 8, 0xbeef))

	_, _, copiedAfter := CowStatsSnapshot()
	require.Equal(t, copiedBefore+1, copiedAfter)

	v1, err := as1.Userreadn(testVA, 8)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 0xcafe, v1)

	v2, err := as2.Userreadn(testVA, 8)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 0xbeef, v2)

	require.Equal(t, 1, mem.Physmem.Refcnt(frame))

	_, soleBefore, _ := CowStatsSnapshot()
	require.Equal(t, defs.Err_t(0), as1.Userwriten(testVA, 8, 0x1234))
	_, soleAfter, _ := CowStatsSnapshot()
	require.Equal(t, soleBefore+1, soleAfter)

	as1.Lock_pmap()
	p1 = Pmap_lookup(as1.Pmap, testVA)
	require.NotZero(t, *p1&PTE_W)
	require.Zero(t, *p1&PTE_COW)
	as1.Unlock_pmap()
}

func TestUvmfreeDropsFrameRefs(t *testing.T) {
	as := freshAS(t, 64)
	as.Vmadd_anon(testVA, mem.PGSIZE, PTE_U|PTE_W)
	require.Equal(t, defs.Err_t(0), as.Userwriten(testVA, 8, 1))

	as.Lock_pmap()
	pte := Pmap_lookup(as.Pmap, testVA)
	frame := *pte & PTE_ADDR
	as.Unlock_pmap()
	require.Equal(t, 1, mem.Physmem.Refcnt(frame))

	as.Uvmfree()
	require.Equal(t, 0, mem.Physmem.Refcnt(frame))
}
