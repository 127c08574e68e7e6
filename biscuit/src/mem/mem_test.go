package mem

import (
	"testing"

	"archprim"
	"github.com/stretchr/testify/require"
)

func freshPhysmem(t *testing.T, npages int) *Physmem_t {
	t.Helper()
	Physmem = &Physmem_t{}
	regions := []archprim.PhysRegion{{Base: 0x100000, Len: uintptr(npages+8) * uintptr(PGSIZE)}}
	archprim.InitPhysMap(regions)
	return Phys_init(npages)
}

func TestRefpgNewZeroed(t *testing.T) {
	phys := freshPhysmem(t, 16)
	pg, pa, ok := phys.Refpg_new()
	require.True(t, ok)
	require.Equal(t, 0, phys.Refcnt(pa))
	for _, w := range pg {
		require.Equal(t, 0, w)
	}
}

func TestRefupRefdownFreesAtZero(t *testing.T) {
	phys := freshPhysmem(t, 16)
	_, pa, ok := phys.Refpg_new()
	require.True(t, ok)

	phys.Refup(pa)
	require.Equal(t, 1, phys.Refcnt(pa))

	freed := phys.Refdown(pa)
	require.False(t, freed)
	require.Equal(t, 0, phys.Refcnt(pa))

	freed = phys.Refdown(pa)
	require.True(t, freed)
}

func TestRefdownUnderflowPanics(t *testing.T) {
	phys := freshPhysmem(t, 16)
	_, pa, _ := phys.Refpg_new()
	phys.Refdown(pa)
	require.Panics(t, func() { phys.Refdown(pa) })
}

func TestDmapRoundtrip(t *testing.T) {
	phys := freshPhysmem(t, 16)
	_, pa, _ := phys.Refpg_new()
	pg := phys.Dmap(pa)
	back := phys.Dmap_v2p(pg)
	require.Equal(t, pa&PGMASK, back)
}

func TestPgcountDecreasesOnAllocation(t *testing.T) {
	phys := freshPhysmem(t, 16)
	free0, _ := phys.Pgcount()
	_, _, ok := phys.Refpg_new()
	require.True(t, ok)
	free1, _ := phys.Pgcount()
	require.Equal(t, free0-1, free1)
}
