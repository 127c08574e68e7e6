package thread

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"archprim"
	"defs"
	"mem"
	"vm"
)

func freshKernel(t *testing.T, npages int) *vm.Vm_t {
	t.Helper()
	mem.Physmem = &mem.Physmem_t{}
	regions := []archprim.PhysRegion{{Base: 0x100000, Len: uintptr(npages+8) * uintptr(mem.PGSIZE)}}
	archprim.InitPhysMap(regions)
	mem.Phys_init(npages)
	require.Equal(t, defs.Err_t(0), vm.InitKernelPmap())
	require.Equal(t, defs.Err_t(0), Init())
	as, err := vm.NewAddrSpace()
	require.Equal(t, defs.Err_t(0), err)
	return as
}

func TestNewUserThreadSetsFrameAndMapsStack(t *testing.T) {
	as := freshKernel(t, 128)

	const entryIP = 0x401000
	const userSP = 0x7ffffff000

	th, err := NewUserThread(1, as, entryIP, userSP)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, uintptr(entryIP), th.SavedFrame.PC())
	require.Equal(t, uintptr(userSP), th.SavedFrame.SP())
	require.True(t, th.SavedFrame.IsUser())
	require.Equal(t, defs.Pid_t(1), th.Pid)

	top := th.KernelStackTop()
	require.NotZero(t, top)
	require.Zero(t, top%uintptr(vm.PGSIZE))

	for i := 1; i <= stackPages; i++ {
		va := int(top) - i*vm.PGSIZE
		pte := vm.Pmap_lookup(vm.KernelPmap, va)
		require.NotNil(t, pte)
		require.NotZero(t, *pte&vm.PTE_P)
	}

	guardVA := int(top) - (stackPages+1)*vm.PGSIZE
	guardPte := vm.Pmap_lookup(vm.KernelPmap, guardVA)
	if guardPte != nil {
		require.Zero(t, *guardPte&vm.PTE_P)
	}

	// a never-yet-run thread's kernel context resumes into the trampoline
	// that hands SavedFrame to archprim.EnterUserMode, not into entryIP
	// directly; entryIP only lives in SavedFrame.PC.
	require.NotZero(t, th.KernelCtx.PC())
	require.Equal(t, th.KernelStackTop()-16, uintptr(th.KernelCtx.SP()))
}

func TestNewKernelThreadSetsKernelModeAndEntry(t *testing.T) {
	freshKernel(t, 128)

	const fn = 0xffff800000100000

	th, err := NewKernelThread(fn)
	require.Equal(t, defs.Err_t(0), err)
	require.False(t, th.SavedFrame.IsUser())
	require.Equal(t, uintptr(fn), th.KernelCtx.PC())
	require.Equal(t, th.KernelStackTop()-16, uintptr(th.KernelCtx.SP()))
	require.Nil(t, th.AS)

	// RestoreContext resumes by restoring KernelCtx.SP and RET'ing, so the
	// word just above that stack pointer must be fn itself.
	pg := mem.Physmem.Dmap(th.kstackTopPhys)
	bpg := mem.Pg2bytes(pg)
	got := binary.LittleEndian.Uint64(bpg[vm.PGSIZE-16:])
	require.Equal(t, uint64(fn), got)
}

func TestThreadsGetDistinctNonOverlappingStackWindows(t *testing.T) {
	as := freshKernel(t, 256)

	t1, err := NewUserThread(1, as, 0x401000, 0x7ffffff000)
	require.Equal(t, defs.Err_t(0), err)
	t2, err := NewUserThread(1, as, 0x401000, 0x7ffffff000)
	require.Equal(t, defs.Err_t(0), err)

	require.NotEqual(t, t1.Tid, t2.Tid)
	diff := t2.KernelStackTop() - t1.KernelStackTop()
	if t1.KernelStackTop() > t2.KernelStackTop() {
		diff = t1.KernelStackTop() - t2.KernelStackTop()
	}
	require.GreaterOrEqual(t, diff, windowBytes())
}

func TestDestroyUnmapsKernelStack(t *testing.T) {
	freshKernel(t, 128)

	th, err := NewKernelThread(0xffff800000100000)
	require.Equal(t, defs.Err_t(0), err)
	top := th.KernelStackTop()

	_, ok := Lookup(th.Tid)
	require.True(t, ok)

	th.Destroy()

	_, ok = Lookup(th.Tid)
	require.False(t, ok)

	for i := 1; i <= stackPages; i++ {
		va := int(top) - i*vm.PGSIZE
		pte := vm.Pmap_lookup(vm.KernelPmap, va)
		if pte != nil {
			require.Zero(t, *pte&vm.PTE_P)
		}
	}
}

func TestCurrentThreadTracking(t *testing.T) {
	as := freshKernel(t, 128)
	th, err := NewUserThread(1, as, 0x401000, 0x7ffffff000)
	require.Equal(t, defs.Err_t(0), err)

	require.Nil(t, Current())
	SetCurrent(th)
	require.Equal(t, th, Current())
}
