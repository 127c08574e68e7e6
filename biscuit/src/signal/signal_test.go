package signal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"archprim"
	"defs"
	"mem"
	"proc"
	"sched"
	"thread"
	"vm"
)

var initOnce sync.Once

// freshKernel stands up a kernel pmap, one address space and a signal
// trampoline, the minimum CheckPending/delivery needs to exercise real
// user-memory writes through vm.Vm_t.Mkuserbuf.
func freshKernel(t *testing.T, npages int) *vm.Vm_t {
	t.Helper()
	mem.Physmem = &mem.Physmem_t{}
	regions := []archprim.PhysRegion{{Base: 0x100000, Len: uintptr(npages+8) * uintptr(mem.PGSIZE)}}
	archprim.InitPhysMap(regions)
	mem.Phys_init(npages)
	require.Equal(t, defs.Err_t(0), vm.InitKernelPmap())
	require.Equal(t, defs.Err_t(0), thread.Init())
	require.Equal(t, defs.Err_t(0), Init())
	as, err := vm.NewAddrSpace()
	require.Equal(t, defs.Err_t(0), err)
	return as
}

// freshProc ensures pid 1 exists (proc.CreateInit must run exactly once
// per test binary) and returns a fresh child of it for the calling test.
func freshProc(t *testing.T, as *vm.Vm_t) (*proc.Proc_t, *thread.Thread_t) {
	t.Helper()
	initOnce.Do(func() {
		initMain, err := thread.NewUserThread(proc.InitPid, as, 0x401000, 0x7ffffff000)
		require.Equal(t, defs.Err_t(0), err)
		_, err = proc.CreateInit(as, initMain)
		require.Equal(t, defs.Err_t(0), err)
	})

	main, err := thread.NewUserThread(0, as, 0x401000, 0x7ffffff000)
	require.Equal(t, defs.Err_t(0), err)
	p, err := proc.Create(proc.InitPid, as, main)
	require.Equal(t, defs.Err_t(0), err)
	main.Pid = p.Pid
	return p, main
}

func TestInitMapsTrampolineAndWiresDeliveryCheck(t *testing.T) {
	resetSchedGlobals()
	freshKernel(t, 256)
	require.NotNil(t, sched.DeliveryCheck)
}

func TestKillSetsPendingAndWakesTarget(t *testing.T) {
	resetSchedGlobals()
	as := freshKernel(t, 256)
	_, main := freshProc(t, as)

	require.Equal(t, 0, sched.ReadyLen())
	require.Equal(t, defs.Err_t(0), Kill(main.Pid, defs.SIGUSR1))
	require.Equal(t, defs.SigMask(defs.SIGUSR1), main.PendingSet)
	require.Equal(t, 1, sched.ReadyLen())
}

func TestKillSignalZeroIsLivenessCheckOnly(t *testing.T) {
	resetSchedGlobals()
	as := freshKernel(t, 256)
	_, main := freshProc(t, as)

	require.Equal(t, defs.Err_t(0), Kill(main.Pid, 0))
	require.Equal(t, uint64(0), main.PendingSet)
}

func TestKillUnknownPidIsEsrch(t *testing.T) {
	resetSchedGlobals()
	freshKernel(t, 256)
	require.Equal(t, -defs.ESRCH, Kill(defs.Pid_t(9999), defs.SIGTERM))
}

func TestSigactionRejectsUncatchableSignals(t *testing.T) {
	resetSchedGlobals()
	as := freshKernel(t, 256)
	p, _ := freshProc(t, as)

	_, err := Sigaction(p, defs.SIGKILL, proc.HandlerEntry{Entry: 0x401000})
	require.Equal(t, -defs.EINVAL, err)

	_, err = Sigaction(p, defs.SIGSTOP, proc.HandlerEntry{Entry: 0x401000})
	require.Equal(t, -defs.EINVAL, err)
}

func TestSigactionInstallsAndReturnsPrevious(t *testing.T) {
	resetSchedGlobals()
	as := freshKernel(t, 256)
	p, _ := freshProc(t, as)

	old, err := Sigaction(p, defs.SIGUSR1, proc.HandlerEntry{Entry: 0x401500})
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, defs.SIG_DFL, old.Entry)

	old, err = Sigaction(p, defs.SIGUSR1, proc.HandlerEntry{Entry: 0x401600})
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, uintptr(0x401500), old.Entry)
}

func TestSigprocmaskBlockUnblockSetmask(t *testing.T) {
	resetSchedGlobals()
	as := freshKernel(t, 256)
	_, main := freshProc(t, as)

	old, err := Sigprocmask(main, defs.SIG_BLOCK, defs.SigMask(defs.SIGUSR1))
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, uint64(0), old)
	require.Equal(t, defs.SigMask(defs.SIGUSR1), main.BlockedMask)

	old, err = Sigprocmask(main, defs.SIG_BLOCK, defs.SigMask(defs.SIGUSR2))
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, defs.SigMask(defs.SIGUSR1), old)
	require.Equal(t, defs.SigMask(defs.SIGUSR1)|defs.SigMask(defs.SIGUSR2), main.BlockedMask)

	_, err = Sigprocmask(main, defs.SIG_UNBLOCK, defs.SigMask(defs.SIGUSR1))
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, defs.SigMask(defs.SIGUSR2), main.BlockedMask)

	_, err = Sigprocmask(main, defs.SIG_SETMASK, defs.SigMask(defs.SIGTERM))
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, defs.SigMask(defs.SIGTERM), main.BlockedMask)
}

func TestSigprocmaskDropsUncatchableBitsFromSet(t *testing.T) {
	resetSchedGlobals()
	as := freshKernel(t, 256)
	_, main := freshProc(t, as)

	_, err := Sigprocmask(main, defs.SIG_SETMASK, defs.SigMask(defs.SIGKILL)|defs.SigMask(defs.SIGTERM))
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, defs.SigMask(defs.SIGTERM), main.BlockedMask)
}

func TestSigprocmaskRejectsUnknownHow(t *testing.T) {
	resetSchedGlobals()
	as := freshKernel(t, 256)
	_, main := freshProc(t, as)

	_, err := Sigprocmask(main, 99, defs.SigMask(defs.SIGTERM))
	require.Equal(t, -defs.EINVAL, err)
}

func TestSigpendingReportsOnlyPendingBlockedSignals(t *testing.T) {
	resetSchedGlobals()
	as := freshKernel(t, 256)
	_, main := freshProc(t, as)

	main.PendingSet = defs.SigMask(defs.SIGUSR1) | defs.SigMask(defs.SIGUSR2)
	main.BlockedMask = defs.SigMask(defs.SIGUSR1)

	require.Equal(t, defs.SigMask(defs.SIGUSR1), Sigpending(main))
}

func TestCheckPendingIgnoresSigChldByDefault(t *testing.T) {
	resetSchedGlobals()
	as := freshKernel(t, 256)
	_, main := freshProc(t, as)
	main.Priv = thread.User

	main.PendingSet = defs.SigMask(defs.SIGCHLD)
	CheckPending(main)
	require.Equal(t, uint64(0), main.PendingSet)
	require.False(t, main.Dead)
}

func TestCheckPendingDefaultTerminateMarksThreadDead(t *testing.T) {
	resetSchedGlobals()
	as := freshKernel(t, 256)
	p, main := freshProc(t, as)
	main.Priv = thread.User

	main.PendingSet = defs.SigMask(defs.SIGTERM)
	CheckPending(main)
	require.True(t, main.Dead)
	st, _ := p.Status()
	require.Equal(t, proc.Zombie, st)
}

func TestCheckPendingSkipsKernelOnlyThreads(t *testing.T) {
	resetSchedGlobals()
	as := freshKernel(t, 256)
	_, main := freshProc(t, as)
	main.Priv = thread.Kernel

	main.PendingSet = defs.SigMask(defs.SIGTERM)
	CheckPending(main)
	require.False(t, main.Dead)
	require.Equal(t, defs.SigMask(defs.SIGTERM), main.PendingSet)
}

func TestCheckPendingDeliversToHandlerAndRewritesFrame(t *testing.T) {
	resetSchedGlobals()
	as := freshKernel(t, 256)
	p, main := freshProc(t, as)
	main.Priv = thread.User

	const handlerVA = 0x402000
	Sigaction(p, defs.SIGUSR1, proc.HandlerEntry{Entry: handlerVA})
	// map the page just below the thread's user SP so the signal frame
	// can be written there
	as.Vmadd_anon(0x7ffffff000-vm.PGSIZE, vm.PGSIZE, vm.PTE_U|vm.PTE_W)

	savedSP := main.SavedFrame.SP()
	main.PendingSet = defs.SigMask(defs.SIGUSR1)
	CheckPending(main)

	require.Equal(t, uintptr(handlerVA), main.SavedFrame.PC())
	require.NotEqual(t, savedSP, main.SavedFrame.SP())
	require.Equal(t, defs.SigMask(defs.SIGUSR1), main.BlockedMask)
	require.Equal(t, uint64(0), main.PendingSet)
}

func TestSigreturnRestoresFrameAndMask(t *testing.T) {
	resetSchedGlobals()
	as := freshKernel(t, 256)
	p, main := freshProc(t, as)
	main.Priv = thread.User

	const handlerVA = 0x402000
	Sigaction(p, defs.SIGUSR1, proc.HandlerEntry{Entry: handlerVA})

	origFrame := main.SavedFrame
	main.PendingSet = defs.SigMask(defs.SIGUSR1)
	CheckPending(main)
	require.NotEqual(t, origFrame.PC(), main.SavedFrame.PC())

	require.Equal(t, defs.Err_t(0), Sigreturn(main))
	require.Equal(t, origFrame.PC(), main.SavedFrame.PC())
	require.Equal(t, origFrame.SP(), main.SavedFrame.SP())
	require.Equal(t, uint64(0), main.BlockedMask)
}

func resetSchedGlobals() {
	sched.DeliveryCheck = nil
}
