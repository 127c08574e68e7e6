// Package thread is the unit of execution the scheduler switches between
// (spec.md section 4.B): a saved privilege-crossing frame, a kernel stack
// reached through the shared kernel half of every page table, and the
// bookkeeping needed to deliver signals to it.
//
// Every thread owns a fixed-size virtual window for its kernel stack: one
// unmapped guard page followed by stackPages mapped frames, carved out of
// a PML4 slot dedicated to kernel stacks and installed once into
// vm.KernelPmap, so the window is visible from any address space without
// per-process remapping (the same top-level linkage vm.NewAddrSpace uses
// for the rest of the kernel half). A thread's window never moves or is
// reused while the thread lives; touching the guard page faults instead of
// silently corrupting whatever stack happens to sit below it.
package thread

import "encoding/binary"
import "reflect"
import "sync"
import "sync/atomic"

import "archprim"
import "defs"
import "mem"
import "vm"

/// StackPages is the number of 4KB frames backing a kernel stack, chosen
/// to comfortably hold the trap/syscall/signal-delivery call chains this
/// kernel runs on it without wasting physical memory per thread. Exported
/// so config can list it alongside the kernel's other compiled-in
/// tunables without a second, drifting copy of the number.
const StackPages = 8
const stackPages = StackPages

const guardPages = 1
const windowPages = guardPages + stackPages

// kstackSlot is the PML4 index reserved for kernel stacks, immediately
// below mem.VUSER so it stays inside the kernel-half range every address
// space links in wholesale.
func kstackSlot() int { return mem.VUSER - 1 }

func windowBytes() uintptr { return uintptr(windowPages * vm.PGSIZE) }

func kstackRegionBase() uintptr { return uintptr(kstackSlot()) << 39 }

/// Init reserves this package's kernel-stack PML4 slot in vm.KernelPmap.
/// The boot sequence must call this once, after vm.InitKernelPmap and
/// before creating the first process address space, so every address
/// space shares identical top-level linkage for kernel stacks.
func Init() defs.Err_t {
	return vm.ReserveKernelSlot(kstackSlot())
}

/// Privilege tags the mode a thread's saved frame resumes into.
type Privilege int

const (
	Kernel Privilege = iota
	User
)

/// Thread_t is one schedulable unit of execution. SavedFrame holds the
/// full register state a trap, syscall or timer interrupt captured (or, for
/// a never-yet-run thread, the state EnterUserMode/a kernel entry function
/// should start with); the scheduler's context switch only touches
/// KernelCtx directly, restoring SavedFrame via EnterUserMode only when
/// resuming into user mode.
//
// BlockedMask, PendingSet and the alt-stack fields are signal-delivery
// state (spec.md section 4.F): which signals this thread has masked,
// which are waiting to be delivered, and where to run a handler requested
// on an alternate stack. thread itself only stores them; the signal
// package owns their semantics.
type Thread_t struct {
	sync.Mutex

	Tid  defs.Tid_t
	Pid  defs.Pid_t
	Priv Privilege

	AS *vm.Vm_t

	SavedFrame archprim.Frame
	KernelCtx  archprim.KernelContext

	BlockedMask     uint64
	PendingSet      uint64
	AltStackVA      uintptr
	AltStackLen     uintptr
	AltStackEnabled bool

	kstackTop     uintptr
	kstackTopPhys mem.Pa_t
	slot          uint64

	Dead bool
}

/// KernelStackTop returns the initial stack pointer for this thread's
/// kernel stack (the highest mapped address in its window).
func (t *Thread_t) KernelStackTop() uintptr { return t.kstackTop }

var (
	mu       sync.Mutex
	table    = map[defs.Tid_t]*Thread_t{}
	nextTid  int32
	nextSlot uint64

	// current is the thread presently running. spec.md's Non-goals
	// exclude SMP, so there is exactly one execution context and a
	// single package-level pointer suffices; no per-CPU indirection is
	// needed the way a forked-runtime goroutine-local pointer would be.
	current *Thread_t
)

func allocTid() defs.Tid_t {
	return defs.Tid_t(atomic.AddInt32(&nextTid, 1))
}

func allocSlot() uint64 {
	return atomic.AddUint64(&nextSlot, 1) - 1
}

/// Current returns the thread the scheduler last switched to.
func Current() *Thread_t { return current }

/// SetCurrent records t as the running thread; the scheduler calls this
/// as the last step of a context switch, before resuming t. It also
/// points the hardware's kernel-stack-on-trap mechanism at t's stack
/// (archprim.SetKernelStack: the TSS's RSP0 field on amd64, SP_EL1 on
/// arm64), since whichever thread is current is the one a real trap will
/// next need a kernel stack for.
func SetCurrent(t *Thread_t) {
	current = t
	archprim.SetKernelStack(t.KernelStackTop())
}

/// Lookup finds a live thread by tid.
func Lookup(tid defs.Tid_t) (*Thread_t, bool) {
	mu.Lock()
	defer mu.Unlock()
	t, ok := table[tid]
	return t, ok
}

func mapStack(slot uint64) (uintptr, mem.Pa_t, defs.Err_t) {
	base := kstackRegionBase() + uintptr(slot)*windowBytes()
	stackBottom := base + uintptr(vm.PGSIZE)
	var topPhys mem.Pa_t
	for i := 0; i < stackPages; i++ {
		_, p_pg, ok := mem.Physmem.Refpg_new()
		if !ok {
			unmapStack(stackBottom, i)
			return 0, 0, -defs.ENOMEM
		}
		va := int(stackBottom) + i*vm.PGSIZE
		if err := vm.KernelMap(vm.KernelPmap, va, p_pg, vm.PTE_P|vm.PTE_W); err != 0 {
			mem.Physmem.Refdown(p_pg)
			unmapStack(stackBottom, i)
			return 0, 0, err
		}
		if i == stackPages-1 {
			topPhys = p_pg
		}
	}
	return stackBottom + uintptr(stackPages*vm.PGSIZE), topPhys, 0
}

// pushReturnAddr writes fn as a manufactured return address 16 bytes below
// top (the topmost mapped word of the stack, touched through the direct
// map rather than through the stack's own high kernel-half virtual address
// since no address space need be active yet when a thread is created) and
// returns the stack pointer RestoreContext's RET should resume from. The
// 16-byte offset, not 8, keeps the System V AMD64 ABI's post-call alignment
// correct: RET leaves RSP == top-8, the same alignment a real `call`
// instruction would have produced. This is the same "fake return address on
// a fresh stack" technique xv6-lineage kernels use to give a thread that
// has never run a first entry point, since SaveCurrentContext/RestoreContext
// resume by restoring the stack pointer and letting RET fall into whatever
// return address sits on top of it rather than by jumping to a saved
// program counter directly.
func pushReturnAddr(topPhys mem.Pa_t, top uintptr, fn uintptr) uintptr {
	pg := mem.Physmem.Dmap(topPhys)
	bpg := mem.Pg2bytes(pg)
	off := vm.PGSIZE - 16
	binary.LittleEndian.PutUint64(bpg[off:], uint64(fn))
	return top - 16
}

func unmapStack(stackBottom uintptr, mapped int) {
	for i := 0; i < mapped; i++ {
		vm.KernelUnmap(vm.KernelPmap, int(stackBottom)+i*vm.PGSIZE)
	}
}

func new_(pid defs.Pid_t, as *vm.Vm_t, priv Privilege) (*Thread_t, defs.Err_t) {
	slot := allocSlot()
	top, topPhys, err := mapStack(slot)
	if err != 0 {
		return nil, err
	}
	t := &Thread_t{
		Tid:           allocTid(),
		Pid:           pid,
		Priv:          priv,
		AS:            as,
		kstackTop:     top,
		kstackTopPhys: topPhys,
		slot:          slot,
	}
	mu.Lock()
	table[t.Tid] = t
	mu.Unlock()
	return t, 0
}

// enterUserTrampoline is the manufactured first return address of every
// user thread's kernel context: it hands the thread's saved frame to
// archprim.EnterUserMode, which never returns.
func enterUserTrampoline() {
	archprim.EnterUserMode(&Current().SavedFrame)
	panic("EnterUserMode returned")
}

/// NewUserThread creates a thread whose saved frame resumes into user mode
/// at entryIP on userSP within as (spec.md's new_user_thread).
func NewUserThread(pid defs.Pid_t, as *vm.Vm_t, entryIP, userSP uintptr) (*Thread_t, defs.Err_t) {
	t, err := new_(pid, as, User)
	if err != 0 {
		return nil, err
	}
	t.SavedFrame.SetPC(entryIP)
	t.SavedFrame.SetSP(userSP)
	t.SavedFrame.SetUserMode()
	trampoline := reflect.ValueOf(enterUserTrampoline).Pointer()
	sp := pushReturnAddr(t.kstackTopPhys, t.kstackTop, trampoline)
	t.KernelCtx.SetEntry(trampoline, sp)
	return t, 0
}

/// NewForkedThread creates a user thread whose saved frame is a copy of
/// parentFrame (spec.md Fork step "create a new thread whose SavedFrame
/// is a copy of the current trap frame"). The caller is responsible for
/// setting the syscall return register to 0 before enqueuing the child,
/// since archprim.Frame's layout is architecture-specific and this
/// package does not otherwise need to know which register that is.
func NewForkedThread(pid defs.Pid_t, as *vm.Vm_t, parentFrame archprim.Frame) (*Thread_t, defs.Err_t) {
	t, err := new_(pid, as, User)
	if err != 0 {
		return nil, err
	}
	t.SavedFrame = parentFrame
	trampoline := reflect.ValueOf(enterUserTrampoline).Pointer()
	sp := pushReturnAddr(t.kstackTopPhys, t.kstackTop, trampoline)
	t.KernelCtx.SetEntry(trampoline, sp)
	return t, 0
}

/// NewKernelThread creates a thread with no user address space whose
/// kernel context resumes at fn on its own kernel stack (spec.md's
/// new_kernel_thread). fn must never return.
func NewKernelThread(fn uintptr) (*Thread_t, defs.Err_t) {
	t, err := new_(0, nil, Kernel)
	if err != 0 {
		return nil, err
	}
	t.SavedFrame.SetKernelMode()
	sp := pushReturnAddr(t.kstackTopPhys, t.kstackTop, fn)
	t.KernelCtx.SetEntry(fn, sp)
	return t, 0
}

/// Destroy unmaps t's kernel stack and removes it from the thread table
/// (spec.md's destroy). t must not be the current thread and must not be
/// referenced by the scheduler's ready queue.
func (t *Thread_t) Destroy() {
	base := kstackRegionBase() + uintptr(t.slot)*windowBytes()
	stackBottom := base + uintptr(vm.PGSIZE)
	unmapStack(stackBottom, stackPages)
	mu.Lock()
	delete(table, t.Tid)
	mu.Unlock()
	t.Dead = true
}
