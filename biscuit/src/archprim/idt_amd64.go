//go:build amd64

package archprim

import (
	"encoding/binary"
	"reflect"
	"unsafe"
)

// This file builds the three hardware tables spec.md section 4.E's "On
// entry" steps 1-3 depend on: a GDT (so the IDT's gate descriptors have a
// kernel code selector to load), a TSS (so the CPU has a kernel stack to
// switch to on a privilege-changing trap), and the IDT itself (so the CPU
// has an entry point per vector). Grounded on the gate-table shape
// gopher-os's kernel/cpu/gate/gate_amd64.go declares (Init -> installIDT,
// per-vector handler installation, exception vector constants), adapted
// from that package's body-less-placeholder state into a real table this
// kernel loads.
//
// None of idt/gdt/tss is a typed Go struct: the packed byte layouts the
// hardware requires (a 10-byte gdtr/idtr pseudo-descriptor, an 8-byte GDT
// entry with bitfields instead of word-aligned members, a 104-byte TSS
// with RSP0 starting at byte offset 4) would all pick up alignment
// padding from a naive Go struct definition. thread.go's pushReturnAddr
// already establishes the idiom this file follows instead: pack raw byte
// buffers by hand with encoding/binary at literal offsets.
const (
	idtEntries   = 256
	idtEntrySize = 16
	gdtEntries   = 7
	tssSize      = 104

	// istStackSize backs the one dedicated interrupt stack (IST1) every
	// gate below is configured to switch to. Forcing the switch
	// unconditionally (rather than only on a privilege change) is what
	// keeps Frame's fixed field offsets valid whether a trap is taken
	// from user mode or from a bug inside the kernel itself; trap.go's
	// own `frame.IsUser()` checks already anticipate the latter. The
	// tradeoff: nothing here guards against a trap re-entering while
	// already running on this stack (a genuine double-fault scenario),
	// which SMP's exclusion and this kernel's single-current-thread model
	// already accept elsewhere.
	istStackSize = 2 * 4096

	// Vector numbers. Must match trap.VecDivideError/VecInvalidOpcode/
	// VecPageFault/VecTimer/VecSyscall one-for-one; trap owns the
	// authoritative constants (grounded on original_source/src/io/
	// interrupts.rs), archprim only needs the bare numbers to build gate
	// descriptors and cannot import trap without a cycle.
	vecDivideError   = 0x00
	vecInvalidOpcode = 0x06
	vecPageFault     = 0x0E
	vecTimer         = 0x20
	vecSyscall       = 0x80

	gateTypeInterrupt = 0xE // 64-bit interrupt gate: clears RFLAGS.IF on entry
	gateIST1          = 1

	// gateKernel is installed with DPL 0: only a trap taken by the CPU
	// itself may use it. gateUser carries DPL 3 so a user-mode `int
	// $0x80` (sigtramp_amd64.go's sigreturn trampoline, and any future
	// libc-style syscall stub) is permitted to raise it; every other gate
	// here would fault with #GP if user code tried to invoke it directly.
	gateKernel = 0x80 | gateTypeInterrupt // present, DPL 0
	gateUser   = 0x80 | 3<<5 | gateTypeInterrupt // present, DPL 3
)

var (
	idt      [idtEntries * idtEntrySize]byte
	gdt      [gdtEntries]uint64
	tss      [tssSize]byte
	istStack [istStackSize]byte

	// TrapHandler is the single hook every trap stub below eventually
	// reaches: nil until trap.Install sets it, the same deferred-
	// collaborator shape as trap.Panic/trap.AckTimer/signal's
	// sched.DeliveryCheck.
	TrapHandler func(*Frame)
)

func setGate(vector int, handler uintptr, selector uint16, typeAttr byte, ist byte) {
	off := vector * idtEntrySize
	binary.LittleEndian.PutUint16(idt[off:], uint16(handler))
	binary.LittleEndian.PutUint16(idt[off+2:], selector)
	idt[off+4] = ist & 0x7
	idt[off+5] = typeAttr
	binary.LittleEndian.PutUint16(idt[off+6:], uint16(handler>>16))
	binary.LittleEndian.PutUint32(idt[off+8:], uint32(handler>>32))
	binary.LittleEndian.PutUint32(idt[off+12:], 0)
}

// stubAddr recovers a real callable machine-code address from a body-less
// Go function declaration, the same reflect.ValueOf(fn).Pointer()
// technique thread.go's NewUserThread/NewForkedThread already use to find
// enterUserTrampoline's address for a manufactured return address.
func stubAddr(fn func()) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// buildGDT lays out the five flat long-mode segments the selectors in
// types_amd64.go's KernelCS/KernelSS/UserCS/UserSS constants address
// (index 1-4, matching 0x08/0x10/0x18/0x20), plus the two-slot system
// descriptor the one TSS this single-CPU kernel needs occupies (index
// 5-6, selector 0x28). The four flat-segment values are the well-known
// long-mode descriptors (L=1, flat base/limit, the base/limit fields
// themselves ignored by the CPU in 64-bit mode): 0x00af9a000000ffff
// (kernel code), 0x00af92000000ffff (kernel data), 0x00affa000000ffff
// (user code), 0x00aff2000000ffff (user data).
func buildGDT(tssBase uintptr) [gdtEntries]uint64 {
	var g [gdtEntries]uint64
	g[1] = 0x00af9a000000ffff
	g[2] = 0x00af92000000ffff
	g[3] = 0x00affa000000ffff
	g[4] = 0x00aff2000000ffff

	base := uint64(tssBase)
	limit := uint64(tssSize - 1)
	g[5] = (limit & 0xffff) |
		((base & 0xffffff) << 16) |
		(uint64(0x89) << 40) | // present | DPL 0 | type 0x9 (64-bit TSS, available)
		(((limit >> 16) & 0xf) << 48) |
		(((base >> 24) & 0xff) << 56)
	g[6] = (base >> 32) & 0xffffffff
	return g
}

// buildTSS sets only the two fields this kernel relies on: RSP0 (offset
// 4), the stack the CPU loads on any privilege-changing trap gate, and
// IST1 (offset 36), the dedicated stack every gate below is configured to
// switch to unconditionally. IST2-7 stay zero; nothing here uses them.
func buildTSS(rsp0, ist1 uintptr) [tssSize]byte {
	var t [tssSize]byte
	binary.LittleEndian.PutUint64(t[4:], uint64(rsp0))
	binary.LittleEndian.PutUint64(t[36:], uint64(ist1))
	return t
}

func packDescriptor(base uintptr, limit uint16) [10]byte {
	var d [10]byte
	binary.LittleEndian.PutUint16(d[0:], limit)
	binary.LittleEndian.PutUint64(d[2:], uint64(base))
	return d
}

// loadGDT/loadIDT load a packed gdtr/idtr pseudo-descriptor (as built by
// packDescriptor) via LGDT/LIDT; loadTSS loads the TSS selector via LTR.
// All three are privileged instructions, implemented in archprim_amd64.s.
func loadGDT(desc *byte)
func loadIDT(desc *byte)
func loadTSS(selector uintptr)

// trapStubDivideError..trapStubSyscall are the five body-less entry
// points installed into the IDT; archprim_amd64.s gives each one a
// self-contained GPR-save-into-Frame sequence ending in a call into
// dispatchTrap. Kept as separate declarations (not a single parametrized
// stub) because the IDT needs five distinct, independently addressable
// code entry points, one per vector.
func trapStubDivideError()
func trapStubInvalidOpcode()
func trapStubPageFault()
func trapStubTimer()
func trapStubSyscall()

// dispatchTrap is where a trap stub's raw assembly hands control back to
// Go, the machine-code side of spec.md section 4.E's "control enters a
// dispatcher": by the time this runs, frame is a complete, populated
// Frame sitting at the top of the (IST1) stack. It never returns in
// normal operation: TrapHandler's chain (trap.Dispatch then trap.Return)
// ends in EnterUserMode, which IRETQs away permanently. Falling through
// either branch below means something upstream already went wrong, so
// this panics rather than letting execution fall off the trap stub's
// tail, the same "call the non-returning primitive, panic if it returns"
// idiom thread.go's enterUserTrampoline already uses for EnterUserMode
// itself.
func dispatchTrap(frame *Frame) {
	if TrapHandler == nil {
		panic("archprim: trap taken with no TrapHandler installed")
	}
	TrapHandler(frame)
	panic("archprim: TrapHandler returned")
}

// InstallIDT builds the GDT, TSS and IDT this kernel uses for every
// privilege crossing and loads all three: the amd64 half of spec.md
// section 4.E's "On entry" steps 1-3 (kernel-stack switch via the TSS,
// GPR save into a TrapFrame, dispatcher entry). kstack0 is the initial
// current thread's kernel stack top, matching the RSP0 the CPU will load
// on the very first trap taken after this returns; every later context
// switch keeps RSP0 current via SetKernelStack.
//
// LGDT/LIDT/LTR are privileged instructions: this must run exactly once,
// during boot, before interrupts are ever enabled, and must never run in
// a hosted test process (a normal unprivileged userspace program
// executing them would fault), the same test-safety boundary this
// package already holds EnterUserMode's and RestoreContext's real,
// non-returning control transfers to.
func InstallIDT(kstack0 uintptr) {
	tss = buildTSS(kstack0, uintptr(unsafe.Pointer(&istStack[istStackSize-16])))
	gdt = buildGDT(uintptr(unsafe.Pointer(&tss[0])))

	setGate(vecDivideError, stubAddr(trapStubDivideError), KernelCS, gateKernel, gateIST1)
	setGate(vecInvalidOpcode, stubAddr(trapStubInvalidOpcode), KernelCS, gateKernel, gateIST1)
	setGate(vecPageFault, stubAddr(trapStubPageFault), KernelCS, gateKernel, gateIST1)
	setGate(vecTimer, stubAddr(trapStubTimer), KernelCS, gateKernel, gateIST1)
	setGate(vecSyscall, stubAddr(trapStubSyscall), KernelCS, gateUser, gateIST1)

	gdtDesc := packDescriptor(uintptr(unsafe.Pointer(&gdt[0])), uint16(gdtEntries*8-1))
	idtDesc := packDescriptor(uintptr(unsafe.Pointer(&idt[0])), uint16(idtEntries*idtEntrySize-1))

	loadGDT(&gdtDesc[0])
	// Segment registers already loaded under the old GDT are not
	// reloaded here: in 64-bit mode a code/data descriptor's base and
	// limit are architecturally ignored, so continuing to execute under
	// the old CS selector's cached descriptor is indistinguishable from
	// one freshly loaded from the new GDT as long as both carry L=1
	// (which every descriptor buildGDT writes does). The next privilege-
	// crossing event (the first trap this IDT's gates take) loads CS
	// fresh from the gate's selector field against the now-current GDT
	// regardless, so no explicit far-jump CS reload is needed.
	loadTSS(0x28) // selector of gdt[5], the TSS descriptor
	loadIDT(&idtDesc[0])
}

// SetKernelStack updates the live TSS's RSP0 field so the next privilege-
// changing trap loads sp as its kernel stack. thread.SetCurrent calls
// this as the last step of every context switch (mirroring the comment
// already on SetCurrent: "the scheduler calls this as the last step of a
// context switch, before resuming t"): the TSS describes the one kernel
// stack the hardware will switch to system-wide (SMP is excluded, so one
// TSS suffices), and it must always track whichever thread is about to
// run in user mode.
func SetKernelStack(sp uintptr) {
	binary.LittleEndian.PutUint64(tss[4:], uint64(sp))
}
