// Package archprim declares the architecture primitives every other
// kernel package needs but cannot express in portable Go: enabling and
// disabling interrupts, halting the CPU, flushing a TLB entry, switching
// the active address space's root page table, and crossing the
// privilege boundary into and out of user mode.
//
// Every function here has no body. Each is implemented by a hand-written
// assembly routine in an architecture-specific file (archprim_amd64.s,
// archprim_arm64.s) selected by the Go build system via the file name
// suffix, the same split gopher-os uses for its kernel/cpu package. Two
// build-tagged Go files (types_amd64.go, types_arm64.go) supply the
// per-architecture frame layout and constants that the assembly routines
// agree with; this file is architecture-independent.
package archprim

/// EnableInterrupts unmasks interrupts on the current (and, per the
/// single-CPU Non-goal, only) CPU.
func EnableInterrupts()

/// DisableInterrupts masks interrupts and returns whether they were
/// enabled beforehand, so callers can restore the prior state instead of
/// unconditionally re-enabling (nested critical sections).
func DisableInterrupts() (wasEnabled bool)

/// RestoreInterrupts restores the interrupt-enable state returned by an
/// earlier DisableInterrupts.
func RestoreInterrupts(wasEnabled bool)

/// Halt stops instruction execution until the next interrupt.
func Halt()

/// FlushTLBEntry invalidates any cached translation for virtAddr.
func FlushTLBEntry(virtAddr uintptr)

/// SwitchAddressSpace loads rootPhys as the active page-table root (CR3 on
/// amd64, TTBR0_EL1 on arm64) and flushes any translations the switch
/// invalidates.
func SwitchAddressSpace(rootPhys uintptr)

/// ActiveAddressSpace returns the physical address of the currently
/// active page-table root.
func ActiveAddressSpace() uintptr

/// EnterUserMode transfers control to the user-mode instruction and stack
/// pointers carried in frame, at the privilege level frame specifies, and
/// never returns: it is the kernel->user half of the privilege-crossing
/// entry (spec.md section 4.E). On amd64 this is an IRETQ sequence; on
/// arm64 an ERET.
func EnterUserMode(frame *Frame)

/// SaveCurrentContext captures the callee-saved register set of the
/// currently running kernel context into ctx, for use by the scheduler's
/// context switch. It returns true on the save path and false when resumed
/// via RestoreContext, mirroring setjmp/longjmp.
func SaveCurrentContext(ctx *KernelContext) bool

/// RestoreContext resumes a kernel context previously captured by
/// SaveCurrentContext; it does not return to its caller.
func RestoreContext(ctx *KernelContext)

/// Rdtsc returns a monotonically increasing cycle counter (RDTSC on amd64,
/// CNTVCT_EL0 on arm64), used only by the stats package's compile-time-gated
/// timing counters.
func Rdtsc() uint64

/// FaultAddress returns the virtual address that caused the most recent
/// page fault (CR2 on amd64, FAR_EL1 on arm64). The trap dispatcher reads
/// this immediately after entry, before anything else can fault and
/// overwrite it.
func FaultAddress() uintptr
