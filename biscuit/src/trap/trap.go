// Package trap is the privilege-crossing entry point (spec.md section
// 4.E): every trap, fault and interrupt that lands the CPU in kernel mode
// arrives here with a fully-saved archprim.Frame, and every transition
// back to user mode leaves through Return. Dispatch never has to guess
// what kind of event brought it here; the vector number archprim's trap
// stub records, read back through frame.Vector(), says so.
package trap

import "archprim"
import "defs"
import "sched"
import "signal"
import "syscalls"
import "thread"

// Vector numbers, matching the IDT layout the boot assembly installs:
// CPU exceptions occupy 0x00-0x0F, the timer is remapped to 0x20, and the
// syscall gate is the software interrupt at 0x80.
const (
	VecDivideError   = 0x00
	VecInvalidOpcode = 0x06
	VecPageFault     = 0x0E
	VecTimer         = 0x20
	VecSyscall       = 0x80
)

func isException(vector uint64) bool { return vector < 0x10 }

/// Panic reports a fault the kernel cannot recover from (a fault taken in
/// kernel mode, or an exception vector with no well-defined user-mode
/// signal). frame is the faulting frame itself, so a diagnostics collector
/// can read the PC, vector and error code off it. Left nil, Panic falls
/// back to Go's builtin panic; boot wiring may replace it with kpanic.Handle.
var Panic func(frame *archprim.Frame, msg string)

/// AckTimer, if set, tells the interrupt controller the timer interrupt
/// has been serviced. Left nil it is a no-op, which is fine for tests that
/// never arm a real timer.
var AckTimer func()

/// ExternalInterrupt handles any vector this package does not otherwise
/// recognize (device interrupts above the timer). Left nil, the interrupt
/// is silently dropped.
var ExternalInterrupt func(vector uint64)

func fatal(frame *archprim.Frame, msg string) {
	if frame.IsUser() {
		return
	}
	if Panic != nil {
		Panic(frame, msg)
		return
	}
	panic(msg)
}

/// Dispatch routes a trapped frame to its handler by vector number. t is
/// the thread the frame belongs to (thread.Current() at entry); frame is
/// that thread's SavedFrame, already populated by the trap stub.
func Dispatch(t *thread.Thread_t, frame *archprim.Frame) {
	vector := frame.Vector()
	switch vector {
	case VecPageFault:
		handlePageFault(t, frame, archprim.FaultAddress())
	case VecTimer:
		sched.OnTimerTick()
		if AckTimer != nil {
			AckTimer()
		}
	case VecSyscall:
		syscalls.Dispatch(t, frame)
	default:
		if isException(vector) {
			handleException(t, frame)
			return
		}
		if ExternalInterrupt != nil {
			ExternalInterrupt(vector)
		}
	}
}

// handlePageFault resolves a page fault through the faulting thread's
// address space, terminating the process with SIGSEGV when the fault
// cannot be satisfied (bad address, permission violation, OOM). The x86_64
// page-fault error code's low three bits (present/write/user) are exactly
// mem's PTE_P/PTE_W/PTE_U, so frame.FaultCode() needs no translation
// before reaching Vm_t.Pgfault. fa is read by Dispatch via
// archprim.FaultAddress before anything else can fault and overwrite it;
// taking it as a parameter here keeps the resolution logic itself free of
// direct assembly calls.
func handlePageFault(t *thread.Thread_t, frame *archprim.Frame, fa uintptr) {
	if t.AS == nil {
		fatal(frame, "page fault with no address space")
		return
	}
	if err := t.AS.Pgfault(t.Tid, fa, uintptr(frame.FaultCode())); err != 0 {
		if !frame.IsUser() {
			fatal(frame, "unhandled page fault in kernel mode")
			return
		}
		signal.Kill(t.Pid, defs.SIGSEGV)
	}
}

// handleException maps a non-page-fault CPU exception to the signal a
// user-mode process receives for it. Everything other than invalid-opcode
// is treated as SIGSEGV: spec.md's Non-goals exclude floating point and
// the other exception classes a real kernel would distinguish further.
func handleException(t *thread.Thread_t, frame *archprim.Frame) {
	if !frame.IsUser() {
		fatal(frame, "unhandled exception in kernel mode")
		return
	}
	sig := defs.SIGSEGV
	if frame.Vector() == VecInvalidOpcode {
		sig = defs.SIGILL
	}
	signal.Kill(t.Pid, sig)
}

/// Install builds and loads this kernel's IDT/GDT/TSS (archprim.InstallIDT)
/// and wires archprim.TrapHandler so every real trap the CPU takes reaches
/// Dispatch and then Return, the same deferred-collaborator wiring
/// signal.Init uses for sched.DeliveryCheck. The boot sequence must call
/// this exactly once, after thread.Init, before interrupts are ever
/// enabled, passing the kernel stack top of the thread that will be
/// current at that moment. Like archprim.InstallIDT itself, this must
/// never run in a hosted test process: LGDT/LIDT/LTR are privileged
/// instructions.
func Install(kstack0 uintptr) {
	archprim.TrapHandler = func(frame *archprim.Frame) {
		t := thread.Current()
		t.SavedFrame = *frame
		Dispatch(t, &t.SavedFrame)
		Return(t)
	}
	archprim.InstallIDT(kstack0)
}

/// Return is the kernel->user half of the privilege-crossing boundary: it
/// runs spec.md's signal-delivery check against the calling thread (even
/// one that is simply resuming itself, not switching from another thread,
/// since sched.Switch's own DeliveryCheck only fires on an actual thread
/// change) and then either retires a thread a default signal action killed
/// or resumes it in user mode.
func Return(t *thread.Thread_t) {
	signal.CheckPending(t)
	if t.Dead {
		sched.ExitCurrent()
		panic("exited thread returned from ExitCurrent")
	}
	archprim.EnterUserMode(&t.SavedFrame)
}
