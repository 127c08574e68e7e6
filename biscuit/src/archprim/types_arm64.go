//go:build arm64

package archprim

/// Frame is the arm64 exception frame, matching the register save order
/// boot.S's sync_exception_handler uses: X0-X30, ELR_EL1 (return address),
/// SPSR_EL1 (saved processor state). The user stack pointer, banked in
/// SP_EL0, is carried in the SpEl0 field, which SP/SetSP and EnterUserMode
/// read and write.
type Frame struct {
	X [31]uint64
	Elr  uint64
	Spsr uint64
	SpEl0 uint64
}

const (
	// SPSR_EL1 mode field: EL0t means "returning to EL0 using SP_EL0".
	SpsrModeEL0t = 0x0
	SpsrModeEL1h = 0x5

	SpsrIRQMask = 1 << 7
)

/// KernelContext is the callee-saved register set a kernel-to-kernel
/// context switch must preserve on arm64 (AAPCS64 callee-saved x19-x30,
/// SP).
type KernelContext struct {
	X19, X20, X21, X22, X23, X24, X25, X26, X27, X28 uint64
	Fp, Lr, Sp                                       uint64
}

/// PC returns the frame's saved exception link register.
func (f *Frame) PC() uintptr { return uintptr(f.Elr) }

/// SetPC rewrites ELR_EL1 (used to enter a signal handler or the ELF
/// entry point after exec).
func (f *Frame) SetPC(v uintptr) { f.Elr = uint64(v) }

/// SP returns the frame's saved user stack pointer (SP_EL0).
func (f *Frame) SP() uintptr { return uintptr(f.SpEl0) }

/// SetSP rewrites SP_EL0.
func (f *Frame) SetSP(v uintptr) { f.SpEl0 = uint64(v) }

/// SyscallNumber returns the architected syscall-number register (X8).
func (f *Frame) SyscallNumber() uint64 { return f.X[8] }

/// SyscallArgs returns the up-to-six syscall argument registers in the
/// architecture's ABI order (X0-X5).
func (f *Frame) SyscallArgs() [6]uint64 {
	return [6]uint64{f.X[0], f.X[1], f.X[2], f.X[3], f.X[4], f.X[5]}
}

/// SetReturn writes v into the register the syscall ABI returns a value
/// in (X0).
func (f *Frame) SetReturn(v uint64) { f.X[0] = v }

/// Vector and FaultCode have no arm64 implementation yet: the vector
/// table boot.S installs does not currently tag which entry point was
/// taken into the frame itself (unlike amd64, where the CPU pushes the
/// vector and error code for us), so trap.Dispatch cannot yet distinguish
/// exception classes on this architecture. Both return zero.
func (f *Frame) Vector() uint64    { return 0 }
func (f *Frame) FaultCode() uint64 { return 0 }

/// SetArg0 overwrites the first argument register; used to pass the
/// signal number to a handler entered via the trampoline.
func (f *Frame) SetArg0(v uint64) { f.X[0] = v }

/// IsUser reports whether the frame was taken from user mode (EL0t).
func (f *Frame) IsUser() bool { return f.Spsr&0xf == SpsrModeEL0t }

/// SetUserMode configures SPSR for a return to EL0.
func (f *Frame) SetUserMode() {
	f.Spsr = SpsrModeEL0t
}

/// SetKernelMode configures SPSR for a kernel-privilege thread.
func (f *Frame) SetKernelMode() {
	f.Spsr = SpsrModeEL1h
}

/// SetEntry points a fresh kernel context at fn, to run on the stack
/// pointed to by sp once RestoreContext switches to it.
func (c *KernelContext) SetEntry(fn, sp uintptr) {
	c.Lr = uint64(fn)
	c.Sp = uint64(sp)
}

/// PC returns the context's saved resume address.
func (c *KernelContext) PC() uintptr { return uintptr(c.Lr) }

/// SP returns the context's saved stack pointer.
func (c *KernelContext) SP() uintptr { return uintptr(c.Sp) }

// kernelSP is the kernel stack top EnterUserMode loads into SP_EL1 (the
// banked register the CPU automatically switches to on the next EL0->EL1
// exception) immediately before its ERET. SetKernelStack only ever
// touches this plain Go variable, never SP_EL1 itself: writing a system
// register is a privileged operation, and doing it here instead of inside
// EnterUserMode would make an ordinary context switch (which hosted tests
// exercise constantly, via thread.SetCurrent) execute on real hardware
// just as readily as a hosted hardware model. Deferring the actual MSR to
// EnterUserMode keeps the privileged instruction confined to the one
// function this package already documents as a real, non-returning
// control transfer no test may call directly.
var kernelSP uintptr

/// SetKernelStack records sp as the kernel stack EnterUserMode will load
/// into SP_EL1 the next time it runs. thread.SetCurrent calls this as the
/// last step of every context switch.
func SetKernelStack(sp uintptr) { kernelSP = sp }
