//go:build amd64

package archprim

/// Frame is the amd64 trap/privilege-crossing frame, matching the layout
/// the assembly trap stub pushes and the IRETQ sequence expects: SS, RSP,
/// RFLAGS, CS, RIP from high address to low, general-purpose registers
/// below them. RPL bits of CS/SS select the target privilege level.
type Frame struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	Rbp, Rdi, Rsi, Rdx, Rcx, Rbx, Rax    uint64
	Trapno, Errorno                      uint64
	Rip, Cs, Rflags, Rsp, Ss             uint64
}

const (
	// KernelCS/KernelSS/UserCS/UserSS are segment selectors with RPL
	// encoded in their low two bits (0 for kernel, 3 for user).
	KernelCS = 0x8
	KernelSS = 0x10
	UserCS   = 0x18 | 3
	UserSS   = 0x20 | 3

	RflagsIF = 1 << 9 // interrupt-enable flag
)

/// KernelContext is the callee-saved register set a kernel-to-kernel
/// context switch must preserve on amd64 (System V AMD64 ABI callee-saved
/// registers plus the stack/instruction pointer to resume at).
type KernelContext struct {
	Rsp, Rbp                uint64
	Rbx, R12, R13, R14, R15 uint64
	Rip                     uint64
}

/// PC returns the frame's saved instruction pointer.
func (f *Frame) PC() uintptr { return uintptr(f.Rip) }

/// SetPC rewrites the frame's instruction pointer (used to enter a signal
/// handler or the ELF entry point after exec).
func (f *Frame) SetPC(v uintptr) { f.Rip = uint64(v) }

/// SP returns the frame's saved (user) stack pointer.
func (f *Frame) SP() uintptr { return uintptr(f.Rsp) }

/// SetSP rewrites the frame's stack pointer.
func (f *Frame) SetSP(v uintptr) { f.Rsp = uint64(v) }

/// SyscallNumber returns the architected syscall-number register (RAX).
func (f *Frame) SyscallNumber() uint64 { return f.Rax }

/// SyscallArgs returns the up-to-six syscall argument registers in the
/// architecture's ABI order (RDI, RSI, RDX, R10, R8, R9).
func (f *Frame) SyscallArgs() [6]uint64 {
	return [6]uint64{f.Rdi, f.Rsi, f.Rdx, f.R10, f.R8, f.R9}
}

/// SetReturn writes v into the register the syscall ABI returns a value
/// in (RAX).
func (f *Frame) SetReturn(v uint64) { f.Rax = v }

/// Vector returns the trap/interrupt vector number the CPU pushed this
/// frame for.
func (f *Frame) Vector() uint64 { return f.Trapno }

/// FaultCode returns the hardware error code pushed alongside vectors
/// that carry one (page fault and a handful of other exceptions); zero
/// for vectors that push none.
func (f *Frame) FaultCode() uint64 { return f.Errorno }

/// SetArg0 overwrites the first argument register; used to pass the
/// signal number to a handler entered via the trampoline.
func (f *Frame) SetArg0(v uint64) { f.Rdi = v }

/// IsUser reports whether the frame was taken from user mode (CS RPL 3).
func (f *Frame) IsUser() bool { return f.Cs&3 == 3 }

/// SetUserMode configures CS/SS/RFLAGS for a return to user privilege.
func (f *Frame) SetUserMode() {
	f.Cs = UserCS
	f.Ss = UserSS
	f.Rflags |= RflagsIF
}

/// SetKernelMode configures CS/SS for a kernel-privilege thread.
func (f *Frame) SetKernelMode() {
	f.Cs = KernelCS
	f.Ss = KernelSS
}

/// SetEntry points a fresh kernel context at fn, to run on the stack
/// pointed to by sp once RestoreContext switches to it.
func (c *KernelContext) SetEntry(fn, sp uintptr) {
	c.Rip = uint64(fn)
	c.Rsp = uint64(sp)
}

/// PC returns the context's saved resume address.
func (c *KernelContext) PC() uintptr { return uintptr(c.Rip) }

/// SP returns the context's saved stack pointer.
func (c *KernelContext) SP() uintptr { return uintptr(c.Rsp) }
