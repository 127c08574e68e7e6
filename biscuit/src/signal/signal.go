// Package signal is POSIX-style signal delivery (spec.md section 4.F,
// "signals"): kill/sigaction/sigprocmask/sigpending, the delivery
// algorithm run at every kernel-to-user transition, and the
// trampoline/sigreturn round trip a handler returns through. The
// per-process handler table lives in proc.Proc_t and the per-thread
// mask/pending set live in thread.Thread_t; this package only owns their
// semantics.
package signal

import "encoding/binary"
import "unsafe"

import "archprim"
import "defs"
import "mem"
import "proc"
import "sched"
import "thread"
import "vm"

// trampolineSlot is a PML4 slot dedicated to the signal trampoline page,
// distinct from thread's kernel-stack slot but in the same kernel-half
// range every address space links in wholesale (spec.md: "a small page of
// kernel-provided code mapped read-executable into every user address
// space").
const trampolineSlot = mem.VUSER - 2

// TrampolineVA is the fixed, documented user virtual address of the
// signal trampoline page (spec.md section 6, "Signal trampoline page").
const TrampolineVA = uintptr(trampolineSlot) << 39

var trampolinePhys mem.Pa_t

/// Init maps the signal trampoline page and wires delivery into the
/// scheduler's context switch. The boot sequence must call this once,
/// after vm.InitKernelPmap and before the first vm.NewAddrSpace, the same
/// ordering constraint thread.Init has for the kernel-stack slot.
func Init() defs.Err_t {
	if err := vm.ReserveUserSharedSlot(trampolineSlot); err != 0 {
		return err
	}
	_, p_pg, ok := mem.Physmem.Refpg_new()
	if !ok {
		return -defs.ENOMEM
	}
	code := archprim.SigreturnTrampolineCode(uint64(defs.SYS_SIGRETURN))
	bpg := mem.Pg2bytes(mem.Physmem.Dmap(p_pg))
	copy(bpg[:], code)
	if err := vm.MapUserShared(int(TrampolineVA), p_pg, vm.PTE_U); err != 0 {
		mem.Physmem.Refdown(p_pg)
		return err
	}
	trampolinePhys = p_pg
	sched.DeliveryCheck = CheckPending
	return 0
}

const sigreturnMagic = 0x5347524554524e21 // "SGRETRN!" ascii-ish tag

// sigreturnFrame is the opaque layout spec.md's delivery algorithm pushes
// onto the user stack: the full saved register context plus the mask to
// restore, tagged so sigreturn can refuse anything that was not produced
// by this kernel's own delivery step.
type sigreturnFrame struct {
	Magic uint64
	Mask  uint64
	Saved archprim.Frame
}

func frameBytes(f *sigreturnFrame) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(f)), unsafe.Sizeof(*f))
}

/// Kill sets sig pending on the target process's main thread and wakes it
/// if blocked (spec.md's kill). Sending signal 0 is a liveness check that
/// delivers nothing.
func Kill(pid defs.Pid_t, sig defs.Signum) defs.Err_t {
	p, ok := proc.Lookup(pid)
	if !ok {
		return -defs.ESRCH
	}
	if sig == 0 {
		return 0
	}
	if sig < 1 || sig >= defs.NSIG {
		return -defs.EINVAL
	}

	p.Lock()
	mainTid := p.MainTid
	target := p.Threads[mainTid]
	p.Unlock()
	if target == nil {
		return -defs.ESRCH
	}

	target.Lock()
	target.PendingSet |= defs.SigMask(sig)
	target.Unlock()

	sched.Wake(target)
	return 0
}

/// Sigaction installs newAct as p's disposition for sig and returns the
/// previous one (spec.md's sigaction); rejects attempts to change the
/// uncatchable signals.
func Sigaction(p *proc.Proc_t, sig defs.Signum, newAct proc.HandlerEntry) (proc.HandlerEntry, defs.Err_t) {
	if sig < 1 || sig >= defs.NSIG {
		return proc.HandlerEntry{}, -defs.EINVAL
	}
	if defs.SigMask(sig)&defs.UncatchableSignals != 0 {
		return proc.HandlerEntry{}, -defs.EINVAL
	}
	old := p.Handler(sig)
	p.SetHandler(sig, newAct)
	return old, 0
}

/// Sigprocmask applies how to t's blocked mask using set, returning the
/// mask before the change (spec.md's sigprocmask). Bits naming
/// uncatchable signals are silently dropped from set first.
func Sigprocmask(t *thread.Thread_t, how int, set uint64) (old uint64, err defs.Err_t) {
	set &^= defs.UncatchableSignals
	t.Lock()
	old = t.BlockedMask
	switch how {
	case defs.SIG_BLOCK:
		t.BlockedMask |= set
	case defs.SIG_UNBLOCK:
		t.BlockedMask &^= set
	case defs.SIG_SETMASK:
		t.BlockedMask = set
	default:
		t.Unlock()
		return 0, -defs.EINVAL
	}
	t.Unlock()
	return old, 0
}

/// Sigpending returns the signals pending on t that are currently blocked
/// (pending & blocked, spec.md's sigpending).
func Sigpending(t *thread.Thread_t) uint64 {
	t.Lock()
	defer t.Unlock()
	return t.PendingSet & t.BlockedMask
}

/// CheckPending runs spec.md's delivery algorithm on t, called by
/// sched.Switch on every transition back to user mode. A kernel-only
/// thread (t.AS == nil) or one with no process record has nothing to
/// deliver to.
func CheckPending(t *thread.Thread_t) {
	if t.Priv != thread.User || t.AS == nil {
		return
	}
	p, ok := proc.Lookup(t.Pid)
	if !ok {
		return
	}

	for {
		t.Lock()
		deliverable := t.PendingSet &^ t.BlockedMask
		if deliverable == 0 {
			t.Unlock()
			return
		}
		sig := lowestSet(deliverable)
		t.PendingSet &^= defs.SigMask(sig)
		t.Unlock()

		h := p.Handler(sig)
		switch h.Entry {
		case defs.SIG_IGN:
			continue
		case defs.SIG_DFL:
			if applyDefault(t, p, sig) {
				return
			}
			continue
		default:
			deliverToHandler(t, h, sig)
			return
		}
	}
}

func lowestSet(mask uint64) defs.Signum {
	for s := defs.Signum(1); s < defs.NSIG; s++ {
		if mask&defs.SigMask(s) != 0 {
			return s
		}
	}
	panic("lowestSet called with empty mask")
}

// applyDefault runs sig's default action. It returns true if delivery for
// this thread is done (the process was terminated or stopped and there is
// nothing left to rewrite in the trap frame), false if the loop should
// keep looking (DispCont and DispIgn fall through to more signals).
func applyDefault(t *thread.Thread_t, p *proc.Proc_t, sig defs.Signum) bool {
	switch defs.DefaultDisposition(sig) {
	case defs.DispIgn:
		return false
	case defs.DispStop, defs.DispCont:
		// Job control beyond what spec.md's ten-syscall surface and
		// waitpid (no WUNTRACED) can observe is out of scope; treat
		// both as no-ops rather than half-implementing stop/continue
		// semantics nothing can query.
		return false
	default: // DispTerm, DispTermCore
		p.MarkExited(proc.EncodeSignaled(sig))
		proc.ReparentChildrenToInit(p.Pid)
		t.Dead = true
		return true
	}
}

func deliverToHandler(t *thread.Thread_t, h proc.HandlerEntry, sig defs.Signum) {
	stackTop := chooseStack(t, h)

	frame := sigreturnFrame{
		Magic: sigreturnMagic,
		Mask:  t.BlockedMask,
		Saved: t.SavedFrame,
	}
	fsz := uintptr(unsafe.Sizeof(frame))
	frameAddr := alignDown(stackTop-fsz, 16)
	retAddrLoc := frameAddr - 8

	ub := t.AS.Mkuserbuf(int(frameAddr), int(fsz))
	if _, err := ub.Uiowrite(frameBytes(&frame)); err != 0 {
		// Cannot write the signal frame to user memory (bad alternate
		// stack, exhausted address space): spec.md has no bespoke error
		// for this; terminate the process the same way an unhandled
		// SIGSEGV would, since userspace cannot be resumed safely.
		if p, ok := proc.Lookup(t.Pid); ok {
			applyDefault(t, p, defs.SIGSEGV)
		}
		return
	}

	var retbuf [8]byte
	binary.LittleEndian.PutUint64(retbuf[:], uint64(TrampolineVA))
	retub := t.AS.Mkuserbuf(int(retAddrLoc), 8)
	retub.Uiowrite(retbuf[:])

	t.SavedFrame.SetPC(h.Entry)
	t.SavedFrame.SetSP(retAddrLoc)
	t.SavedFrame.SetArg0(uint64(sig))

	addMask := h.Mask | defs.SigMask(sig)
	if h.Flags&defs.SA_NODEFER != 0 {
		addMask = h.Mask
	}
	t.Lock()
	t.BlockedMask |= addMask
	t.Unlock()
}

func chooseStack(t *thread.Thread_t, h proc.HandlerEntry) uintptr {
	if h.Flags&defs.SA_ONSTACK != 0 && t.AltStackEnabled {
		return t.AltStackVA + t.AltStackLen
	}
	return t.SavedFrame.SP()
}

func alignDown(v uintptr, align uintptr) uintptr {
	return v &^ (align - 1)
}

/// Sigreturn restores t's trap frame and mask from the sigreturn frame at
/// the top of its current user stack (spec.md's sigreturn): the one and
/// only legitimate entry point is the trampoline a handler returns
/// through.
func Sigreturn(t *thread.Thread_t) defs.Err_t {
	sp := t.SavedFrame.SP()
	var frame sigreturnFrame
	fsz := uintptr(unsafe.Sizeof(frame))

	ub := t.AS.Mkuserbuf(int(sp), int(fsz))
	buf := make([]byte, fsz)
	if _, err := ub.Uioread(buf); err != 0 {
		return -defs.EFAULT
	}
	copy(frameBytes(&frame), buf)
	if frame.Magic != sigreturnMagic {
		return -defs.EINVAL
	}

	t.SavedFrame = frame.Saved
	t.Lock()
	t.BlockedMask = frame.Mask
	t.Unlock()
	return 0
}
