// Package syscalls is the number-to-handler dispatch table spec.md section
// 4.E names as the "System call" entry of the trap dispatcher: decode the
// syscall number and up to six argument registers from the current
// thread's trap frame, marshal any user-pointer arguments, call into
// lifecycle/signal/proc/sched, and write the result back into the
// architected return register. trap calls Dispatch once
// it has identified a trap as a system call; this package owns none of
// the save/restore machinery itself.
package syscalls

import "archprim"
import "defs"
import "elf"
import "lifecycle"
import "proc"
import "signal"
import "thread"

// maxPathLen/maxArgLen/maxArgc bound how much a single execve call will
// copy in from user memory, the same role xv6-lineage kernels give
// MAXPATH/MAXARG: without a cap, a malicious argv pointer chain could make
// the kernel copy unbounded amounts of user-controlled data.
const (
	maxPathLen = 128
	maxArgLen  = 4096
	maxArgc    = 64
)

/// Dispatch decodes and executes one system call on behalf of t, whose
/// frame holds the syscall number (an architected register) and up to six
/// argument registers in the architecture's ABI order (spec.md section
/// 4.E). The frame's return register is rewritten with the result; a
/// negative value in the errno range is an error, zero or positive is
/// success, exactly as the external interface table documents.
func Dispatch(t *thread.Thread_t, frame *archprim.Frame) {
	args := frame.SyscallArgs()
	ret := dispatch(t, defs.Sysno(frame.SyscallNumber()), args)
	frame.SetReturn(uint64(ret))
}

func dispatch(t *thread.Thread_t, no defs.Sysno, a [6]uint64) int64 {
	p, ok := proc.Lookup(t.Pid)
	if !ok {
		return int64(-defs.ESRCH)
	}

	switch no {
	case defs.SYS_EXIT:
		lifecycle.Exit(p, int(int32(a[0])))
		panic("lifecycle.Exit returned")

	case defs.SYS_FORK:
		pid, err := lifecycle.Fork(p, t)
		if err != 0 {
			return int64(err)
		}
		return int64(pid)

	case defs.SYS_EXECVE:
		return int64(sysExecve(p, t, a))

	case defs.SYS_WAITPID:
		return int64(sysWaitpid(p, a))

	case defs.SYS_GETPID:
		return int64(lifecycle.Getpid(p))

	case defs.SYS_YIELD:
		lifecycle.Yield()
		return 0

	case defs.SYS_SIGACTION:
		return int64(sysSigaction(p, t, a))

	case defs.SYS_SIGPROCMASK:
		return int64(sysSigprocmask(t, a))

	case defs.SYS_SIGPENDING:
		return int64(sysSigpending(t, a))

	case defs.SYS_KILL:
		return int64(signal.Kill(defs.Pid_t(int32(a[0])), defs.Signum(a[1])))

	case defs.SYS_SIGRETURN:
		return int64(signal.Sigreturn(t))

	default:
		return int64(-defs.ENOSYS)
	}
}

/// ResolveImage resolves a path to an in-memory ELF image (spec.md's
/// exec: "the collaborator file-system/ELF loader resolves the path and
/// yields an in-memory ELF image"). execve has no path-resolution or ELF
/// parsing logic of its own; the boot sequence wires this once a
/// concrete collaborator exists, the same deferred-wiring shape
/// sched.DeliveryCheck uses for signal.CheckPending.
var ResolveImage func(path string) (elf.Image, defs.Err_t)

func resolveImage(path string) (elf.Image, defs.Err_t) {
	if ResolveImage == nil {
		return nil, -defs.ENOSYS
	}
	return ResolveImage(path)
}

func sysExecve(p *proc.Proc_t, t *thread.Thread_t, a [6]uint64) defs.Err_t {
	path, err := t.AS.Userstr(int(a[0]), maxPathLen)
	if err != 0 {
		return err
	}

	argv, err := readStrVec(t, int(a[1]))
	if err != 0 {
		return err
	}
	envp, err := readStrVec(t, int(a[2]))
	if err != 0 {
		return err
	}

	img, err := resolveImage(path.String())
	if err != 0 {
		return err
	}
	return lifecycle.Exec(p, t, img, argv, envp)
}

// readStrVec walks a NULL-terminated array of user string pointers
// starting at uva, copying each string in. A zero uva (no argv/envp
// supplied) yields an empty vector rather than an error.
func readStrVec(t *thread.Thread_t, uva int) ([]string, defs.Err_t) {
	if uva == 0 {
		return nil, 0
	}
	var out []string
	for i := 0; i < maxArgc; i++ {
		ptrVa, err := t.AS.Userreadn(uva+i*8, 8)
		if err != 0 {
			return nil, err
		}
		if ptrVa == 0 {
			return out, 0
		}
		s, err := t.AS.Userstr(ptrVa, maxArgLen)
		if err != 0 {
			return nil, err
		}
		out = append(out, s.String())
	}
	return nil, -defs.EINVAL
}

func sysWaitpid(p *proc.Proc_t, a [6]uint64) defs.Err_t {
	target := defs.Pid_t(int32(a[0]))
	statusVa := int(a[1])
	nohang := a[2] != 0

	pid, status, err := lifecycle.Waitpid(p.Pid, target, nohang)
	if err != 0 {
		return err
	}
	if statusVa != 0 {
		if werr := p.AS.Userwriten(statusVa, 8, status); werr != 0 {
			return werr
		}
	}
	return defs.Err_t(pid)
}

// handlerWireSize is the number of bytes sigaction's new/old pointers
// carry: the entry address, the mask, and the flags word, each a
// native-width field of proc.HandlerEntry.
const handlerWireSize = 24

func readHandlerEntry(p *proc.Proc_t, uva int) (proc.HandlerEntry, defs.Err_t) {
	entry, err := p.AS.Userreadn(uva, 8)
	if err != 0 {
		return proc.HandlerEntry{}, err
	}
	mask, err := p.AS.Userreadn(uva+8, 8)
	if err != 0 {
		return proc.HandlerEntry{}, err
	}
	flags, err := p.AS.Userreadn(uva+16, 8)
	if err != 0 {
		return proc.HandlerEntry{}, err
	}
	return proc.HandlerEntry{Entry: uintptr(entry), Mask: uint64(mask), Flags: flags}, 0
}

func writeHandlerEntry(p *proc.Proc_t, uva int, h proc.HandlerEntry) defs.Err_t {
	if err := p.AS.Userwriten(uva, 8, int(h.Entry)); err != 0 {
		return err
	}
	if err := p.AS.Userwriten(uva+8, 8, int(h.Mask)); err != 0 {
		return err
	}
	return p.AS.Userwriten(uva+16, 8, h.Flags)
}

func sysSigaction(p *proc.Proc_t, t *thread.Thread_t, a [6]uint64) defs.Err_t {
	sig := defs.Signum(a[0])
	newVa := int(a[1])
	oldVa := int(a[2])

	var newAct proc.HandlerEntry
	if newVa != 0 {
		var err defs.Err_t
		newAct, err = readHandlerEntry(p, newVa)
		if err != 0 {
			return err
		}
	} else {
		newAct = p.Handler(sig)
	}

	old, err := signal.Sigaction(p, sig, newAct)
	if err != 0 {
		return err
	}
	if oldVa != 0 {
		return writeHandlerEntry(p, oldVa, old)
	}
	return 0
}

func sysSigprocmask(t *thread.Thread_t, a [6]uint64) defs.Err_t {
	how := int(a[0])
	setVa := int(a[1])
	oldVa := int(a[2])

	var set uint64
	if setVa != 0 {
		v, err := t.AS.Userreadn(setVa, 8)
		if err != 0 {
			return err
		}
		set = uint64(v)
	}

	old, err := signal.Sigprocmask(t, how, set)
	if err != 0 {
		return err
	}
	if oldVa != 0 {
		return t.AS.Userwriten(oldVa, 8, int(old))
	}
	return 0
}

func sysSigpending(t *thread.Thread_t, a [6]uint64) defs.Err_t {
	outVa := int(a[0])
	pending := signal.Sigpending(t)
	if outVa != 0 {
		return t.AS.Userwriten(outVa, 8, int(pending))
	}
	return 0
}
