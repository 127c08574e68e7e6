// Package lifecycle is fork/exec/exit/wait/reap (spec.md section 4.F,
// everything in that section except signals, which package signal owns):
// the operations that create, replace, and tear down processes built on
// top of proc's table, vm's address-space cloning, and thread's saved
// frames.
package lifecycle

import "encoding/binary"

import "archprim"
import "defs"
import "elf"
import "proc"
import "sched"
import "thread"
import "util"
import "vm"

// userStackTop is the fixed initial user stack pointer every exec'd
// process starts with (spec.md leaves the exact address to the
// implementation; this is the same high canonical-form address thread's
// own tests already use as a stand-in user stack).
const userStackTop = uintptr(0x7ffffff000)

const userStackPages = 8
const userStackSize = userStackPages * vm.PGSIZE

/// Fork implements spec.md's fork: clone the calling thread's process
/// (address space, fd table, signal state) into a new child, copy the
/// parent's trap frame into a fresh thread with its return value zeroed,
/// and enqueue the child. It returns the child's pid, which the caller's
/// syscall return path reports to the parent; the child itself observes
/// pid 0 only through its own SavedFrame's return register, already set
/// here.
func Fork(parent *proc.Proc_t, callingThread *thread.Thread_t) (defs.Pid_t, defs.Err_t) {
	childAS, err := parent.AS.CloneCOW()
	if err != 0 {
		return 0, err
	}

	childFds, err := parent.Fds.Clone()
	if err != 0 {
		return 0, err
	}

	childFrame := callingThread.SavedFrame
	childFrame.SetReturn(0)

	// proc.Create needs a main thread up front to record the pid/tid
	// pairing, but the thread itself needs the real child pid to be
	// created with (NewForkedThread's pid argument becomes Thread_t.Pid).
	// Since the pid is only known once Create allocates it, build the
	// thread against a placeholder pid and correct it afterward, the same
	// two-step CreateInit/Create already requires its caller to do with
	// Thread_t.Pid (see thread's own tests).
	childThread, err := thread.NewForkedThread(0, childAS, childFrame)
	if err != 0 {
		childAS.Uvmfree()
		return 0, err
	}

	childProc, err := proc.Create(parent.Pid, childAS, childThread)
	if err != 0 {
		childThread.Destroy()
		childAS.Uvmfree()
		return 0, err
	}
	childThread.Pid = childProc.Pid

	childProc.Fds = childFds
	for i, h := range parent.CloneHandlers() {
		childProc.Handlers[i] = h
	}
	// invariant 6 (spec.md section 4, "Pending signals are a per-thread
	// set; after fork, the child's pending set is empty"): childThread
	// was never exposed to Kill before this point, so PendingSet is
	// already zero; BlockedMask is copied, matching "copy the signal
	// mask".
	childThread.BlockedMask = callingThread.BlockedMask

	sched.Spawn(childThread)
	return childProc.Pid, 0
}

/// Exec implements spec.md's exec: build a fresh address space from img,
/// map its loadable segments, lay out argv/envp on a new user stack, swap
/// it into p in place of the old one, reset non-ignored signal handlers,
/// drop close-on-exec descriptors, and rewrite t's trap frame to resume
/// at the new entry point. p keeps its pid and parent.
func Exec(p *proc.Proc_t, t *thread.Thread_t, img elf.Image, argv, envp []string) defs.Err_t {
	newAS, err := vm.NewAddrSpace()
	if err != 0 {
		return err
	}

	for _, seg := range img.Segments() {
		perms := vm.PTE_U
		if seg.Writable() {
			perms |= vm.PTE_W
		}
		start := int(seg.Vaddr) &^ int(vm.PGOFFSET)
		end := util.Roundup(int(seg.Vaddr)+seg.Memsz, vm.PGSIZE)
		newAS.Vmadd_anon(start, end-start, perms)
	}
	stackBottom := int(userStackTop) - userStackSize
	newAS.Vmadd_guard(stackBottom-vm.PGSIZE, vm.PGSIZE)
	newAS.Vmadd_anon(stackBottom, userStackSize, vm.PTE_U|vm.PTE_W)

	for _, seg := range img.Segments() {
		if len(seg.Data) == 0 {
			continue
		}
		if werr := newAS.K2user(seg.Data, int(seg.Vaddr)); werr != 0 {
			newAS.Uvmfree()
			return werr
		}
	}

	sp, werr := packArgvEnvp(newAS, int(userStackTop), argv, envp)
	if werr != 0 {
		newAS.Uvmfree()
		return werr
	}

	p.ResetHandlersForExec()
	p.Fds.CloseOnExec()

	oldAS := p.AS
	p.AS = newAS
	t.AS = newAS
	oldAS.Uvmfree()

	t.SavedFrame = archprim.Frame{}
	t.SavedFrame.SetPC(img.Entry())
	t.SavedFrame.SetSP(uintptr(sp))
	t.SavedFrame.SetUserMode()
	return 0
}

// packArgvEnvp writes argv and envp as NUL-terminated strings below
// stackTop, followed (moving downward) by an envp pointer array, an argv
// pointer array and argc, matching the layout a platform C runtime expects at process
// entry: [sp] = argc, [sp+8...] = argv pointers (NULL-terminated), then
// envp pointers (NULL-terminated), then the string bytes they point to.
func packArgvEnvp(as *vm.Vm_t, stackTop int, argv, envp []string) (int, defs.Err_t) {
	sp := stackTop

	writeStr := func(s string) (int, defs.Err_t) {
		b := append([]byte(s), 0)
		sp -= len(b)
		sp &^= 0x7
		if err := as.K2user(b, sp); err != 0 {
			return 0, err
		}
		return sp, 0
	}

	argvPtrs := make([]int, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		va, err := writeStr(argv[i])
		if err != 0 {
			return 0, err
		}
		argvPtrs[i] = va
	}
	envpPtrs := make([]int, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		va, err := writeStr(envp[i])
		if err != 0 {
			return 0, err
		}
		envpPtrs[i] = va
	}

	writePtrArray := func(ptrs []int) defs.Err_t {
		sp -= 8
		sp &^= 0x7
		if err := as.K2user(zero8(), sp); err != 0 {
			return err
		}
		for i := len(ptrs) - 1; i >= 0; i-- {
			sp -= 8
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(ptrs[i]))
			if err := as.K2user(b[:], sp); err != 0 {
				return err
			}
		}
		return 0
	}

	// argc plus both NULL-terminated pointer arrays take
	// len(argv)+len(envp)+3 words; pad once here so that argc, written
	// last, lands 16-byte aligned with argv[0] directly above it.
	sp &^= 0xf
	if (len(argv)+len(envp)+3)%2 != 0 {
		sp -= 8
	}

	if err := writePtrArray(envpPtrs); err != 0 {
		return 0, err
	}
	if err := writePtrArray(argvPtrs); err != 0 {
		return 0, err
	}

	sp -= 8
	sp &^= 0xf
	var argc [8]byte
	binary.LittleEndian.PutUint64(argc[:], uint64(len(argv)))
	if err := as.K2user(argc[:], sp); err != 0 {
		return 0, err
	}

	return sp, 0
}

func zero8() []byte { return make([]byte, 8) }

/// Exit implements spec.md's exit: mark p Zombie with the encoded status,
/// release its address space, close every descriptor, reparent its
/// children to init, and switch away from the calling thread forever.
/// Callers (the syscall dispatcher) must have already decided code.
func Exit(p *proc.Proc_t, code int) {
	p.MarkExited(proc.EncodeExited(code))
	p.AS.Uvmfree()
	p.Fds.CloseAll()
	proc.ReparentChildrenToInit(p.Pid)
	sched.ExitCurrent()
}

/// Waitpid implements spec.md's waitpid: block for a zombie child
/// matching target (0 means any), then reap it and return its pid and
/// encoded status. nohang makes a non-matching call return immediately
/// with the no-child-ready error instead of blocking.
func Waitpid(parent defs.Pid_t, target defs.Pid_t, nohang bool) (defs.Pid_t, int, defs.Err_t) {
	pid, status, err := proc.Wait(parent, target, nohang)
	if err != 0 {
		return 0, 0, err
	}
	if rerr := proc.Reap(parent, pid); rerr != 0 {
		return 0, 0, rerr
	}
	return pid, status, 0
}

/// Getpid implements spec.md's getpid.
func Getpid(p *proc.Proc_t) defs.Pid_t { return p.Pid }

/// Yield implements spec.md's yield: the calling thread gives up the
/// remainder of its quantum voluntarily.
func Yield() { sched.YieldNow() }
