// Package proc is the process table (spec.md section 4.C): the mapping
// from pid to the process's address space, thread set, per-signal handler
// table and resource accounting, plus the parent/child bookkeeping exit
// and wait need. The actual fork/exec/exit/wait algorithms live in
// lifecycle; this package only holds the table and the primitives those
// algorithms are built from.
package proc

import "sync"
import "sync/atomic"

import "accnt"
import "defs"
import "fd"
import "hashtable"
import "limits"
import "thread"
import "vm"

/// InitPid is the reserved pid of the first process. It has no parent and
/// every orphaned process is reparented to it.
const InitPid defs.Pid_t = 1

/// Status is a process's lifecycle state.
type Status int

const (
	Running Status = iota
	Zombie
)

/// HandlerEntry is one process's disposition for one signal (spec.md
/// section 4.F). Entry is defs.SIG_DFL, defs.SIG_IGN, or a user-mode
/// handler address; Mask and Flags mirror the sigaction() arguments that
/// installed it.
type HandlerEntry struct {
	Entry uintptr
	Mask  uint64
	Flags int
}

/// Proc_t is one entry in the process table.
type Proc_t struct {
	sync.Mutex

	Pid  defs.Pid_t
	Ppid defs.Pid_t

	AS *vm.Vm_t

	// Fds is the process's open file-descriptor table (spec.md section
	// 4.F, "clone the file-descriptor table"). newProc gives every
	// process a fresh, empty one; fork replaces it with a clone of the
	// parent's via lifecycle.Fork.
	Fds *fd.Fdtable_t

	MainTid defs.Tid_t
	Threads map[defs.Tid_t]*thread.Thread_t

	Acct accnt.Accnt_t

	Handlers [defs.NSIG]HandlerEntry

	status     Status
	exitStatus int

	children map[defs.Pid_t]struct{}
	cond     *sync.Cond
}

var (
	mu      sync.Mutex
	table   = hashtable.MkHash(procTableSize())
	nextPid int32 = int32(InitPid)
)

func procTableSize() int {
	n := limits.Syslimit.Sysprocs
	if n <= 0 {
		n = 1024
	}
	return n
}

func allocPid() defs.Pid_t {
	return defs.Pid_t(atomic.AddInt32(&nextPid, 1))
}

func newProc(pid, ppid defs.Pid_t, as *vm.Vm_t) *Proc_t {
	p := &Proc_t{
		Pid:      pid,
		Ppid:     ppid,
		AS:       as,
		Fds:      fd.MkFdtable(),
		Threads:  map[defs.Tid_t]*thread.Thread_t{},
		children: map[defs.Pid_t]struct{}{},
	}
	for i := range p.Handlers {
		p.Handlers[i] = HandlerEntry{Entry: defs.SIG_DFL}
	}
	p.cond = sync.NewCond(&p.Mutex)
	return p
}

/// CreateInit installs the pid-1 process. It must be called exactly once,
/// before any call to Create.
func CreateInit(as *vm.Vm_t, main *thread.Thread_t) (*Proc_t, defs.Err_t) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := table.Get(int32(InitPid)); ok {
		panic("init already created")
	}
	p := newProc(InitPid, 0, as)
	p.MainTid = main.Tid
	p.Threads[main.Tid] = main
	table.Set(int32(InitPid), p)
	return p, 0
}

/// Create allocates a fresh pid as a child of parent (spec.md's fork
/// step "allocate a new pid and process record").
func Create(parent defs.Pid_t, as *vm.Vm_t, main *thread.Thread_t) (*Proc_t, defs.Err_t) {
	mu.Lock()
	pp, ok := table.Get(int32(parent))
	if !ok {
		mu.Unlock()
		return nil, -defs.ESRCH
	}
	if table.Size() >= limits.Syslimit.Sysprocs {
		mu.Unlock()
		return nil, -defs.ENOMEM
	}
	pid := allocPid()
	child := newProc(pid, parent, as)
	child.MainTid = main.Tid
	child.Threads[main.Tid] = main
	table.Set(int32(pid), child)
	mu.Unlock()

	parentProc := pp.(*Proc_t)
	parentProc.Lock()
	parentProc.children[pid] = struct{}{}
	parentProc.Unlock()

	return child, 0
}

/// Lookup finds a process by pid.
func Lookup(pid defs.Pid_t) (*Proc_t, bool) {
	v, ok := table.Get(int32(pid))
	if !ok {
		return nil, false
	}
	return v.(*Proc_t), true
}

/// AddThread records a newly created thread as belonging to p.
func (p *Proc_t) AddThread(t *thread.Thread_t) {
	p.Lock()
	defer p.Unlock()
	p.Threads[t.Tid] = t
}

/// RemoveThread forgets a thread that has exited.
func (p *Proc_t) RemoveThread(tid defs.Tid_t) {
	p.Lock()
	defer p.Unlock()
	delete(p.Threads, tid)
}

/// ThreadList returns every thread currently owned by p.
func (p *Proc_t) ThreadList() []*thread.Thread_t {
	p.Lock()
	defer p.Unlock()
	out := make([]*thread.Thread_t, 0, len(p.Threads))
	for _, t := range p.Threads {
		out = append(out, t)
	}
	return out
}

/// Children returns the pids of every process whose parent is p.
func (p *Proc_t) Children() []defs.Pid_t {
	p.Lock()
	defer p.Unlock()
	out := make([]defs.Pid_t, 0, len(p.children))
	for c := range p.children {
		out = append(out, c)
	}
	return out
}

/// Status reports whether p has exited and, if so, its encoded exit
/// status.
func (p *Proc_t) Status() (Status, int) {
	p.Lock()
	defer p.Unlock()
	return p.status, p.exitStatus
}

/// Handler returns p's current disposition for sig.
func (p *Proc_t) Handler(sig defs.Signum) HandlerEntry {
	p.Lock()
	defer p.Unlock()
	return p.Handlers[sig]
}

/// SetHandler installs h as p's disposition for sig.
func (p *Proc_t) SetHandler(sig defs.Signum, h HandlerEntry) {
	p.Lock()
	defer p.Unlock()
	p.Handlers[sig] = h
}

/// CloneHandlers returns a copy of p's full handler table, for a forked
/// child to inherit verbatim.
func (p *Proc_t) CloneHandlers() [defs.NSIG]HandlerEntry {
	p.Lock()
	defer p.Unlock()
	return p.Handlers
}

/// ResetHandlersForExec resets every non-ignored handler to default,
/// per spec.md's exec step; handlers explicitly set to SIG_IGN survive
/// an exec unchanged.
func (p *Proc_t) ResetHandlersForExec() {
	p.Lock()
	defer p.Unlock()
	for i := range p.Handlers {
		if p.Handlers[i].Entry != defs.SIG_IGN {
			p.Handlers[i] = HandlerEntry{Entry: defs.SIG_DFL}
		}
	}
}

/// MarkExited transitions p to Zombie with the given encoded status and
/// wakes its parent's blocked waiters.
func (p *Proc_t) MarkExited(status int) {
	p.Lock()
	p.status = Zombie
	p.exitStatus = status
	p.Unlock()

	if parent, ok := Lookup(p.Ppid); ok {
		parent.Lock()
		parent.cond.Broadcast()
		parent.Unlock()
	}
}

/// ReparentChildrenToInit moves every child of pid to be owned by init
/// (spec.md's orphan-reparenting rule), waking init in case one of them
/// is already a zombie. A no-op if pid names init itself or has no
/// children.
func ReparentChildrenToInit(pid defs.Pid_t) {
	if pid == InitPid {
		return
	}
	p, ok := Lookup(pid)
	if !ok {
		return
	}
	init_, ok := Lookup(InitPid)
	if !ok {
		panic("init process missing")
	}

	p.Lock()
	kids := make([]defs.Pid_t, 0, len(p.children))
	for c := range p.children {
		kids = append(kids, c)
	}
	p.children = map[defs.Pid_t]struct{}{}
	p.Unlock()

	if len(kids) == 0 {
		return
	}

	init_.Lock()
	for _, c := range kids {
		init_.children[c] = struct{}{}
	}
	init_.Unlock()

	for _, c := range kids {
		if child, ok := Lookup(c); ok {
			child.Lock()
			child.Ppid = InitPid
			child.Unlock()
		}
	}

	init_.Lock()
	init_.cond.Broadcast()
	init_.Unlock()
}

/// Reap permanently removes a zombie child from the table once wait has
/// recorded its exit status (spec.md's reap), returning ECHILD if pid is
/// not a child of parent and EINVAL if the child has not exited yet.
func Reap(parent, pid defs.Pid_t) defs.Err_t {
	pp, ok := Lookup(parent)
	if !ok {
		return -defs.ESRCH
	}
	pp.Lock()
	_, isChild := pp.children[pid]
	pp.Unlock()
	if !isChild {
		return -defs.ECHILD
	}

	child, ok := Lookup(pid)
	if !ok {
		return -defs.ESRCH
	}
	child.Lock()
	st := child.status
	child.Unlock()
	if st != Zombie {
		return -defs.EINVAL
	}

	pp.Lock()
	delete(pp.children, pid)
	pp.Unlock()

	mu.Lock()
	table.Del(int32(pid))
	mu.Unlock()
	return 0
}

/// Wait blocks until a zombie child matching target is available and
/// returns its pid and exit status without reaping it (the caller reaps
/// separately via Reap once it has recorded the result). target==0 means
/// "any child" (this kernel has no process groups, so there is no
/// distinct -1-vs-0 waitpid semantics to preserve). If nohang is set, Wait
/// returns EAGAIN immediately instead of blocking when no zombie is ready.
func Wait(parent, target defs.Pid_t, nohang bool) (defs.Pid_t, int, defs.Err_t) {
	pp, ok := Lookup(parent)
	if !ok {
		return 0, 0, -defs.ESRCH
	}

	pp.Lock()
	defer pp.Unlock()
	for {
		if target != 0 {
			if _, isChild := pp.children[target]; !isChild {
				return 0, 0, -defs.ECHILD
			}
			if child, ok := Lookup(target); ok {
				child.Lock()
				st, code := child.status, child.exitStatus
				child.Unlock()
				if st == Zombie {
					return target, code, 0
				}
			}
		} else {
			if len(pp.children) == 0 {
				return 0, 0, -defs.ECHILD
			}
			for c := range pp.children {
				child, ok := Lookup(c)
				if !ok {
					continue
				}
				child.Lock()
				st, code := child.status, child.exitStatus
				child.Unlock()
				if st == Zombie {
					return c, code, 0
				}
			}
		}
		if nohang {
			return 0, 0, -defs.EAGAIN
		}
		pp.cond.Wait()
	}
}

/// EncodeExited builds a wait status for a process that called exit(2)
/// with the given low byte of its exit code.
func EncodeExited(code int) int {
	return (code & 0xff) << 8
}

/// EncodeSignaled builds a wait status for a process killed by sig.
func EncodeSignaled(sig defs.Signum) int {
	return int(sig) & 0x7f
}
