// Package sched is the round-robin, fixed-quantum preemptive scheduler
// (spec.md section 4.D): a ready queue of thread.Thread_t and the context
// switch that moves the CPU from one to another.
//
// spec.md's Non-goals exclude SMP, so there is exactly one ready queue and
// one "current thread" pointer (thread.Current/SetCurrent), never a
// per-CPU one. The switch itself is the classic cooperative
// save/longjmp/restore kernel idiom (not specific to any one example repo
// in the pack; biscuit's own scheduler is the Go runtime's goroutine
// scheduler, which this tree deliberately does not use, since spec.md asks
// for this kernel's own preemption and quantum accounting instead):
// archprim.SaveCurrentContext captures the outgoing thread's kernel call
// stack, archprim.RestoreContext resumes the incoming one, and the code
// between them performs the remaining steps spec.md's context switch
// algorithm names (address space switch, pending-signal check).
package sched

import "sync"

import "archprim"
import "stats"
import "thread"

/// DefaultQuantum is the number of timer ticks a thread runs before being
/// preempted. spec.md leaves the exact tick-to-wallclock mapping to the
/// timer source; config owns that conversion.
const DefaultQuantum = 10

/// DeliveryCheck, if set, is called on the incoming thread during every
/// context switch to rewrite its saved frame for a pending unmasked
/// signal (spec.md context switch step "check pending unmasked signals").
/// sched does not import signal directly to avoid a dependency cycle
/// (signal itself imports sched, to install this hook and to call Wake);
/// the boot sequence wires this once signal is initialized.
var DeliveryCheck func(*thread.Thread_t)

type readyQueue struct {
	mu sync.Mutex
	q  []*thread.Thread_t
}

func (r *readyQueue) push(t *thread.Thread_t) {
	r.mu.Lock()
	r.q = append(r.q, t)
	r.mu.Unlock()
}

func (r *readyQueue) pop() (*thread.Thread_t, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.q) == 0 {
		return nil, false
	}
	t := r.q[0]
	r.q = r.q[1:]
	return t, true
}

func (r *readyQueue) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.q)
}

var (
	ready     readyQueue
	idle      *thread.Thread_t
	mu        sync.Mutex
	remaining int
	quantum   = DefaultQuantum
)

/// counters tracks scheduler instrumentation (context switches actually
/// performed, timer ticks observed), compile-time-gated through
/// stats.Stats/stats.Timing exactly like every other counter struct
/// stats.Stats2String knows how to print in this tree.
var counters struct {
	Switches stats.Counter_t
	Ticks    stats.Counter_t
}

/// Dump renders the scheduler's instrumentation counters, empty unless
/// stats.Stats is compiled on.
func Dump() string {
	return stats.Stats2String(counters)
}

/// Init installs idleThread as the thread that runs when nothing else is
/// ready (spec.md's boot sequence creates this once, before any user
/// process exists). It becomes the current thread immediately.
func Init(idleThread *thread.Thread_t) {
	idle = idleThread
	thread.SetCurrent(idle)
	remaining = quantum
}

/// Spawn makes t eligible to run (spec.md's spawn).
func Spawn(t *thread.Thread_t) {
	ready.push(t)
}

func nextRunnable() *thread.Thread_t {
	if t, ok := ready.pop(); ok {
		return t
	}
	return idle
}

/// Switch performs the context switch algorithm of spec.md section 4.D:
/// let DeliveryCheck rewrite the incoming thread's saved frame for a
/// pending signal (run on every return to user mode, even one that
/// resumes the same thread it interrupted, per spec.md's delivery rule),
/// save the outgoing thread's kernel context, switch address space if the
/// incoming thread's differs, record it as current, and resume it. It
/// returns once this thread is switched back to by some later call.
func Switch(next *thread.Thread_t) {
	for {
		if DeliveryCheck != nil {
			DeliveryCheck(next)
		}
		if !next.Dead {
			break
		}
		// DeliveryCheck applied a signal's default terminate action to
		// next: it is marked exited but was never actually switched into,
		// so there is nothing to unwind here. Pick another thread instead
		// of ever resuming a dead one.
		next = nextRunnable()
	}

	old := thread.Current()
	if old == next {
		return
	}
	if archprim.SaveCurrentContext(&old.KernelCtx) {
		counters.Switches.Inc()
		if next.AS != nil && (old.AS == nil || next.AS.P_pmap != old.AS.P_pmap) {
			archprim.SwitchAddressSpace(uintptr(next.AS.P_pmap))
		}
		thread.SetCurrent(next)
		archprim.RestoreContext(&next.KernelCtx)
		panic("RestoreContext returned")
	}
}

/// YieldNow voluntarily gives up the CPU (spec.md's yield_now): the
/// calling thread is requeued and the next ready thread (or idle) runs.
func YieldNow() {
	cur := thread.Current()
	next := nextRunnable()
	if next == cur {
		return
	}
	if cur != idle {
		ready.push(cur)
	}
	Switch(next)
}

/// OnTimerTick accounts one timer interrupt against the current thread's
/// quantum, preempting it once the quantum is exhausted (spec.md's
/// on_timer_tick).
func OnTimerTick() {
	counters.Ticks.Inc()
	mu.Lock()
	remaining--
	expired := remaining <= 0
	if expired {
		remaining = quantum
	}
	mu.Unlock()
	if expired {
		YieldNow()
	}
}

/// BlockCurrent removes the calling thread from scheduling without
/// requeuing it (spec.md's block_current). It returns only after some
/// other thread calls Wake on it.
func BlockCurrent() {
	cur := thread.Current()
	next := nextRunnable()
	if next == cur {
		panic("block_current: no other thread runnable")
	}
	Switch(next)
}

/// Wake makes a thread blocked by BlockCurrent runnable again (spec.md's
/// wake).
func Wake(t *thread.Thread_t) {
	ready.push(t)
}

/// ExitCurrent switches away from the calling thread forever (spec.md's
/// exit_current). The caller must have already recorded whatever exit
/// state other threads need (proc.MarkExited) before calling this, since
/// it never returns; the thread's kernel stack is freed later by whoever
/// reaps it, running on a different stack.
func ExitCurrent() {
	next := nextRunnable()
	Switch(next)
	panic("exited thread resumed")
}

/// ReadyLen reports the number of runnable threads waiting, for tests and
/// diagnostics.
func ReadyLen() int {
	return ready.len()
}
