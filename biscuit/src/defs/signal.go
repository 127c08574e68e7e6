package defs

/// Signum identifies a POSIX signal number, 1..NSIG-1.
type Signum int

// Signal numbers, matching the standard POSIX/Linux numbering used by the
// host original (kernel/src/signal/constants.rs).
const (
	SIGHUP    Signum = 1
	SIGINT    Signum = 2
	SIGQUIT   Signum = 3
	SIGILL    Signum = 4
	SIGTRAP   Signum = 5
	SIGABRT   Signum = 6
	SIGBUS    Signum = 7
	SIGFPE    Signum = 8
	SIGKILL   Signum = 9
	SIGUSR1   Signum = 10
	SIGSEGV   Signum = 11
	SIGUSR2   Signum = 12
	SIGPIPE   Signum = 13
	SIGALRM   Signum = 14
	SIGTERM   Signum = 15
	SIGSTKFLT Signum = 16
	SIGCHLD   Signum = 17
	SIGCONT   Signum = 18
	SIGSTOP   Signum = 19
	SIGTSTP   Signum = 20
	SIGTTIN   Signum = 21
	SIGTTOU   Signum = 22
	SIGURG    Signum = 23
	SIGXCPU   Signum = 24
	SIGXFSZ   Signum = 25
	SIGVTALRM Signum = 26
	SIGPROF   Signum = 27
	SIGWINCH  Signum = 28
	SIGIO     Signum = 29
	SIGPWR    Signum = 30
	SIGSYS    Signum = 31

	// SIGRTMIN..SIGRTMAX are reserved for parity with POSIX numbering.
	// Queued real-time signal delivery is out of scope (spec Non-goal);
	// the kernel rejects kill() targeting this band with EINVAL rather
	// than silently downgrading it to standard delivery.
	SIGRTMIN Signum = 32
	SIGRTMAX Signum = 64
	NSIG     Signum = 64
)

// sigaction() disposition values for sa_handler.
const (
	SIG_DFL uintptr = 0
	SIG_IGN uintptr = 1
)

// sigprocmask() "how" argument.
const (
	SIG_BLOCK   = 0
	SIG_UNBLOCK = 1
	SIG_SETMASK = 2
)

// sigaction() sa_flags bits.
const (
	SA_NOCLDSTOP = 1 << 0
	SA_ONSTACK   = 1 << 1
	SA_RESTART   = 1 << 2
	SA_NODEFER   = 1 << 3
	SA_RESETHAND = 1 << 4
	SA_SIGINFO   = 1 << 5
	SA_RESTORER  = 1 << 26
)

/// sigMask returns the single-bit mask for sig, matching sigset_t's layout
/// (bit sig-1, so SIGHUP is bit 0).
func sigMask(sig Signum) uint64 {
	if sig < 1 || sig > 63 {
		return 0
	}
	return uint64(1) << uint(sig-1)
}

/// SigMask is the exported form of sigMask, used by sigprocmask/sigpending.
func SigMask(sig Signum) uint64 { return sigMask(sig) }

/// UncatchableSignals is the set of signals whose disposition can never be
/// changed or blocked: SIGKILL and SIGSTOP.
var UncatchableSignals = sigMask(SIGKILL) | sigMask(SIGSTOP)

/// Disposition classifies what happens when a signal's default action
/// fires (sigaction with SIG_DFL, or no handler installed).
type Disposition int

const (
	DispTerm     Disposition = iota /// terminate the process
	DispTermCore                    /// terminate and (conceptually) dump core
	DispIgn                          /// ignored
	DispStop                        /// stop the process
	DispCont                        /// continue a stopped process
)

// defaultDisposition mirrors the POSIX default-action table reproduced in
// the host original's signal/constants.rs comments.
var defaultDisposition = map[Signum]Disposition{
	SIGHUP: DispTerm, SIGINT: DispTerm, SIGQUIT: DispTermCore,
	SIGILL: DispTermCore, SIGTRAP: DispTermCore, SIGABRT: DispTermCore,
	SIGBUS: DispTermCore, SIGFPE: DispTermCore, SIGKILL: DispTerm,
	SIGUSR1: DispTerm, SIGSEGV: DispTermCore, SIGUSR2: DispTerm,
	SIGPIPE: DispTerm, SIGALRM: DispTerm, SIGTERM: DispTerm,
	SIGSTKFLT: DispTerm, SIGCHLD: DispIgn, SIGCONT: DispCont,
	SIGSTOP: DispStop, SIGTSTP: DispStop, SIGTTIN: DispStop,
	SIGTTOU: DispStop, SIGURG: DispIgn, SIGXCPU: DispTermCore,
	SIGXFSZ: DispTermCore, SIGVTALRM: DispTerm, SIGPROF: DispTerm,
	SIGWINCH: DispIgn, SIGIO: DispTerm, SIGPWR: DispTerm, SIGSYS: DispTermCore,
}

/// DefaultDisposition returns the POSIX default action for sig. Signals in
/// the unattempted real-time band default to DispTerm.
func DefaultDisposition(sig Signum) Disposition {
	if d, ok := defaultDisposition[sig]; ok {
		return d
	}
	return DispTerm
}
