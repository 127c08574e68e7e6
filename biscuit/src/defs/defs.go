// Package defs holds types and constants shared across kernel packages:
// error codes, pids/tids, signal numbers and syscall numbers. It has no
// dependencies of its own so every other package may import it.
package defs

/// Err_t is a kernel error code. The zero value means success; negative
/// values mirror POSIX errno (negated, as they are returned directly in a
/// syscall return register and cannot be distinguished from a valid return
/// value any other way).
type Err_t int

/// Pid_t identifies a process in the process table.
type Pid_t int32

/// Tid_t identifies a thread. A Tid_t is only meaningful together with the
/// Pid_t of the process that owns it.
type Tid_t int32

// Errno values, numbered to match the host original's errno.rs and standard
// POSIX numbering so user-space and host tooling agree on their meaning.
const (
	EPERM        Err_t = -1
	ENOENT       Err_t = -2
	ESRCH        Err_t = -3
	EINTR        Err_t = -4
	EIO          Err_t = -5
	EBADF        Err_t = -9
	ECHILD       Err_t = -10
	EAGAIN       Err_t = -11
	ENOMEM       Err_t = -12
	EACCES       Err_t = -13
	EFAULT       Err_t = -14
	EBUSY        Err_t = -16
	EEXIST       Err_t = -17
	ENOTDIR      Err_t = -20
	EISDIR       Err_t = -21
	EINVAL       Err_t = -22
	EMFILE       Err_t = -24
	ENOSPC       Err_t = -28
	ENOSYS       Err_t = -38
	ENOTEMPTY    Err_t = -39
	ENAMETOOLONG Err_t = -36
	// ENOHEAP is kernel-internal: the kernel heap reservation a syscall
	// needed before touching user memory could not be granted. It is
	// translated to ENOMEM at the syscall ABI boundary.
	ENOHEAP Err_t = -1000
)

/// Rc returns e as the plain int the syscall ABI returns in a register.
func (e Err_t) Rc() int {
	return int(e)
}

/// String names err, for logging; not used on the ABI-crossing fast path.
func (e Err_t) String() string {
	if e == 0 {
		return "success"
	}
	if s, ok := errnoNames[e]; ok {
		return s
	}
	return "unknown error"
}

var errnoNames = map[Err_t]string{
	EPERM: "EPERM", ENOENT: "ENOENT", ESRCH: "ESRCH", EINTR: "EINTR",
	EIO: "EIO", EBADF: "EBADF", ECHILD: "ECHILD", EAGAIN: "EAGAIN",
	ENOMEM: "ENOMEM", EACCES: "EACCES", EFAULT: "EFAULT", EBUSY: "EBUSY",
	EEXIST: "EEXIST", ENOTDIR: "ENOTDIR", EISDIR: "EISDIR", EINVAL: "EINVAL",
	EMFILE: "EMFILE", ENOSPC: "ENOSPC", ENOSYS: "ENOSYS",
	ENOTEMPTY: "ENOTEMPTY", ENAMETOOLONG: "ENAMETOOLONG", ENOHEAP: "ENOHEAP",
}
