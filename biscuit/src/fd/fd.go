package fd

import "sync"

import "defs"
import "fdops"
import "ustr"

/// File descriptor permission bits.
const (
	FD_READ    = 0x1 /// read permission
	FD_WRITE   = 0x2 /// write permission
	FD_CLOEXEC = 0x4 /// close-on-exec flag
)

/// Fd_t represents an open file descriptor.
type Fd_t struct {
	// Fops is an interface implemented via a "pointer receiver", thus Fops
	// is a reference, not a value.
	Fops  fdops.Fdops_i /// descriptor operations
	Perms int           /// permission bits
}

/// Cloexec reports whether the descriptor is marked close-on-exec.
func (fd *Fd_t) Cloexec() bool {
	return fd.Perms&FD_CLOEXEC != 0
}

/// Copyfd duplicates an open file descriptor by reopening it. Used by
/// fork() to give the child process its own reference to every inherited
/// descriptor (spec.md Fork, step "duplicate file descriptor table").
func Copyfd(fd *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *fd
	err := nfd.Fops.Reopen()
	if err != 0 {
		return nil, err
	}
	return nfd, 0
}

/// Close_panic closes the descriptor and panics on failure. Used when the
/// kernel itself, not a user syscall, must tear a descriptor down (process
/// exit cleanup) and a failure would indicate kernel-internal corruption.
func Close_panic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("must succeed")
	}
}

/// Fdtable_t is the per-process table of open descriptors, indexed by the
/// small integer returned to user space. Forked children get a cloned
/// table (each slot re-opened, not shared); exec() drops every CLOEXEC
/// slot (spec.md Exec, step "apply close-on-exec").
type Fdtable_t struct {
	sync.Mutex
	tbl map[int]*Fd_t
	cwd ustr.Ustr
}

/// MkFdtable builds an empty descriptor table rooted at "/".
func MkFdtable() *Fdtable_t {
	return &Fdtable_t{tbl: make(map[int]*Fd_t), cwd: ustr.MkUstrRoot()}
}

/// Install inserts fdn->fd, overwriting any existing entry at fdn.
func (ft *Fdtable_t) Install(fdn int, fd *Fd_t) {
	ft.Lock()
	defer ft.Unlock()
	ft.tbl[fdn] = fd
}

/// Get looks up fdn, returning (nil, false) if no descriptor is open there.
func (ft *Fdtable_t) Get(fdn int) (*Fd_t, bool) {
	ft.Lock()
	defer ft.Unlock()
	fd, ok := ft.tbl[fdn]
	return fd, ok
}

/// Remove closes and removes fdn from the table. It returns EBADF if fdn
/// was not open.
func (ft *Fdtable_t) Remove(fdn int) defs.Err_t {
	ft.Lock()
	defer ft.Unlock()
	fd, ok := ft.tbl[fdn]
	if !ok {
		return defs.EBADF
	}
	delete(ft.tbl, fdn)
	return fd.Fops.Close()
}

/// Lowest returns the smallest fd number >= start that is not yet in use.
func (ft *Fdtable_t) Lowest(start int) int {
	ft.Lock()
	defer ft.Unlock()
	for n := start; ; n++ {
		if _, ok := ft.tbl[n]; !ok {
			return n
		}
	}
}

/// Clone produces a child table with every open descriptor reopened
/// (independent reference, shared underlying object) as fork() requires.
func (ft *Fdtable_t) Clone() (*Fdtable_t, defs.Err_t) {
	ft.Lock()
	defer ft.Unlock()
	n := &Fdtable_t{tbl: make(map[int]*Fd_t, len(ft.tbl)), cwd: ft.cwd}
	for fdn, fd := range ft.tbl {
		cp, err := Copyfd(fd)
		if err != 0 {
			return nil, err
		}
		n.tbl[fdn] = cp
	}
	return n, 0
}

/// CloseOnExec closes every descriptor marked FD_CLOEXEC, as execve()
/// requires, leaving the rest of the table intact.
func (ft *Fdtable_t) CloseOnExec() {
	ft.Lock()
	defer ft.Unlock()
	for fdn, fd := range ft.tbl {
		if fd.Cloexec() {
			fd.Fops.Close()
			delete(ft.tbl, fdn)
		}
	}
}

/// CloseAll tears down every remaining descriptor; called once a process
/// has reached the zombie state.
func (ft *Fdtable_t) CloseAll() {
	ft.Lock()
	defer ft.Unlock()
	for fdn, fd := range ft.tbl {
		fd.Fops.Close()
		delete(ft.tbl, fdn)
	}
}

/// Cwd returns the process's current working directory path. Path
/// resolution itself belongs to the (out-of-core) filesystem collaborator;
/// the process table only needs to carry the string across fork/exec.
func (ft *Fdtable_t) Cwd() ustr.Ustr {
	ft.Lock()
	defer ft.Unlock()
	return ft.cwd
}

/// SetCwd replaces the working directory path.
func (ft *Fdtable_t) SetCwd(p ustr.Ustr) {
	ft.Lock()
	defer ft.Unlock()
	ft.cwd = p
}
