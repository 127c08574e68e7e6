// Package fdops defines the operations a file descriptor's backing object
// must support, independent of what that object is (console, pipe, socket,
// regular file). The process/fd-table core depends only on this interface;
// concrete implementations are out-of-core collaborators (spec Non-goals).
package fdops

import "defs"
import "stat"

/// Userio_i abstracts a user-memory buffer so kernel code that copies bytes
/// in or out (console writes, rusage export, signal frame construction)
/// does not need to know whether the destination is a real user virtual
/// address or, in tests, a plain Go byte slice.
type Userio_i interface {
	/// Uiowrite copies src into the buffer, returning the number of bytes
	/// written and an error.
	Uiowrite(src []uint8) (int, defs.Err_t)
	/// Uioread copies from the buffer into dst, returning the number of
	/// bytes read and an error.
	Uioread(dst []uint8) (int, defs.Err_t)
	/// Remain reports how many bytes are left in the buffer.
	Remain() int
	/// Totalsz reports the buffer's original size.
	Totalsz() int
}

/// Fdops_i is implemented by whatever backs an open file descriptor.
type Fdops_i interface {
	Close() defs.Err_t
	Fstat(*stat.Stat_t) defs.Err_t
	Read(Userio_i) (int, defs.Err_t)
	Reopen() defs.Err_t
	Write(Userio_i) (int, defs.Err_t)
}
