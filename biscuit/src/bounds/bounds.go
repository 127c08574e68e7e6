// Package bounds names the kernel-heap budget each long-running,
// user-memory-touching loop needs before it starts, so res can refuse the
// loop up front instead of the kernel exhausting its heap mid-copy with
// interrupts disabled.
package bounds

/// Btag identifies a call site that reserves kernel heap before looping
/// over user memory.
type Btag int

const (
	B_ASPACE_T_K2USER_INNER Btag = iota
	B_ASPACE_T_USER2K_INNER
	B_USERBUF_T__TX
	B_LIFECYCLE_T_EXEC_ARGS
	B_SIGNAL_T_DELIVER
)

// perCallBudget is the worst-case kernel-heap bytes a single call of the
// tagged site allocates (scratch buffers, page-table walk temporaries).
// The numbers mirror the fixed worst-case chunk sizes as.go copies in
// (PGSIZE), which is also a safe upper bound for the signal/exec paths
// added here.
var perCallBudget = map[Btag]uint{
	B_ASPACE_T_K2USER_INNER: 4096,
	B_ASPACE_T_USER2K_INNER: 4096,
	B_USERBUF_T__TX:         4096,
	B_LIFECYCLE_T_EXEC_ARGS: 4096,
	B_SIGNAL_T_DELIVER:      512,
}

/// Bounds returns the heap reservation, in bytes, a single iteration of the
/// call site tagged t requires.
func Bounds(t Btag) uint {
	b, ok := perCallBudget[t]
	if !ok {
		panic("unbounded call site")
	}
	return b
}
