package vm

import "sync/atomic"

// CowStats instruments copy-on-write fault handling: how many write faults
// on CoW pages were resolved, how many hit the sole-owner fast path
// (no copy needed), and how many required an actual page copy. spec.md
// describes the sole-owner optimization but leaves it uninstrumented; the
// host original's memory/cow_stats.rs tracks exactly these counters.
var CowStats struct {
	TotalFaults   int64
	SoleOwnerOpt  int64
	PagesCopied   int64
}

/// CowStatsSnapshot returns the current counter values.
func CowStatsSnapshot() (total, soleOwner, copied int64) {
	return atomic.LoadInt64(&CowStats.TotalFaults),
		atomic.LoadInt64(&CowStats.SoleOwnerOpt),
		atomic.LoadInt64(&CowStats.PagesCopied)
}

func cowStatFault() { atomic.AddInt64(&CowStats.TotalFaults, 1) }

func cowStatSoleOwner() { atomic.AddInt64(&CowStats.SoleOwnerOpt, 1) }

func cowStatCopied() { atomic.AddInt64(&CowStats.PagesCopied, 1) }
