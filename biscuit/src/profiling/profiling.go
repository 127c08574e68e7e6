// Package profiling is the kernel's performance-counter sampling layer,
// grounded on justanotherdot-biscuit/biscuit/src/kernel/main.go's
// profhw_i/intelprof_t/nilprof_t hardware abstraction and its bprof_t
// sample buffer: the same counter-event vocabulary and the same
// hardware-present/hardware-absent split, but samples collected through
// StopSampling are serialized into a real pprof profile.proto via
// github.com/google/pprof/profile instead of bprof_t's hexdump.
package profiling

import "fmt"

import "github.com/google/pprof/profile"

/// EventID names a performance-monitoring event, matching the teacher's
/// pmevid_t constants one-for-one (architectural events first, then the
/// non-architectural TLB/cache events Intel's PMU exposes on top of them).
type EventID uint

const (
	EvUnhaltedCoreCycles EventID = 1 << iota
	EvLLCMisses
	EvLLCRefs
	EvBranchInstrRetired
	EvBranchMissRetired
	EvInstrRetired
	EvDTLBLoadMissAny
	EvDTLBLoadMissSTLB
	EvStoreDTLBMiss
	EvL2LDHits
	EvITLBLoadMissAny
)

/// EventNames gives each EventID its human-readable label, the Go
/// counterpart of the teacher's pmevid_names map.
var EventNames = map[EventID]string{
	EvUnhaltedCoreCycles: "Unhalted core cycles",
	EvLLCMisses:          "LLC misses",
	EvLLCRefs:            "LLC references",
	EvBranchInstrRetired: "Branch instructions retired",
	EvBranchMissRetired:  "Branch misses retired",
	EvInstrRetired:       "Instructions retired",
	EvDTLBLoadMissAny:    "dTLB load misses",
	EvDTLBLoadMissSTLB:   "sTLB misses",
	EvStoreDTLBMiss:      "Store dTLB misses",
	EvL2LDHits:           "L2 load hits",
	EvITLBLoadMissAny:    "iTLB load misses",
}

/// Flag selects which privilege levels a counter accumulates for; zero
/// means both, matching the teacher's pmflag_t "if pf == 0, count both"
/// rule in _ev2msr.
type Flag uint

const (
	FlagOS Flag = 1 << iota
	FlagUSR
)

/// Event pairs an EventID with the privilege levels to count it at.
type Event struct {
	ID    EventID
	Flags Flag
}

/// HW is the hardware profiling device driver boundary, matching the
/// teacher's profhw_i interface method for method: Init replaces
/// prof_init, StartCounters/StopCounters replace startpmc/stoppmc, and
/// StartSampling/StopSampling replace startnmi/stopnmi (the NMI-driven
/// instruction-pointer sampler stoppnmi returns addresses for).
type HW interface {
	Init(npmc uint)
	StartCounters(events []Event) (handles []int, ok bool)
	StopCounters(handles []int) []uint64
	StartSampling(ev EventID, flags Flag, min, max uint) bool
	StopSampling() []uintptr
}

/// NilHW is profhw_i's nilprof_t: the backend used when the host CPU has
/// no usable performance-monitoring unit, and the initial value of Backend.
type NilHW struct{}

func (NilHW) Init(uint)                                   {}
func (NilHW) StartCounters(events []Event) ([]int, bool)  { return nil, false }
func (NilHW) StopCounters(handles []int) []uint64         { return nil }
func (NilHW) StartSampling(EventID, Flag, uint, uint) bool { return false }
func (NilHW) StopSampling() []uintptr                     { return nil }

/// Backend is the active hardware profiling driver. Left as NilHW, every
/// counter/sampling operation is a well-defined no-op; boot wiring
/// replaces it with a real backend once it has detected PMU support, the
/// same deferred-collaborator shape as every other hook in this tree.
var Backend HW = NilHW{}

/// Session tracks a single StartCounters/StopCounters pairing.
type Session struct {
	handles []int
	events  []Event
}

/// StartSession arms counters for events on the active Backend. ok is
/// false if the backend refused (no free counters, or no PMU present).
func StartSession(events []Event) (*Session, bool) {
	handles, ok := Backend.StartCounters(events)
	if !ok {
		return nil, false
	}
	return &Session{handles: handles, events: events}, true
}

/// Stop reads the session's counters and disarms them. The returned
/// slice is parallel to the Events the session was started with.
func (s *Session) Stop() []uint64 {
	return Backend.StopCounters(s.handles)
}

/// Events returns the events this session is counting.
func (s *Session) Events() []Event { return s.events }

// BuildProfile converts a slice of raw sampled program counters (as
// returned by Backend.StopSampling) into a pprof sample-count profile:
// one Location per distinct address, one Sample per address with its
// occurrence count as the single value. Kernel addresses carry no Go
// debug symbols, so each Function is named by its hex address, the
// direct replacement for bprof_t.dump's hexdump of the same data.
func BuildProfile(samples []uintptr) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "samples", Unit: "count"},
		Period:     1,
	}

	counts := make(map[uintptr]int64)
	order := make([]uintptr, 0, len(samples))
	for _, pc := range samples {
		if _, seen := counts[pc]; !seen {
			order = append(order, pc)
		}
		counts[pc]++
	}

	locByAddr := make(map[uintptr]*profile.Location, len(order))
	for i, pc := range order {
		id := uint64(i + 1)
		fn := &profile.Function{
			ID:         id,
			Name:       fmt.Sprintf("pc_%#x", pc),
			SystemName: fmt.Sprintf("pc_%#x", pc),
		}
		loc := &profile.Location{
			ID:      id,
			Address: uint64(pc),
			Line:    []profile.Line{{Function: fn}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		locByAddr[pc] = loc

		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{counts[pc]},
		})
	}

	return p
}
