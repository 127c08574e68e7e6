//go:build amd64

package archprim

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// These exercise only the non-privileged, pure-Go half of the new trap
// entry mechanism: building the byte-packed GDT/TSS/IDT tables. Loading
// them (InstallIDT, and the LGDT/LIDT/LTR primitives underneath it) is
// never called from a test, the same boundary EnterUserMode/
// RestoreContext's real control transfers are already held to.

func TestBuildGDTSelectors(t *testing.T) {
	g := buildGDT(0x1000)
	require.Equal(t, uint64(0), g[0])
	require.Equal(t, uint64(0x00af9a000000ffff), g[1]) // KernelCS == 0x08
	require.Equal(t, uint64(0x00af92000000ffff), g[2]) // KernelSS == 0x10
	require.Equal(t, uint64(0x00affa000000ffff), g[3]) // UserCS&^3 == 0x18
	require.Equal(t, uint64(0x00aff2000000ffff), g[4]) // UserSS&^3 == 0x20
}

func TestBuildGDTTSSDescriptor(t *testing.T) {
	base := uintptr(0x12345678)
	g := buildGDT(base)

	low := g[5]
	limit := low & 0xffff
	baseLow := (low >> 16) & 0xffffff
	access := (low >> 40) & 0xff
	limitHigh := (low >> 48) & 0xf
	baseMid := (low >> 56) & 0xff
	baseHigh := g[6] & 0xffffffff

	require.Equal(t, uint64(tssSize-1), limit|(limitHigh<<16))
	require.Equal(t, uint64(0x89), access)
	require.Equal(t, uint64(base)&0xffffff, baseLow)
	require.Equal(t, (uint64(base)>>24)&0xff, baseMid)
	require.Equal(t, (uint64(base)>>32)&0xffffffff, baseHigh)
}

func TestBuildTSSFieldOffsets(t *testing.T) {
	tss := buildTSS(0xdeadbeef, 0xcafef00d)
	require.Equal(t, uint64(0xdeadbeef), binary.LittleEndian.Uint64(tss[4:]))
	require.Equal(t, uint64(0xcafef00d), binary.LittleEndian.Uint64(tss[36:]))
	// Nothing else in the TSS is used; every other byte stays zero.
	for i, b := range tss {
		if i >= 4 && i < 12 {
			continue
		}
		if i >= 36 && i < 44 {
			continue
		}
		require.Equal(t, byte(0), b, "unexpected nonzero byte at offset %d", i)
	}
}

func TestSetGateLayout(t *testing.T) {
	var saved [idtEntries * idtEntrySize]byte
	copy(saved[:], idt[:])
	t.Cleanup(func() { idt = saved })

	handler := uintptr(0x0011223344556677)
	setGate(vecPageFault, handler, KernelCS, gateKernel, gateIST1)

	off := vecPageFault * idtEntrySize
	offsetLow := binary.LittleEndian.Uint16(idt[off:])
	selector := binary.LittleEndian.Uint16(idt[off+2:])
	ist := idt[off+4]
	typeAttr := idt[off+5]
	offsetMid := binary.LittleEndian.Uint16(idt[off+6:])
	offsetHigh := binary.LittleEndian.Uint32(idt[off+8:])
	reserved := binary.LittleEndian.Uint32(idt[off+12:])

	require.Equal(t, uint16(handler), offsetLow)
	require.Equal(t, uint16(KernelCS), selector)
	require.Equal(t, byte(gateIST1), ist)
	require.Equal(t, byte(gateKernel), typeAttr)
	require.Equal(t, uint16(handler>>16), offsetMid)
	require.Equal(t, uint32(handler>>32), offsetHigh)
	require.Equal(t, uint32(0), reserved)
}

func TestGateAccessBytes(t *testing.T) {
	// DPL 0 vs DPL 3 is the only difference between the two gate shapes:
	// the syscall gate must be reachable by a user-mode `int $0x80`
	// (sigtramp_amd64.go's sigreturn trampoline), every other gate must
	// not be directly reachable from user mode at all.
	require.Equal(t, byte(0x8E), byte(gateKernel))
	require.Equal(t, byte(0xEE), byte(gateUser))
}

func TestPackDescriptor(t *testing.T) {
	d := packDescriptor(0x0102030405060708, 0xabcd)
	require.Equal(t, uint16(0xabcd), binary.LittleEndian.Uint16(d[0:]))
	require.Equal(t, uint64(0x0102030405060708), binary.LittleEndian.Uint64(d[2:]))
}

func TestSetKernelStackUpdatesTSS(t *testing.T) {
	var saved [tssSize]byte
	copy(saved[:], tss[:])
	t.Cleanup(func() { tss = saved })

	SetKernelStack(0x9000)
	require.Equal(t, uint64(0x9000), binary.LittleEndian.Uint64(tss[4:]))
}

func TestDispatchTrapPanicsWithNoHandler(t *testing.T) {
	old := TrapHandler
	TrapHandler = nil
	t.Cleanup(func() { TrapHandler = old })

	require.Panics(t, func() { dispatchTrap(&Frame{}) })
}

func TestDispatchTrapPanicsWhenHandlerReturns(t *testing.T) {
	old := TrapHandler
	TrapHandler = func(*Frame) {}
	t.Cleanup(func() { TrapHandler = old })

	require.Panics(t, func() { dispatchTrap(&Frame{}) })
}
