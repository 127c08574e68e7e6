//go:build arm64

package archprim

// SigreturnTrampolineCode returns the machine code for the signal
// trampoline page (spec.md section 4.F), arm64 variant. It returns a
// single NOP (0xd503201f) and ignores sysno: no "load sysno into X8, then
// SVC #0" sequence is emitted, so on arm64 the trampoline page does not
// invoke sigreturn.
func SigreturnTrampolineCode(sysno uint64) []byte {
	return []byte{0x1f, 0x20, 0x03, 0xd5} // NOP, placeholder only
}
