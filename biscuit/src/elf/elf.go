// Package elf defines the boundary between lifecycle.Exec and the
// out-of-core collaborator that resolves a path to an in-memory ELF image
// (spec.md section 4.F, "exec": "the collaborator file-system/ELF loader
// resolves the path and yields an in-memory ELF image"). This package
// owns no parsing: it names the shape lifecycle needs, built on the
// standard library's own ELF program-header vocabulary.
package elf

import "debug/elf"

/// Segment is one loadable program header, already resolved to bytes.
/// len(Data) may be less than Memsz (the remainder is zero-filled, e.g. BSS).
type Segment struct {
	Vaddr uintptr
	Memsz int
	Data  []byte
	Flags elf.ProgFlag
}

/// Writable reports whether the segment must be mapped writable.
func (s Segment) Writable() bool { return s.Flags&elf.PF_W != 0 }

/// Executable reports whether the segment must be mapped executable.
func (s Segment) Executable() bool { return s.Flags&elf.PF_X != 0 }

/// Image is an already-resolved ELF program, ready to be mapped into a
/// fresh address space by lifecycle.Exec.
type Image interface {
	/// Entry returns the program's entry point virtual address.
	Entry() uintptr
	/// Segments returns every PT_LOAD program header to map, in no
	/// particular order.
	Segments() []Segment
}
