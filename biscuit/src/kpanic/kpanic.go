// Package kpanic is the kernel-mode fault diagnostics collector trap wires
// in as its Panic hook: where the teacher and original_source alike simply
// bail out with a bare panic/println on an unrecoverable fault, Handle
// disassembles the faulting instruction and walks the Go call stack that
// led to it before halting, giving a postmortem dump instead of a bare
// message.
//
// Disassembly reads the faulting instruction through vm.KernelPmap rather
// than any particular thread's address space: Handle is only ever called
// for a fault taken with !frame.IsUser() (trap.fatal's own guard), and
// kernel code and data are mapped identically into every address space by
// linkKernelHalf, so there is exactly one page table that matters here.
package kpanic

import "fmt"
import "runtime"

import "golang.org/x/arch/x86/x86asm"

import "archprim"
import "klog"
import "mem"
import "vm"

/// Halt stops the CPU once the diagnostic dump has been logged. Left nil,
/// it loops on archprim.Halt forever, the real kernel's terminal state;
/// tests replace it with a no-op so Handle returns instead of hanging.
var Halt func()

func halt() {
	if Halt != nil {
		Halt()
		return
	}
	archprim.DisableInterrupts()
	for {
		archprim.Halt()
	}
}

/// Handle is installed as trap.Panic. It logs a structured dump of the
/// fault (message, vector, error code, faulting PC, the decoded
/// instruction at that PC when it can be read, and the Go call stack that
/// called into trap.Dispatch) through klog.Log, then halts.
func Handle(frame *archprim.Frame, msg string) {
	klog.Log.WithFields(map[string]interface{}{
		"vector":    frame.Vector(),
		"faultcode": frame.FaultCode(),
		"pc":        fmt.Sprintf("%#x", frame.PC()),
	}).Error(msg)

	if asm, err := disassembleAt(frame.PC()); err != nil {
		klog.Log.Warnf("could not disassemble faulting instruction: %v", err)
	} else {
		klog.Log.Errorf("faulting instruction: %s", asm)
	}

	klog.Log.Error(backtrace(2))

	halt()
}

// disassembleAt decodes the single instruction at the kernel virtual
// address pc, reading it through vm.KernelPmap the same way any other
// kernel-half access would resolve it: a page-table walk to the leaf PTE,
// then mem.Physmem.Dmap to get at the backing page's bytes.
func disassembleAt(pc uintptr) (string, error) {
	va := int(pc)
	pte := vm.Pmap_lookup(vm.KernelPmap, va)
	if pte == nil || *pte&vm.PTE_P == 0 {
		return "", fmt.Errorf("pc %#x is not mapped in the kernel address space", pc)
	}
	phys := *pte & vm.PTE_ADDR
	off := mem.Pa_t(va) & mem.PGOFFSET
	code := mem.Physmem.Dmap8(phys + off)

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "", err
	}
	return inst.String(), nil
}

// backtrace formats the Go call stack starting skip frames up from its own
// frame (skip 0 is backtrace itself, 1 its caller), in the style of caller.Callerdump, but returns the formatted
// string instead of printing it directly so Handle can route it through
// klog like every other line of the dump.
func backtrace(skip int) string {
	s := ""
	for i := skip; ; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		name := "?"
		if fn != nil {
			name = fn.Name()
		}
		if s == "" {
			s = fmt.Sprintf("%s\n\t%s:%d", name, file, line)
		} else {
			s += fmt.Sprintf("\n%s\n\t%s:%d", name, file, line)
		}
	}
	return s
}
