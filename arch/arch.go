// Package arch names the contracts between the kernel core and the
// hardware/external collaborators it needs but does not itself implement:
// the timer that drives preemption, the ELF loader and initrd exec reads
// from, and the debug sink diagnostics are written to. Every freestanding
// concern spec.md's Non-goals exclude a real implementation of (SMP,
// interrupt controllers, a real boot loader) still needs a seam here so the
// rest of the kernel can be driven and tested without them.
package arch

import "rastakernel/vm"

// CPU_i is the subset of hardware control the kernel core calls directly:
// rebooting on an unrecoverable fault or scheduler deadlock, and reading
// bytes out of an address space for disassembly during a crash dump.
type CPU_i interface {
	Reboot()
	ReadBytes(as *vm.AddrSpace_t, va uintptr, n int) []byte
}

// Timer_i is the source of the millisecond tick the scheduler uses for
// sleep deadlines (sched.Clock) and preemption.
type Timer_i interface {
	Now() uint64
}

// Loader_i loads an ELF image into as and returns its entry point. Used by
// exec (§4.4) to replace a task's user-space image.
type Loader_i interface {
	Load(as *vm.AddrSpace_t, image []byte) (entry uint32, err error)
}

// Initrd_i looks up a file by name in the read-only boot archive exec
// resolves names against.
type Initrd_i interface {
	Lookup(name string) ([]byte, bool)
}

// DebugSink_i is the serial/debug-port output diagnostics and task profiles
// are written to (diag.Dump, diag.TaskProfile).
type DebugSink_i interface {
	Write(p []byte) (n int, err error)
}
