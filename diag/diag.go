// Package diag turns an unrecoverable kernel panic into the diagnostic
// dump spec.md promises: a register dump, a disassembly of the faulting
// instruction, and (on request) a pprof-format snapshot of every task the
// scheduler knows about — all written to the debug port before the top
// level reboots.
package diag

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/google/pprof/profile"

	"rastakernel/arch"
	"rastakernel/sched"
	"rastakernel/vm"
)

// Fault describes the CPU state at the point of an unrecoverable trap:
// ring 0 faults (kernel bugs) and unserviceable ring 3 faults (user
// programs touching unmapped memory) both end up here (§4.3 "Fault
// handling").
type Fault struct {
	Pid  int32
	EIP  uint32
	CR2  uintptr // the faulting address, for a page fault
	Ring int
	Ctx  sched.Context
}

// Dump writes a human-readable crash report to sink: the register file,
// a disassembly of the instruction at Fault.EIP (best-effort — a
// misdecoded faulting instruction is still informative as raw bytes), and
// the reason for the dump. It never returns an error: a failure to
// decode/format is itself folded into the report rather than aborting it,
// since the kernel is already past the point of recovering cleanly.
func Dump(sink arch.DebugSink_i, cpu arch.CPU_i, as *vm.AddrSpace_t, f Fault, reason string) {
	fmt.Fprintf(sink, "--- kernel fault: %s ---\n", reason)
	fmt.Fprintf(sink, "pid=%d ring=%d eip=%#08x cr2=%#08x\n", f.Pid, f.Ring, f.EIP, f.CR2)
	fmt.Fprintf(sink, "eax=%#08x ebx=%#08x ecx=%#08x edx=%#08x\n", f.Ctx.EAX, f.Ctx.EBX, f.Ctx.ECX, f.Ctx.EDX)
	fmt.Fprintf(sink, "esi=%#08x edi=%#08x ebp=%#08x esp=%#08x\n", f.Ctx.ESI, f.Ctx.EDI, f.Ctx.EBP, f.Ctx.ESP)
	fmt.Fprintf(sink, "eflags=%#08x\n", f.Ctx.EFlags)

	disasm(sink, cpu, as, f.EIP)
}

// disasm decodes and prints the instruction at va, up to the longest x86
// instruction length, falling back to a raw byte dump if decoding fails
// (truncated read, unmapped page, genuinely invalid opcode).
func disasm(sink arch.DebugSink_i, cpu arch.CPU_i, as *vm.AddrSpace_t, va uint32) {
	const maxInstrLen = 15
	raw := cpu.ReadBytes(as, uintptr(va), maxInstrLen)
	if len(raw) == 0 {
		fmt.Fprintf(sink, "instr: <unreadable at %#08x>\n", va)
		return
	}
	inst, err := x86asm.Decode(raw, 32)
	if err != nil {
		fmt.Fprintf(sink, "instr: <undecodable, bytes=% x>\n", raw)
		return
	}
	fmt.Fprintf(sink, "instr: %s\n", x86asm.GNUSyntax(inst, uint64(va), nil))
}

// TaskProfile encodes the scheduler's current task table as a pprof
// profile (one sample per task, labelled with its state) and writes the
// gzipped proto to sink. This gives `go tool pprof` a real artifact to
// load from a kernel dump in place of a bespoke text table.
func TaskProfile(sink arch.DebugSink_i, s *sched.Sched_t) error {
	tasks := s.AllTasks()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "task", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "task", Unit: "count"},
		Period:     1,
	}

	for i, t := range tasks {
		id := uint64(i + 1)
		fn := &profile.Function{
			ID:   id,
			Name: fmt.Sprintf("pid=%d name=%s state=%s", t.Pid, t.Name, t.State),
		}
		loc := &profile.Location{
			ID:   id,
			Line: []profile.Line{{Function: fn, Line: int64(t.SleepDeadline)}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{1},
		})
	}

	return p.Write(sink)
}
