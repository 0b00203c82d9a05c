package diag

import (
	"strings"
	"testing"

	"rastakernel/arch/archtest"
	"rastakernel/mem"
	"rastakernel/sched"
	"rastakernel/vm"
)

func freshPMM(npages int) *mem.Physmem_t {
	p := &mem.Physmem_t{}
	p.Init([]mem.RegionSummary{{Base: 0x400000, Len: npages * mem.PGSIZE}})
	return p
}

func TestDumpDisassemblesMappedInstruction(t *testing.T) {
	p := freshPMM(8)
	as := vm.Init(p)
	pa := p.Alloc()
	va := uintptr(0x500000)
	as.Map(va, pa, vm.PTE_W|vm.PTE_U)

	frame := make([]byte, mem.PGSIZE)
	frame[0] = 0x90 // NOP
	vm.WriteFrame(pa, frame)

	cpu := &archtest.CPU{}
	sink := &archtest.DebugSink{}

	Dump(sink, cpu, as, Fault{Pid: 1, EIP: uint32(va), Ring: 3}, "test fault")

	out := sink.String()
	if !strings.Contains(out, "kernel fault: test fault") {
		t.Fatalf("expected dump header, got %q", out)
	}
	if !strings.Contains(out, "instr:") {
		t.Fatalf("expected disassembly line, got %q", out)
	}
}

func TestDumpUnreadableInstructionFallsBack(t *testing.T) {
	p := freshPMM(4)
	as := vm.Init(p)
	cpu := &archtest.CPU{}
	sink := &archtest.DebugSink{}

	Dump(sink, cpu, as, Fault{Pid: 2, EIP: 0x999000, Ring: 0}, "unmapped fault")

	if !strings.Contains(sink.String(), "unreadable") {
		t.Fatalf("expected unreadable fallback, got %q", sink.String())
	}
}

func TestTaskProfileWritesNonEmptyOutput(t *testing.T) {
	p := freshPMM(32)
	bootAS := vm.Init(p)
	clk := archtest.NewTimer(0)
	reb := &archtest.CPU{}
	s := sched.New(bootAS, p, clk, reb)
	s.Fork(sched.Context{})

	sink := &archtest.DebugSink{}
	if err := TaskProfile(sink, s); err != nil {
		t.Fatalf("TaskProfile failed: %v", err)
	}
	if len(sink.Bytes()) == 0 {
		t.Fatalf("expected non-empty pprof output")
	}
}
