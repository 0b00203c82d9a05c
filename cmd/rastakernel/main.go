// Command rastakernel wires the kernel core together and drives its boot
// sequence: physical memory, the boot address space, the kernel heap
// (which grows through that address space), the scheduler, the port
// registry, and the syscall dispatch table, in that order. Everything below the
// subsystem wiring is freestanding-Go territory (no BIOS, no bootloader);
// the host-side CPU/Timer/DebugSink stand in for hardware a Go binary
// running under an OS cannot itself be.
package main

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"time"

	"rastakernel/abi"
	"rastakernel/diag"
	"rastakernel/ipc"
	"rastakernel/kheap"
	"rastakernel/mem"
	"rastakernel/sched"
	"rastakernel/trap"
	"rastakernel/vm"
)

// hostCPU stands in for arch.CPU_i. There is no real reset line to pull:
// Reboot only writes "*** Rebooted ***" to the sink and does not stop the
// process.
type hostCPU struct {
	sink io.Writer
}

func (c *hostCPU) Reboot() {
	fmt.Fprintln(c.sink, "*** Rebooted ***")
}

func (c *hostCPU) ReadBytes(as *vm.AddrSpace_t, va uintptr, n int) []byte {
	pa, ok := as.GetPhysical(va - va%uintptr(vm.PageSize))
	if !ok {
		return nil
	}
	frame := vm.ReadFrame(pa)
	off := int(va) % vm.PageSize
	end := off + n
	if end > len(frame) {
		end = len(frame)
	}
	out := make([]byte, end-off)
	copy(out, frame[off:end])
	return out
}

// hostTimer stands in for arch.Timer_i with wall-clock milliseconds; a
// real boot would drive this from the PIT/APIC tick instead.
type hostTimer struct{ boot time.Time }

func newHostTimer() *hostTimer { return &hostTimer{boot: time.Now()} }

func (t *hostTimer) Now() uint64 { return uint64(time.Since(t.boot).Milliseconds()) }

// dirInitrd resolves exec names against files in a directory, standing in
// for arch.Initrd_i's read-only boot archive.
type dirInitrd struct{ root string }

func (d *dirInitrd) Lookup(name string) ([]byte, bool) {
	data, err := os.ReadFile(d.root + "/" + name)
	if err != nil {
		return nil, false
	}
	return data, true
}

// elfLoader loads a 32-bit x86 ELF executable's PT_LOAD segments into an
// address space, standing in for arch.Loader_i.
type elfLoader struct{ pmm *mem.Physmem_t }

func (l *elfLoader) Load(as *vm.AddrSpace_t, image []byte) (uint32, error) {
	f, err := elf.NewFile(byteReaderAt(image))
	if err != nil {
		return 0, err
	}
	if f.Class != elf.ELFCLASS32 || f.Machine != elf.EM_386 {
		return 0, fmt.Errorf("not a 32-bit x86 executable")
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Memsz)
		n, err := prog.ReadAt(data[:prog.Filesz], 0)
		if err != nil && n != int(prog.Filesz) {
			return 0, err
		}

		flags := vm.PTE_U
		if prog.Flags&elf.PF_W != 0 {
			flags |= vm.PTE_W
		}

		base := prog.Vaddr - prog.Vaddr%uint64(vm.PageSize)
		end := prog.Vaddr + prog.Memsz
		for page := base; page < end; page += uint64(vm.PageSize) {
			pa := l.pmm.Alloc()
			if pa == mem.INVALID_FRAME {
				return 0, fmt.Errorf("out of physical memory loading segment at %#x", page)
			}
			if !as.Map(uintptr(page), pa, flags) {
				return 0, fmt.Errorf("out of physical memory for a page table mapping segment at %#x", page)
			}

			frame := vm.ReadFrame(pa)
			srcStart := int64(page) - int64(prog.Vaddr)
			for i := range frame {
				srcIdx := srcStart + int64(i)
				if srcIdx >= 0 && srcIdx < int64(len(data)) {
					frame[i] = data[srcIdx]
				}
			}
			vm.WriteFrame(pa, frame)
		}
	}
	return uint32(f.Entry), nil
}

type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// memoryMap is the boot-time layout this kernel treats as available RAM;
// a real boot reads this from the multiboot memory map instead.
var memoryMap = []mem.RegionSummary{
	{Base: 0x400000, Len: 64 * mem.PGSIZE},
}

const (
	heapStart  = kheap.Ptr(0x10000000)
	heapSize   = mem.PGSIZE
	heapMaxLen = mem.PGSIZE * 256
)

func boot(sink io.Writer) (*sched.Sched_t, *trap.Dispatcher, *hostCPU) {
	cpu := &hostCPU{sink: sink}
	timer := newHostTimer()

	pmm := &mem.Physmem_t{}
	regions := pmm.Init(memoryMap)
	for _, r := range regions {
		fmt.Fprintf(sink, "\tregion %#08x - %#08x\n", r.Base, r.Base+mem.Pa_t(r.Len))
	}

	bootAS := vm.Init(pmm)
	heap := kheap.Init(heapStart, heapSize, heapMaxLen, bootAS, pmm)

	s := sched.New(bootAS, pmm, timer, cpu)
	ports := ipc.NewTable(heap)
	initrd := &dirInitrd{root: "initrd"}
	loader := &elfLoader{pmm: pmm}
	d := trap.New(s, ports, initrd, loader)

	fmt.Fprintln(sink, "*** Booted ***")
	return s, d, cpu
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			sink := &diagSink{w: os.Stderr}
			fmt.Fprintf(os.Stderr, "panic: %v\n", r)
			cpu := &hostCPU{sink: os.Stderr}
			diag.Dump(sink, cpu, vm.Current(), diag.Fault{Ring: 0}, fmt.Sprint(r))
			cpu.Reboot()
			os.Exit(1)
		}
	}()

	_, d, _ := boot(os.Stdout)

	// With no real user-mode ELF image wired up to actually execute
	// instructions, the boot sequence ends here: the scheduler and trap
	// dispatcher are fully wired and ready for a real trap source (an
	// interrupt handler written in assembly) to drive Dispatch/Tick.
	_ = d
	_ = abi.SYS_EXIT
}

type diagSink struct{ w io.Writer }

func (d *diagSink) Write(p []byte) (int, error) { return d.w.Write(p) }
