// Package archtest provides in-memory fakes for the arch package's
// hardware contracts, so the scheduler, diagnostics, and boot-wiring code
// are exercisable by ordinary go test without real hardware.
package archtest

import (
	"bytes"
	"sync"

	"rastakernel/vm"
)

// CPU is a fake arch.CPU_i. Reboot is recorded rather than acted on.
type CPU struct {
	mu         sync.Mutex
	Rebooted   bool
	RebootCount int
}

func (c *CPU) Reboot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Rebooted = true
	c.RebootCount++
}

// ReadBytes reads up to n bytes starting at va from as's mapped physical
// frame, clamped to the containing page — enough for a disassembler, which
// never needs to decode across a page boundary on its first call.
func (c *CPU) ReadBytes(as *vm.AddrSpace_t, va uintptr, n int) []byte {
	pa, ok := as.GetPhysical(va)
	if !ok {
		return nil
	}
	frame := vm.ReadFrame(pa)
	off := int(va) % vm.PageSize
	end := off + n
	if end > len(frame) {
		end = len(frame)
	}
	if off > end {
		return nil
	}
	out := make([]byte, end-off)
	copy(out, frame[off:end])
	return out
}

// Timer is a fake arch.Timer_i with a settable clock, advanced explicitly
// by tests rather than by wall time.
type Timer struct {
	mu  sync.Mutex
	now uint64
}

func NewTimer(start uint64) *Timer {
	return &Timer{now: start}
}

func (t *Timer) Now() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now
}

// Advance moves the fake clock forward by delta milliseconds.
func (t *Timer) Advance(delta uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now += delta
}

// Loader is a fake arch.Loader_i that returns a fixed entry point and never
// actually maps anything into the address space; tests that need mapped
// pages do so directly via vm.
type Loader struct {
	Entry uint32
	Err   error
}

func (l *Loader) Load(as *vm.AddrSpace_t, image []byte) (uint32, error) {
	if l.Err != nil {
		return 0, l.Err
	}
	return l.Entry, nil
}

// Initrd is a fake arch.Initrd_i backed by an in-memory map.
type Initrd struct {
	Files map[string][]byte
}

func NewInitrd() *Initrd {
	return &Initrd{Files: make(map[string][]byte)}
}

func (i *Initrd) Lookup(name string) ([]byte, bool) {
	b, ok := i.Files[name]
	return b, ok
}

// DebugSink is a fake arch.DebugSink_i backed by an in-memory buffer, so
// tests can assert on what diag wrote without a real serial port.
type DebugSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (d *DebugSink) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.Write(p)
}

func (d *DebugSink) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.String()
}

func (d *DebugSink) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, d.buf.Len())
	copy(out, d.buf.Bytes())
	return out
}
