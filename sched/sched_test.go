package sched

import (
	"testing"

	"rastakernel/abi"
	"rastakernel/mem"
	"rastakernel/vm"
)

type fakeClock struct{ now uint64 }

func (c *fakeClock) Now() uint64 { return c.now }

type fakeRebooter struct{ rebooted bool }

func (r *fakeRebooter) Reboot() { r.rebooted = true }

type fakeInitrd struct{ files map[string][]byte }

func (f *fakeInitrd) Lookup(name string) ([]byte, bool) {
	b, ok := f.files[name]
	return b, ok
}

type fakeLoader struct {
	entry uint32
	err   error
}

func (f *fakeLoader) Load(as *vm.AddrSpace_t, image []byte) (uint32, error) {
	return f.entry, f.err
}

func freshPMM(npages int) *mem.Physmem_t {
	p := &mem.Physmem_t{}
	p.Init([]mem.RegionSummary{{Base: 0x400000, Len: npages * mem.PGSIZE}})
	return p
}

func freshSched(npages int) (*Sched_t, *fakeClock, *fakeRebooter) {
	p := freshPMM(npages)
	as := vm.Init(p)
	clk := &fakeClock{now: 1000}
	reb := &fakeRebooter{}
	return New(as, p, clk, reb), clk, reb
}

func TestForkAssignsDistinctPidAndReadyTask(t *testing.T) {
	s, _, _ := freshSched(32)
	pid, errc := s.Fork(Context{EAX: 42})
	if errc != 0 {
		t.Fatalf("fork failed: %v", errc)
	}
	if pid == abi.KERNEL_PID || pid == abi.INVALID_PID {
		t.Fatalf("unexpected child pid %d", pid)
	}
	info, ok := s.GetTaskInfo(pid)
	if !ok {
		t.Fatalf("expected child task to be discoverable")
	}
	_ = info
}

func TestForkChildSeesZeroReturnValue(t *testing.T) {
	s, _, _ := freshSched(32)
	pid, _ := s.Fork(Context{EAX: 0xAAAA})
	child := s.findLocked(pid)
	if child.Ctx.EAX != 0 {
		t.Fatalf("expected child EAX forced to 0, got %x", child.Ctx.EAX)
	}
}

func TestSchedulerFairnessUnderLoad(t *testing.T) {
	s, _, _ := freshSched(64)
	const n = 5
	pids := make([]abi.Pid_t, 0, n)
	for i := 0; i < n; i++ {
		pid, errc := s.Fork(Context{})
		if errc != 0 {
			t.Fatalf("fork %d failed: %v", i, errc)
		}
		pids = append(pids, pid)
	}

	ran := make(map[abi.Pid_t]bool)
	for tick := 0; tick < n+1; tick++ {
		ran[s.CurrentPid()] = true
		s.Tick(Context{})
	}
	ran[s.CurrentPid()] = true

	for _, pid := range pids {
		if !ran[pid] {
			t.Fatalf("pid %d never ran within %d ticks", pid, n+1)
		}
	}
}

func TestSleepOrderingShorterWakesFirst(t *testing.T) {
	s, clk, _ := freshSched(32)
	longPid, _ := s.Fork(Context{})
	shortPid, _ := s.Fork(Context{})

	s.Tick(Context{}) // current -> long runs
	s.current = s.findLocked(longPid)
	s.Sleep(Context{}, 100)

	s.current = s.findLocked(shortPid)
	s.Sleep(Context{}, 50)

	clk.now += 50
	s.Tick(Context{})
	if s.CurrentPid() != shortPid && s.findLocked(shortPid).state != stateReady {
		t.Fatalf("expected shorter sleep to be eligible to run first")
	}
}

func TestDeadlockWithNoDeadlinesReboots(t *testing.T) {
	s, _, reb := freshSched(32)
	pid, _ := s.Fork(Context{})
	child := s.findLocked(pid)
	s.ready = s.ready[:0]
	child.state = stateSleeping
	child.SleepDeadline = 0
	s.sleeping = append(s.sleeping, child)
	// the kernel task blocks too, so every task is sleeping and idle runs
	s.Block(Context{}, abi.INVALID_PORT, abi.INVALID_PORT)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on deadlock")
		}
		if !reb.rebooted {
			t.Fatalf("expected Reboot to be called before panic")
		}
	}()
	s.Tick(Context{})
}

func TestExitReapsAddressSpaceAndFreesPid(t *testing.T) {
	s, _, _ := freshSched(32)
	pid, _ := s.Fork(Context{})
	s.Yield(Context{}) // the child is now running
	s.Exit()

	s.Tick(Context{})

	if _, ok := s.GetTaskInfo(pid); ok {
		t.Fatalf("expected exited task to be reaped")
	}
	if s.pidBitmap&(1<<uint(pid)) != 0 {
		t.Fatalf("expected reaped pid to be freed for reuse")
	}
}

func TestWakeUnknownPidPanics(t *testing.T) {
	s, _, _ := freshSched(32)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic waking an unknown pid")
		}
	}()
	s.Wake(abi.Pid_t(17))
}

func TestBlockThenWakeCansendResumes(t *testing.T) {
	s, _, _ := freshSched(32)
	pid, _ := s.Fork(Context{})
	s.Yield(Context{}) // the child is now running
	port := abi.Port_t(5)
	s.Block(Context{}, abi.INVALID_PORT, port)

	found := false
	for _, t2 := range s.sleeping {
		if t2.Pid == pid {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected blocked task on sleeping queue")
	}

	s.WakeCansend(port)
	found = false
	for _, t2 := range s.ready {
		if t2.Pid == pid {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected WakeCansend to move blocked task to ready")
	}
}

func TestExecMissingFileLeavesTaskUnchanged(t *testing.T) {
	s, _, _ := freshSched(32)
	initrd := &fakeInitrd{files: map[string][]byte{}}
	loader := &fakeLoader{}
	if s.Exec("nope.elf", initrd, loader) {
		t.Fatalf("expected exec of missing file to fail")
	}
}

func TestExecLoadsAndRenamesTask(t *testing.T) {
	s, _, _ := freshSched(32)
	initrd := &fakeInitrd{files: map[string][]byte{"init.elf": []byte("fake-elf")}}
	loader := &fakeLoader{entry: 0x8048000}
	if !s.Exec("init.elf", initrd, loader) {
		t.Fatalf("expected exec to succeed")
	}
	if s.current.Ctx.EIP != 0x8048000 {
		t.Fatalf("expected entry point to be set from loader")
	}
	if s.current.Name != "init.elf" {
		t.Fatalf("expected task renamed to init.elf, got %q", s.current.Name)
	}
}

func TestMmapRejectsMisalignedAddr(t *testing.T) {
	s, _, _ := freshSched(32)
	if _, errc := s.Mmap(1, mem.PGSIZE, true); errc == 0 {
		t.Fatalf("expected misaligned mmap to fail")
	}
}

func TestMmapRejectsOverlap(t *testing.T) {
	s, _, _ := freshSched(32)
	va := uintptr(0x500000)
	if _, errc := s.Mmap(va, mem.PGSIZE, true); errc != 0 {
		t.Fatalf("first mmap failed: %v", errc)
	}
	if _, errc := s.Mmap(va, mem.PGSIZE, true); errc == 0 {
		t.Fatalf("expected overlapping mmap to fail")
	}
}

func TestQueueIntegrityCurrentOnReadyPanics(t *testing.T) {
	s, _, _ := freshSched(32)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic when current task is also queued")
		}
	}()
	s.ready = append(s.ready, s.current)
	s.assertQueueIntegrityLocked()
}
