// Package sched implements the preemptive round-robin task scheduler: the
// ready/sleeping/exited queues, fork/exec/exit/yield/sleep/block/wake, and
// the per-tick queue-integrity assertion that catches scheduler bookkeeping
// bugs (a task on two queues, two tasks sharing a pid) immediately rather
// than letting them manifest as a later, harder-to-explain crash.
package sched

import (
	"sync"

	"rastakernel/abi"
	"rastakernel/mem"
	"rastakernel/vm"
)

// maxTasks bounds the number of live (non-exited, non-reaped) tasks; pids
// are drawn from a bitmap over [0, maxTasks) and reused once a task is
// reaped, rather than handed out as an ever-increasing counter.
const maxTasks = 64

const idlePid abi.Pid_t = -2

// eflagsIF is the interrupt-enable bit of EFLAGS, set whenever a task's
// saved context is prepared to resume in a state where interrupts are on.
const eflagsIF uint32 = 1 << 9

const (
	userStackBase = vm.KernelVirtBase - 16*1024
	userStackTop  = userStackBase + uintptr(vm.PageSize)
)

// Clock abstracts the millisecond tick counter the scheduler uses for
// sleep deadlines, so tests can drive time without a real timer.
type Clock interface {
	Now() uint64
}

// Rebooter is invoked when the tick finds no task it could ever resume
// (every task sleeping, none with a deadline): a genuine deadlock.
type Rebooter interface {
	Reboot()
}

// Context is a task's saved register state. It is deliberately smaller
// than a real x86 trap frame (no segment selectors): this kernel models
// privilege level as Ring rather than a GDT selector, since there is no
// real CPU underneath to enforce one.
type Context struct {
	EAX, EBX, ECX, EDX, ESI, EDI, EBP uint32
	ESP, EIP, EFlags                  uint32
	Ring                              int
}

type state int

const (
	stateReady state = iota
	stateRunning
	stateSleeping
	stateExited
)

// Task_t is the kernel's schedulable entity: a pid, a name, an address
// space, a saved context, and the wait fields that describe why it is
// sleeping.
type Task_t struct {
	Pid             abi.Pid_t
	Name            string
	AS              *vm.AddrSpace_t
	Ctx             Context
	WaitCanRecvPort abi.Port_t
	WaitCanSendPort abi.Port_t
	SleepDeadline   uint64

	state state
}

// TaskInfo is the read-only view of a task returned by GetTaskInfo.
type TaskInfo struct {
	Pid  abi.Pid_t
	Name string
}

// Initrd looks up a file image by name for exec.
type Initrd interface {
	Lookup(name string) ([]byte, bool)
}

// Loader loads an ELF image into an address space and returns its entry
// point.
type Loader interface {
	Load(as *vm.AddrSpace_t, image []byte) (entry uint32, err error)
}

// Sched_t is the kernel-wide scheduler. The zero value is not usable;
// construct with New.
type Sched_t struct {
	mu sync.Mutex

	pmm   *mem.Physmem_t
	clock Clock
	boot  Rebooter

	pidBitmap uint64

	ready    []*Task_t
	sleeping []*Task_t
	exited   []*Task_t
	current  *Task_t
	idle     *Task_t
}

// New creates the scheduler with the kernel task running in bootAS (the
// address space vm.Init already built) and a private idle task that never
// appears on any queue.
func New(bootAS *vm.AddrSpace_t, pmm *mem.Physmem_t, clock Clock, boot Rebooter) *Sched_t {
	s := &Sched_t{pmm: pmm, clock: clock, boot: boot}
	s.pidBitmap = 1 // pid 0 reserved for the kernel task, never freed

	kernelTask := &Task_t{Pid: abi.KERNEL_PID, Name: "kernel_task", AS: bootAS, state: stateRunning}
	s.current = kernelTask

	idleAS := vm.NewAddrSpace(pmm)
	s.idle = &Task_t{Pid: idlePid, Name: "idle_task", AS: idleAS, state: stateRunning}
	return s
}

func (s *Sched_t) allocPidLocked() (abi.Pid_t, bool) {
	for i := 1; i < maxTasks; i++ {
		bit := uint64(1) << uint(i)
		if s.pidBitmap&bit == 0 {
			s.pidBitmap |= bit
			return abi.Pid_t(i), true
		}
	}
	return abi.INVALID_PID, false
}

func (s *Sched_t) freePidLocked(pid abi.Pid_t) {
	s.pidBitmap &^= uint64(1) << uint(pid)
}

func (s *Sched_t) findLocked(pid abi.Pid_t) *Task_t {
	if s.current != nil && s.current.Pid == pid {
		return s.current
	}
	if s.idle.Pid == pid {
		return s.idle
	}
	for _, t := range s.ready {
		if t.Pid == pid {
			return t
		}
	}
	for _, t := range s.sleeping {
		if t.Pid == pid {
			return t
		}
	}
	return nil
}

// GetTaskInfo reports the name of a live task by pid.
func (s *Sched_t) GetTaskInfo(pid abi.Pid_t) (TaskInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findLocked(pid)
	if t == nil {
		return TaskInfo{}, false
	}
	return TaskInfo{Pid: t.Pid, Name: t.Name}, true
}

// CurrentPid returns the running task's pid.
func (s *Sched_t) CurrentPid() abi.Pid_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return abi.INVALID_PID
	}
	return s.current.Pid
}

// CurrentName returns the running task's name.
func (s *Sched_t) CurrentName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.Name
}

// SetCurrentName renames the running task (SYS_SETNAME).
func (s *Sched_t) SetCurrentName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Name = name
}

// TaskSnapshot is a point-in-time read of one task's scheduling state, for
// diagnostics (diag.TaskProfile) rather than control flow.
type TaskSnapshot struct {
	Pid           abi.Pid_t
	Name          string
	State         string
	SleepDeadline uint64
}

func stateName(st state) string {
	switch st {
	case stateReady:
		return "ready"
	case stateRunning:
		return "running"
	case stateSleeping:
		return "sleeping"
	case stateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// AllTasks returns a snapshot of every task the scheduler currently knows
// about: the running task, idle, and every queued task.
func (s *Sched_t) AllTasks() []TaskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := func(t *Task_t) TaskSnapshot {
		st := stateName(t.state)
		if t == s.idle {
			st = "idle"
		}
		return TaskSnapshot{Pid: t.Pid, Name: t.Name, State: st, SleepDeadline: t.SleepDeadline}
	}

	out := make([]TaskSnapshot, 0, len(s.ready)+len(s.sleeping)+len(s.exited)+2)
	out = append(out, snap(s.current), snap(s.idle))
	for _, t := range s.ready {
		out = append(out, snap(t))
	}
	for _, t := range s.sleeping {
		out = append(out, snap(t))
	}
	for _, t := range s.exited {
		out = append(out, snap(t))
	}
	return out
}

func (s *Sched_t) assertQueueIntegrityLocked() {
	var seen uint64
	check := func(t *Task_t) {
		if t == s.current || t == s.idle {
			panic("sched: the running or idle task is present on a queue")
		}
		bit := uint64(1) << uint(t.Pid)
		if seen&bit != 0 {
			panic("sched: two tasks share a pid")
		}
		seen |= bit
	}
	for _, t := range s.ready {
		check(t)
	}
	for _, t := range s.sleeping {
		check(t)
	}
	for _, t := range s.exited {
		check(t)
	}
}

// reschedule picks the next task to run — a sleeper whose deadline has
// arrived, else the head of ready, else idle — installs it as current,
// runs the queue-integrity check, and switches address spaces.
func (s *Sched_t) reschedule() {
	now := s.clock.Now()
	var next *Task_t
	for i, t := range s.sleeping {
		if t.SleepDeadline != 0 && now >= t.SleepDeadline {
			next = t
			s.sleeping = append(s.sleeping[:i], s.sleeping[i+1:]...)
			break
		}
	}
	if next == nil && len(s.ready) > 0 {
		next = s.ready[0]
		s.ready = s.ready[1:]
	}
	if next == nil {
		next = s.idle
	}

	next.state = stateRunning
	s.current = next
	s.assertQueueIntegrityLocked()
	vm.Switch(next.AS)
}

// Tick is the timer preemption entry point: save the interrupted task's
// context, requeue it (unless it is idle), reap exited tasks, detect
// deadlock, and switch to the next task.
func (s *Sched_t) Tick(regs Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.Ctx = regs
	if s.current != s.idle {
		s.current.state = stateReady
		s.ready = append(s.ready, s.current)
	}

	for _, t := range s.exited {
		t.AS.DestroyAddressSpace()
		s.freePidLocked(t.Pid)
	}
	s.exited = s.exited[:0]

	anyDeadline := false
	for _, t := range s.sleeping {
		if t.SleepDeadline != 0 {
			anyDeadline = true
			break
		}
	}
	if len(s.ready) == 0 && !anyDeadline {
		if s.boot != nil {
			s.boot.Reboot()
		}
		panic("sched: deadlock, no task can ever become runnable")
	}

	s.reschedule()
}

// Yield puts the running task back onto ready and switches to the next
// one (SYS_YIELD).
func (s *Sched_t) Yield(regs Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Ctx = regs
	if s.current != s.idle {
		s.current.state = stateReady
		s.ready = append(s.ready, s.current)
	}
	s.reschedule()
}

// Fork clones the running task's address space and enqueues the child on
// ready. It returns the child's pid to the caller (the parent); the
// child's own saved context has EAX forced to zero, so that when it is
// eventually resumed its syscall return value reads as zero.
func (s *Sched_t) Fork(regs Context) (abi.Pid_t, abi.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid, ok := s.allocPidLocked()
	if !ok {
		return abi.INVALID_PID, abi.ENOMEM
	}
	childAS := s.current.AS.CloneAddressSpace()
	if childAS == nil {
		s.freePidLocked(pid)
		return abi.INVALID_PID, abi.ENOMEM
	}

	child := &Task_t{Pid: pid, Name: s.current.Name, AS: childAS, Ctx: regs, state: stateReady}
	child.Ctx.EAX = 0
	s.ready = append(s.ready, child)
	return pid, 0
}

// Exit moves the running task to exited (reaped on the next Tick) and
// switches to the next task (SYS_EXIT). It never returns to the caller.
func (s *Sched_t) Exit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.state = stateExited
	s.exited = append(s.exited, s.current)
	s.reschedule()
}

// Sleep puts the running task to sleep for millis milliseconds
// (abi.SleepInfinite meaning no deadline — only an explicit Wake resumes
// it) and switches to the next task (SYS_SLEEP).
func (s *Sched_t) Sleep(regs Context, millis uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Ctx = regs
	s.current.WaitCanRecvPort = abi.INVALID_PORT
	s.current.WaitCanSendPort = abi.INVALID_PORT
	if millis == abi.SleepInfinite {
		s.current.SleepDeadline = 0
	} else {
		s.current.SleepDeadline = s.clock.Now() + millis
	}
	s.current.state = stateSleeping
	s.sleeping = append(s.sleeping, s.current)
	s.reschedule()
}

// Block puts the running task to sleep until an explicit Wake, recording
// which ports it is waiting to receive from or send to so IPC can find it.
func (s *Sched_t) Block(regs Context, canrecv, cansend abi.Port_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Ctx = regs
	s.current.WaitCanRecvPort = canrecv
	s.current.WaitCanSendPort = cansend
	s.current.SleepDeadline = 0
	s.current.state = stateSleeping
	s.sleeping = append(s.sleeping, s.current)
	s.reschedule()
}

func (s *Sched_t) wakeLocked(pid abi.Pid_t) {
	for i, t := range s.sleeping {
		if t.Pid == pid {
			s.sleeping = append(s.sleeping[:i], s.sleeping[i+1:]...)
			t.state = stateReady
			s.ready = append(s.ready, t)
			return
		}
	}
	for _, t := range s.ready {
		if t.Pid == pid {
			return
		}
	}
	if s.current != nil && s.current.Pid == pid {
		return
	}
	if s.idle.Pid == pid {
		return
	}
	panic("sched: wake of an unknown pid")
}

// Wake moves a sleeping task back onto ready. Waking a pid that names no
// live task is a programmer error and panics.
func (s *Sched_t) Wake(pid abi.Pid_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeLocked(pid)
}

// WakeCansend wakes every task blocked waiting to send to port.
func (s *Sched_t) WakeCansend(port abi.Port_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pids []abi.Pid_t
	for _, t := range s.sleeping {
		if t.WaitCanSendPort == port {
			pids = append(pids, t.Pid)
		}
	}
	for _, pid := range pids {
		s.wakeLocked(pid)
	}
}

// Exec replaces the running task's user-space image with the named initrd
// file: tears down its user mappings, loads the new ELF image, and resets
// its saved context to start at the image's entry point with a fresh user
// stack. It reports whether the file was found; per the syscall ABI this
// always surfaces as a return value of zero, so the boolean exists only
// for tests and callers that want to distinguish the two cases internally.
func (s *Sched_t) Exec(name string, initrd Initrd, loader Loader) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := initrd.Lookup(name)
	if !ok {
		return false
	}

	s.current.AS.ClearUserRange()
	entry, err := loader.Load(s.current.AS, data)
	if err != nil {
		return false
	}

	// ClearUserRange freed the old user stack page; map a fresh one.
	pa := s.pmm.Alloc()
	if pa == mem.INVALID_FRAME || !s.current.AS.Map(userStackBase, pa, vm.PTE_W|vm.PTE_U) {
		return false
	}

	s.current.Ctx.ESP = uint32(userStackTop)
	s.current.Ctx.EIP = entry
	s.current.Ctx.EFlags |= eflagsIF

	if sanitized, errc := abi.SanitizeName(name); errc == 0 {
		s.current.Name = sanitized
	} else {
		s.current.Name = name
	}
	return true
}

// JumpToUsermode maps the running task's user stack page and rewrites its
// saved context to resume in ring 3 at entry. Used once by the bootstrap
// kernel task to drop into the first user program.
func (s *Sched_t) JumpToUsermode(entry uint32) abi.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()

	pa := s.pmm.Alloc()
	if pa == mem.INVALID_FRAME {
		return abi.ENOMEM
	}
	if !s.current.AS.Map(userStackBase, pa, vm.PTE_W|vm.PTE_U) {
		return abi.ENOMEM
	}

	s.current.Ctx.ESP = uint32(userStackTop)
	s.current.Ctx.EFlags |= eflagsIF
	s.current.Ctx.EIP = entry
	s.current.Ctx.Ring = 3
	return 0
}

// Mmap maps size bytes of fresh, zero-backed memory at addr in the running
// task's address space. It is an in-kernel helper, not a syscall: nothing
// in the ABI (spec.md §6) exposes it directly, so it is free to use plain
// Err_t codes rather than a bespoke per-call return convention.
func (s *Sched_t) Mmap(addr uintptr, size int, writable bool) (uintptr, abi.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if addr%uintptr(vm.PageSize) != 0 || size <= 0 || size%vm.PageSize != 0 {
		return 0, abi.EINVAL
	}
	if addr >= userStackBase || addr+uintptr(size) > userStackBase {
		return 0, abi.EINVAL
	}
	flags := vm.PTE_U
	if writable {
		flags |= vm.PTE_W
	}

	for off := 0; off < size; off += vm.PageSize {
		va := addr + uintptr(off)
		if _, mapped := s.current.AS.GetPhysical(va); mapped {
			return 0, abi.EINVAL
		}
	}
	for off := 0; off < size; off += vm.PageSize {
		va := addr + uintptr(off)
		pa := s.pmm.Alloc()
		if pa == mem.INVALID_FRAME {
			return 0, abi.ENOMEM
		}
		vm.WriteFrame(pa, make([]byte, vm.PageSize))
		s.current.AS.Map(va, pa, flags)
	}
	return addr, 0
}
