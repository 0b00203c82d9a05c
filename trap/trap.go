// Package trap is the syscall dispatch table: it binds abi's syscall
// numbers to sched and ipc, translating each of the twelve calls in §6's
// ABI table into the scheduler/port operation it names, and is the single
// place a trap frame's general-purpose registers are interpreted as
// syscall arguments.
//
// A blocking syscall (MSGSEND waiting for a port to open, MSGRECV waiting
// for a message, SLEEP, YIELD, EXIT) parks the caller via sched.Block or
// sched.Sleep and switches to another task immediately, exactly as the
// hardware would: the trap frame's EIP is never advanced past the
// faulting `int` instruction, so when the task is next scheduled it
// re-enters this same syscall from the top with the same registers. A
// Result with Blocked set is the dispatcher's signal to the caller that
// this happened — there is no return value to hand back to user space
// yet, because the task hasn't resumed there.
package trap

import (
	"encoding/binary"

	"rastakernel/abi"
	"rastakernel/arch"
	"rastakernel/ipc"
	"rastakernel/sched"
	"rastakernel/vm"
)

// Result is the outcome of one Dispatch call.
type Result struct {
	Ctx     sched.Context
	Blocked bool
}

// Dispatcher wires the syscall table to the kernel's scheduler and port
// registry.
type Dispatcher struct {
	sched  *sched.Sched_t
	ports  *ipc.Table
	initrd arch.Initrd_i
	loader arch.Loader_i
}

// New builds a dispatcher bound to s, ports, and the exec collaborators.
func New(s *sched.Sched_t, ports *ipc.Table, initrd arch.Initrd_i, loader arch.Loader_i) *Dispatcher {
	return &Dispatcher{sched: s, ports: ports, initrd: initrd, loader: loader}
}

// readUserBytes copies n bytes starting at va out of as, following page
// boundaries. It reports false if any page in the range is unmapped.
func readUserBytes(as *vm.AddrSpace_t, va uintptr, n int) ([]byte, bool) {
	out := make([]byte, 0, n)
	for len(out) < n {
		pageVA := va + uintptr(len(out))
		pa, ok := as.GetPhysical(rounddownPage(pageVA))
		if !ok {
			return nil, false
		}
		frame := vm.ReadFrame(pa)
		off := int(pageVA) % vm.PageSize
		take := vm.PageSize - off
		if take > n-len(out) {
			take = n - len(out)
		}
		out = append(out, frame[off:off+take]...)
	}
	return out, true
}

// writeUserBytes copies data into as starting at va, following page
// boundaries. It reports false if any page in the range is unmapped.
func writeUserBytes(as *vm.AddrSpace_t, va uintptr, data []byte) bool {
	written := 0
	for written < len(data) {
		pageVA := va + uintptr(written)
		pa, ok := as.GetPhysical(rounddownPage(pageVA))
		if !ok {
			return false
		}
		frame := vm.ReadFrame(pa)
		off := int(pageVA) % vm.PageSize
		take := vm.PageSize - off
		if take > len(data)-written {
			take = len(data) - written
		}
		copy(frame[off:off+take], data[written:written+take])
		vm.WriteFrame(pa, frame)
		written += take
	}
	return true
}

func rounddownPage(va uintptr) uintptr {
	return va - va%uintptr(vm.PageSize)
}

// readCString reads a NUL-terminated string starting at va, up to max
// bytes. Used for SETNAME and EXEC's filename argument.
func readCString(as *vm.AddrSpace_t, va uintptr, max int) (string, bool) {
	buf := make([]byte, 0, max)
	for len(buf) < max {
		b, ok := readUserBytes(as, va+uintptr(len(buf)), 1)
		if !ok {
			return "", false
		}
		if b[0] == 0 {
			return string(buf), true
		}
		buf = append(buf, b[0])
	}
	return "", false
}

// Dispatch executes one syscall with the interrupted task's context
// (EBX/ECX/EDX/ESI carry the arguments, per §6) and returns its outcome.
func (d *Dispatcher) Dispatch(num uint32, ctx sched.Context) Result {
	switch num {
	case abi.SYS_EXIT:
		d.sched.Exit()
		return Result{Blocked: true}

	case abi.SYS_YIELD:
		d.sched.Yield(ctx)
		return Result{Blocked: true}

	case abi.SYS_FORK:
		pid, errc := d.sched.Fork(ctx)
		if errc != 0 {
			ctx.EAX = uint32(int32(errc))
		} else {
			ctx.EAX = uint32(pid)
		}
		return Result{Ctx: ctx}

	case abi.SYS_SLEEP:
		millis := uint64(ctx.EBX)
		d.sched.Sleep(ctx, millis)
		return Result{Blocked: true}

	case abi.SYS_REBOOT:
		d.sched.Exit() // exits the calling task; the dispatcher has no reboot path (arch.CPU_i.Reboot is called only by sched's deadlock check and cmd/rastakernel's panic recovery)
		return Result{Blocked: true}

	case abi.SYS_SETNAME:
		as := vm.Current()
		name, ok := readCString(as, uintptr(ctx.EBX), abi.TaskNameMax)
		if !ok {
			errc := abi.EINVAL
			ctx.EAX = uint32(int32(errc))
			return Result{Ctx: ctx}
		}
		clean, errc := abi.SanitizeName(name)
		if errc != 0 {
			ctx.EAX = uint32(int32(errc))
			return Result{Ctx: ctx}
		}
		d.sched.SetCurrentName(clean)
		ctx.EAX = 0
		return Result{Ctx: ctx}

	case abi.SYS_EXEC:
		as := vm.Current()
		name, ok := readCString(as, uintptr(ctx.EBX), 256)
		if !ok {
			ctx.EAX = 0 // EXEC reports every failure as 0
			return Result{Ctx: ctx}
		}
		if !d.sched.Exec(name, d.initrd, d.loader) {
			ctx.EAX = 0
			return Result{Ctx: ctx}
		}
		// Exec rewrote the current task's saved context (EIP/ESP); there is
		// nothing further to return, the task resumes at the new image.
		return Result{Blocked: true}

	case abi.SYS_PORTOPEN:
		requested := abi.Port_t(int32(ctx.EBX))
		port := d.ports.Open(d.sched.CurrentPid(), requested)
		ctx.EAX = uint32(int32(port))
		return Result{Ctx: ctx}

	case abi.SYS_MSGSEND:
		return d.dispatchMsgSend(ctx)

	case abi.SYS_MSGRECV:
		return d.dispatchMsgRecv(ctx)

	case abi.SYS_MSGWAIT:
		return d.dispatchMsgWait(ctx)

	case abi.SYS_MSGPEEK:
		return d.dispatchMsgPeek(ctx)

	default:
		panic("trap: unknown syscall number")
	}
}

func (d *Dispatcher) dispatchMsgSend(ctx sched.Context) Result {
	port := abi.Port_t(int32(ctx.EBX))
	as := vm.Current()

	header, ok := readUserBytes(as, uintptr(ctx.ECX), abi.HeaderSize)
	if !ok {
		ctx.EAX = 0
		return Result{Ctx: ctx}
	}
	length := binary.LittleEndian.Uint32(header[16:20])

	full, ok := readUserBytes(as, uintptr(ctx.ECX), abi.HeaderSize+int(length))
	if !ok {
		ctx.EAX = 0
		return Result{Ctx: ctx}
	}
	msg, errc := abi.Unmarshal(full)
	if errc != 0 {
		ctx.EAX = 0
		return Result{Ctx: ctx}
	}
	if !msg.Verify() {
		// A bad checksum on a sender-supplied message is a user error
		// (spec.md §7), not a kernel invariant violation: msgsend just
		// reports failure. Compare the panic in ipc.Table.Recv, which
		// guards the in-kernel queued copy instead.
		ctx.EAX = 0
		return Result{Ctx: ctx}
	}

	receiver, res := d.ports.Send(d.sched.CurrentPid(), port, msg)
	if res == ipc.SendPortClosed {
		d.sched.Block(ctx, abi.INVALID_PORT, port)
		return Result{Blocked: true}
	}

	d.sched.Wake(receiver)
	ctx.EAX = 1
	d.sched.Block(ctx, abi.INVALID_PORT, abi.INVALID_PORT)
	return Result{Blocked: true}
}

func (d *Dispatcher) dispatchMsgRecv(ctx sched.Context) Result {
	port := abi.Port_t(int32(ctx.EBX))
	bufva := uintptr(ctx.ECX)
	bufsize := int(ctx.EDX)
	outsizeVA := uintptr(ctx.ESI)

	pid := d.sched.CurrentPid()
	msg, sender, res := d.ports.Recv(pid, port, bufsize)
	switch res {
	case ipc.RecvEmpty:
		d.sched.WakeCansend(port)
		d.sched.Block(ctx, port, abi.INVALID_PORT)
		return Result{Blocked: true}
	case ipc.RecvBadPort, ipc.RecvNotReceiver:
		ctx.EAX = uint32(res)
		return Result{Ctx: ctx}
	case ipc.RecvBufTooSmall:
		as := vm.Current()
		var sizebuf [4]byte
		binary.LittleEndian.PutUint32(sizebuf[:], uint32(msg.WireSize()))
		writeUserBytes(as, outsizeVA, sizebuf[:])
		ctx.EAX = uint32(res)
		return Result{Ctx: ctx}
	}

	as := vm.Current()
	writeUserBytes(as, bufva, msg.Marshal())
	d.sched.Wake(sender)
	ctx.EAX = uint32(ipc.RecvOK)
	return Result{Ctx: ctx}
}

func (d *Dispatcher) dispatchMsgWait(ctx sched.Context) Result {
	port := abi.Port_t(int32(ctx.EBX))
	pending, res := d.ports.Wait(d.sched.CurrentPid(), port)
	if res != ipc.RecvOK {
		ctx.EAX = ^uint32(0) // -1
		return Result{Ctx: ctx}
	}
	if !pending {
		d.sched.Block(ctx, port, abi.INVALID_PORT)
		return Result{Blocked: true}
	}
	ctx.EAX = 0
	return Result{Ctx: ctx}
}

func (d *Dispatcher) dispatchMsgPeek(ctx sched.Context) Result {
	port := abi.Port_t(int32(ctx.EBX))
	pending, res := d.ports.Peek(d.sched.CurrentPid(), port)
	if res != ipc.RecvOK || !pending {
		ctx.EAX = 0
	} else {
		ctx.EAX = 1
	}
	return Result{Ctx: ctx}
}

// Tick drives scheduler preemption: save the interrupted task's registers,
// requeue it, reap exited tasks, and switch to the next one.
func (d *Dispatcher) Tick(ctx sched.Context) {
	d.sched.Tick(ctx)
}
