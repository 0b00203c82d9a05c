// Package ipc implements port-based synchronous rendezvous IPC: port
// registration (reserved [0,32) vs dynamically allocated numbers), and the
// send/receive/wait/peek operations behind the MSGSEND/MSGRECV/MSGWAIT/
// MSGPEEK syscalls.
//
// The blocking decisions (park the caller, wake a peer) are a trap-layer
// concern: every operation here is a single synchronous step that reports
// what happened via a result code, so the syscall dispatcher can decide
// whether to retry the call after parking the caller, or return to user
// space immediately. This mirrors how the C original structures msgsend and
// msgrecv as loops around task_block, without needing this package to know
// anything about the scheduler.
//
// A queued message's wire bytes live in a kernel-heap allocation for as
// long as the message sits on its port's queue (spec.md §3, §4.5 step 3),
// freed the instant Recv successfully dequeues it (§4.5 step 5) — not when
// the Go-level Message_t the caller gets back is garbage collected.
package ipc

import (
	"sync"

	"rastakernel/abi"
	"rastakernel/kheap"
)

// SendResult reports the outcome of Send.
type SendResult int

const (
	// SendPortClosed means no task has opened the requested port; the
	// caller should block waiting for it to open and retry.
	SendPortClosed SendResult = iota
	// SendOK means the message was queued and the receiver can be woken.
	SendOK
)

// RecvResult mirrors the MSGRECV return codes (abi.MsgRecvOK etc.), plus
// RecvEmpty for the trap layer's own internal retry loop (it never reaches
// user space).
type RecvResult int

const (
	RecvOK          RecvResult = RecvResult(abi.MsgRecvOK)
	RecvBadPort     RecvResult = RecvResult(abi.MsgRecvBadPort)
	RecvNotReceiver RecvResult = RecvResult(abi.MsgRecvNotReceiver)
	RecvBufTooSmall RecvResult = RecvResult(abi.MsgRecvBufTooSmall)
	RecvEmpty       RecvResult = 100
)

// queuedMsg is one message's slot on a port's queue: ptr is its kernel-heap
// allocation, msg the decoded view callers read Sender/Code/Data from. The
// allocation, not the Go object, is what Recv frees on a successful
// dequeue.
type queuedMsg struct {
	ptr kheap.Ptr
	msg *abi.Message_t
}

type port struct {
	number   abi.Port_t
	receiver abi.Pid_t
	queue    []*queuedMsg
}

// Table is the kernel-wide port registry. The zero value is not usable;
// construct with NewTable.
type Table struct {
	mu          sync.Mutex
	heap        *kheap.Heap_t
	ports       map[abi.Port_t]*port
	reserved    uint32 // bitmask over [0, abi.ReservedPortCount)
	nextDynamic abi.Port_t
}

// NewTable creates an empty port table with no reserved numbers taken.
// Queued messages are copied into heap for the duration they sit on a
// port's queue.
func NewTable(heap *kheap.Heap_t) *Table {
	return &Table{
		heap:        heap,
		ports:       make(map[abi.Port_t]*port),
		nextDynamic: abi.DynamicPortBase,
	}
}

// Open registers owner as the receiver of a port. requested ==
// abi.INVALID_PORT allocates the next free dynamic number; otherwise
// requested must name a reserved-range number ([0, abi.ReservedPortCount))
// not already taken. Returns abi.INVALID_PORT on any failure — a collision
// on a fixed reserved number is the one case spec.md documents as a
// resource-exhaustion-style sentinel return rather than a panic, since two
// independent services racing for the same well-known port is an ordinary
// runtime occurrence, not a kernel bug.
func (t *Table) Open(owner abi.Pid_t, requested abi.Port_t) abi.Port_t {
	t.mu.Lock()
	defer t.mu.Unlock()

	var number abi.Port_t
	if requested == abi.INVALID_PORT {
		number = t.nextDynamic
		t.nextDynamic++
	} else {
		if requested < 0 || int(requested) >= abi.ReservedPortCount {
			return abi.INVALID_PORT
		}
		bit := uint32(1) << uint(requested)
		if t.reserved&bit != 0 {
			return abi.INVALID_PORT
		}
		t.reserved |= bit
		number = requested
	}

	t.ports[number] = &port{number: number, receiver: owner}
	return number
}

func (t *Table) get(number abi.Port_t) *port {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ports[number]
}

// Send copies msg into a fresh kernel-heap allocation and queues it on
// number's port, stamping it with the true sender pid and a fresh
// checksum. It returns the receiver's pid so the caller can wake it;
// SendPortClosed means the port does not exist yet, and the caller should
// block waiting for it to open (cansend = number) and call Send again
// once woken.
func (t *Table) Send(sender abi.Pid_t, number abi.Port_t, msg *abi.Message_t) (abi.Pid_t, SendResult) {
	p := t.get(number)
	if p == nil {
		return abi.INVALID_PID, SendPortClosed
	}

	msg.Sender = sender
	msg.Stamp()

	wire := msg.Marshal()
	ptr, raw := t.heap.Alloc(len(wire))
	copy(raw, wire)
	copied, errc := abi.Unmarshal(raw)
	if errc != 0 {
		panic("ipc: failed to decode a message this package itself just marshaled")
	}

	t.mu.Lock()
	p.queue = append(p.queue, &queuedMsg{ptr: ptr, msg: copied})
	receiver := p.receiver
	t.mu.Unlock()

	return receiver, SendOK
}

// Recv dequeues the oldest pending message on number for pid, pid's own
// port, freeing its kernel-heap allocation now that the caller has the
// decoded copy. If bufsize is too small for the message, the message (and
// its heap allocation) is left on the queue (RecvBufTooSmall) so a retry
// with a larger buffer can still succeed. RecvEmpty means the queue is
// empty and the caller should wake any task blocked waiting to send to
// this port, then block itself (canrecv = number) and call Recv again
// once woken.
func (t *Table) Recv(pid abi.Pid_t, number abi.Port_t, bufsize int) (*abi.Message_t, abi.Pid_t, RecvResult) {
	p := t.get(number)
	if p == nil {
		return nil, abi.INVALID_PID, RecvBadPort
	}
	if pid != p.receiver {
		return nil, abi.INVALID_PID, RecvNotReceiver
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p.queue) == 0 {
		return nil, abi.INVALID_PID, RecvEmpty
	}

	head := p.queue[0]
	msg := head.msg
	if !msg.Verify() {
		panic("ipc: corrupted message checksum")
	}
	if bufsize < msg.WireSize() {
		// Leave the message queued; the caller learns the required size
		// from msg (still theirs to read) without it being consumed.
		return msg, abi.INVALID_PID, RecvBufTooSmall
	}

	p.queue = p.queue[1:]
	t.heap.Free(head.ptr)
	return msg, msg.Sender, RecvOK
}

// Peek reports whether pid's port has a pending message without consuming
// it.
func (t *Table) Peek(pid abi.Pid_t, number abi.Port_t) (bool, RecvResult) {
	p := t.get(number)
	if p == nil {
		return false, RecvBadPort
	}
	if pid != p.receiver {
		return false, RecvNotReceiver
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(p.queue) > 0, RecvOK
}

// Wait reports the same thing Peek does; it exists as a distinct method
// because MSGWAIT and MSGPEEK are distinct syscalls with independent
// blocking semantics at the trap layer (MSGWAIT blocks until non-empty,
// MSGPEEK never blocks), even though the underlying queue check is
// identical.
func (t *Table) Wait(pid abi.Pid_t, number abi.Port_t) (bool, RecvResult) {
	return t.Peek(pid, number)
}
