package ipc

import (
	"testing"

	"rastakernel/abi"
	"rastakernel/kheap"
	"rastakernel/mem"
)

func newMsg(code uint32, data string) *abi.Message_t {
	return &abi.Message_t{Code: code, Len: uint32(len(data)), Data: []byte(data)}
}

type fakeMapper struct{}

func (fakeMapper) MapPage(va uintptr, pa mem.Pa_t, flags uint) bool { return true }

// freshHeap gives each test its own small kernel heap, the same way Send
// backs every queued message with a real kheap allocation.
func freshHeap(npages int) *kheap.Heap_t {
	p := &mem.Physmem_t{}
	p.Init([]mem.RegionSummary{{Base: 0x200000, Len: npages * mem.PGSIZE}})
	return kheap.Init(0x1000000, mem.PGSIZE, mem.PGSIZE*(1+npages), fakeMapper{}, p)
}

func newTable() *Table {
	return NewTable(freshHeap(16))
}

func TestPortCollisionOnReservedNumber(t *testing.T) {
	tb := newTable()
	if got := tb.Open(abi.Pid_t(1), 5); got != 5 {
		t.Fatalf("expected first open of port 5 to succeed, got %d", got)
	}
	if got := tb.Open(abi.Pid_t(2), 5); got != abi.INVALID_PORT {
		t.Fatalf("expected second open of port 5 to collide, got %d", got)
	}
}

func TestDynamicPortsAreDistinct(t *testing.T) {
	tb := newTable()
	a := tb.Open(abi.Pid_t(1), abi.INVALID_PORT)
	b := tb.Open(abi.Pid_t(1), abi.INVALID_PORT)
	if a == b {
		t.Fatalf("expected distinct dynamic port numbers, got %d twice", a)
	}
	if a < abi.DynamicPortBase || b < abi.DynamicPortBase {
		t.Fatalf("expected dynamic ports to start at %d, got %d and %d", abi.DynamicPortBase, a, b)
	}
}

func TestSendToClosedPortReportsPortClosed(t *testing.T) {
	tb := newTable()
	_, res := tb.Send(abi.Pid_t(1), abi.Port_t(9), newMsg(1, "x"))
	if res != SendPortClosed {
		t.Fatalf("expected SendPortClosed, got %v", res)
	}
}

func TestFIFOOrderingPreserved(t *testing.T) {
	tb := newTable()
	port := tb.Open(abi.Pid_t(1), abi.INVALID_PORT)

	tb.Send(abi.Pid_t(2), port, newMsg(1, "first"))
	tb.Send(abi.Pid_t(3), port, newMsg(2, "second"))
	tb.Send(abi.Pid_t(4), port, newMsg(3, "third"))

	want := []string{"first", "second", "third"}
	for _, w := range want {
		msg, _, res := tb.Recv(abi.Pid_t(1), port, 4096)
		if res != RecvOK {
			t.Fatalf("unexpected recv result %v", res)
		}
		if string(msg.Data) != w {
			t.Fatalf("fifo violated: got %q want %q", msg.Data, w)
		}
	}
}

func TestRecvNotReceiverRejected(t *testing.T) {
	tb := newTable()
	port := tb.Open(abi.Pid_t(1), abi.INVALID_PORT)
	tb.Send(abi.Pid_t(2), port, newMsg(1, "hi"))
	if _, _, res := tb.Recv(abi.Pid_t(99), port, 4096); res != RecvNotReceiver {
		t.Fatalf("expected RecvNotReceiver, got %v", res)
	}
}

func TestRecvEmptyQueueReportsEmpty(t *testing.T) {
	tb := newTable()
	port := tb.Open(abi.Pid_t(1), abi.INVALID_PORT)
	if _, _, res := tb.Recv(abi.Pid_t(1), port, 4096); res != RecvEmpty {
		t.Fatalf("expected RecvEmpty, got %v", res)
	}
}

func TestRecvBufferTooSmallLeavesQueueUntouched(t *testing.T) {
	tb := newTable()
	port := tb.Open(abi.Pid_t(1), abi.INVALID_PORT)
	msg := newMsg(1, "0123456789")
	tb.Send(abi.Pid_t(2), port, msg)

	header := abi.HeaderSize
	_, _, res := tb.Recv(abi.Pid_t(1), port, header)
	if res != RecvBufTooSmall {
		t.Fatalf("expected RecvBufTooSmall, got %v", res)
	}

	got, _, res := tb.Recv(abi.Pid_t(1), port, header+10)
	if res != RecvOK {
		t.Fatalf("expected the still-queued message to be receivable with a big-enough buffer, got %v", res)
	}
	if string(got.Data) != "0123456789" {
		t.Fatalf("message content changed across the failed and retried recv")
	}
}

func TestSendStampsSenderAndValidChecksum(t *testing.T) {
	tb := newTable()
	port := tb.Open(abi.Pid_t(1), abi.INVALID_PORT)
	msg := newMsg(7, "payload")
	receiver, res := tb.Send(abi.Pid_t(42), port, msg)
	if res != SendOK || receiver != abi.Pid_t(1) {
		t.Fatalf("unexpected send outcome: receiver=%d res=%v", receiver, res)
	}

	got, sender, recvRes := tb.Recv(abi.Pid_t(1), port, 4096)
	if recvRes != RecvOK {
		t.Fatalf("recv failed: %v", recvRes)
	}
	if sender != abi.Pid_t(42) || got.Sender != abi.Pid_t(42) {
		t.Fatalf("expected sender stamped as 42, got %d", got.Sender)
	}
	if !got.Verify() {
		t.Fatalf("expected stamped message to carry a valid checksum")
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	tb := newTable()
	port := tb.Open(abi.Pid_t(1), abi.INVALID_PORT)
	if pending, _ := tb.Peek(abi.Pid_t(1), port); pending {
		t.Fatalf("expected no pending messages on a fresh port")
	}
	tb.Send(abi.Pid_t(2), port, newMsg(1, "x"))
	if pending, _ := tb.Peek(abi.Pid_t(1), port); !pending {
		t.Fatalf("expected a pending message after send")
	}
	if _, _, res := tb.Recv(abi.Pid_t(1), port, 4096); res != RecvOK {
		t.Fatalf("expected peek to leave the message queued for recv")
	}
}
