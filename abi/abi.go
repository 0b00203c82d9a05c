// Package abi defines the stable contract between user-space tasks and the
// kernel: syscall numbers, return codes, and the message wire format. It has
// no dependency on any other kernel package so that user-space stub
// libraries (outside this module's scope) can vendor it standalone.
package abi

// Err_t is the syscall-path error convention: zero or positive is success,
// negative is a programmer-facing errno-style failure. Unlike the rest of
// the Go standard library, trap handlers cannot allocate, so Err_t is not
// the `error` interface.
type Err_t int32

// Pid_t identifies a task. INVALID_PID means "don't care" in wait fields.
type Pid_t int32

// Port_t identifies a port. INVALID_PORT means "don't care" / "allocate
// dynamically", depending on context.
type Port_t int32

const (
	/// INVALID_PID is the sentinel pid used in wait fields meaning "none".
	INVALID_PID Pid_t = -1
	/// INVALID_PORT is the sentinel port number meaning "none" or "allocate".
	INVALID_PORT Port_t = -1
	/// KERNEL_PID is reserved for the kernel task.
	KERNEL_PID Pid_t = 0
)

// Reserved port range is [0, ReservedPortCount); dynamic ports start at
// DynamicPortBase.
const (
	ReservedPortCount = 32
	DynamicPortBase   = 32
)

// Syscall numbers, per the user ABI (spec.md §6). These are load-bearing:
// changing a value breaks every compiled user binary.
const (
	SYS_EXIT     = 0
	SYS_PORTOPEN = 1
	SYS_MSGSEND  = 2
	SYS_MSGRECV  = 3
	SYS_MSGWAIT  = 4
	SYS_MSGPEEK  = 5
	SYS_YIELD    = 6
	SYS_FORK     = 7
	SYS_SETNAME  = 8
	SYS_SLEEP    = 9
	SYS_REBOOT   = 10
	SYS_EXEC     = 11
)

// MSGRECV return codes.
const (
	MsgRecvOK            = 0
	MsgRecvBadPort       = 1
	MsgRecvNotReceiver   = 2
	MsgRecvBufTooSmall   = 3
)

// SleepInfinite marks a block/sleep call as having no deadline.
const SleepInfinite uint64 = 0

// TaskNameMax bounds the length of a task name, including the NUL.
const TaskNameMax = 32

// Generic Err_t values for in-kernel helpers that sit below the syscall
// ABI (e.g. sched.Mmap) and so are free to use ordinary negative errno-style
// codes rather than the ad hoc per-syscall return conventions of §6.
const (
	EINVAL Err_t = -1
	ENOMEM Err_t = -2
	ENOENT Err_t = -3
)
