//go:build linux
// +build linux

// File: internal/uring/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared io_uring ABI types and constants (include/uapi/linux/io_uring.h).

package uring

import "unsafe"

// Opcodes used by the responder. Values follow the kernel enum io_uring_op.
const (
	OpNop     uint8 = 0
	OpTimeout uint8 = 11
	OpAccept  uint8 = 13
	OpClose   uint8 = 19
	OpRead    uint8 = 22
	OpSend    uint8 = 26
	OpRecv    uint8 = 27
)

// Setup flags.
const (
	SetupIOPoll uint32 = 1 << iota
	SetupSQPoll
	SetupSQAff
	SetupCQSize
	SetupClamp
)

// Feature flags reported by io_uring_setup.
const (
	FeatSingleMmap uint32 = 1 << iota
	FeatNoDrop
	FeatSubmitStable
)

// Enter flags.
const (
	EnterGetEvents uint32 = 1 << iota
	EnterSQWakeup
)

// mmap offsets.
const (
	offSQRing int64 = 0
	offCQRing int64 = 0x8000000
	offSQEs   int64 = 0x10000000
)

// AcceptMultishot goes into SQE.IoPrio of an accept.
const AcceptMultishot uint16 = 1 << 0

// Completion flags.
const (
	CQEFBuffer uint32 = 1 << iota
	// CQEFMore is set while a multishot request stays armed.
	CQEFMore
	CQEFSockNonEmpty
)

// Params mirrors struct io_uring_params.
type Params struct {
	SQEntries    uint32
	CQEntries    uint32
	Flags        uint32
	SQThreadCPU  uint32
	SQThreadIdle uint32
	Features     uint32
	WQFd         uint32
	Resv         [3]uint32
	SQOff        SQRingOffsets
	CQOff        CQRingOffsets
}

// SQRingOffsets mirrors struct io_sqring_offsets.
type SQRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	UserAddr    uint64
}

// CQRingOffsets mirrors struct io_cqring_offsets.
type CQRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	CQEs        uint32
	Flags       uint32
	Resv1       uint32
	UserAddr    uint64
}

// SQE is a 64-byte submission queue entry.
type SQE struct {
	OpCode      uint8
	Flags       uint8
	IoPrio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	FileIndex   int32
	Addr3       uint64
	_           [1]uint64
}

// CQE is a 16-byte completion queue entry.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// More reports whether a multishot request that produced c is still armed.
func (c *CQE) More() bool { return c.Flags&CQEFMore != 0 }

var (
	sqeSize = unsafe.Sizeof(SQE{})
	cqeSize = unsafe.Sizeof(CQE{})
)
