//go:build linux
// +build linux

// File: internal/uring/prep.go
// Author: momentics <momentics@gmail.com>
//
// SQE constructors. Buffers handed to the kernel must stay valid and
// unmoved until the matching completion is reaped.

package uring

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// PrepNop builds a no-op entry.
func PrepNop(userData uint64) SQE {
	return SQE{OpCode: OpNop, Fd: -1, UserData: userData}
}

// PrepAccept builds an accept on a listening socket. With multishot set the
// request stays armed and completes once per incoming connection while
// CQEFMore is reported.
func PrepAccept(fd int, multishot bool, userData uint64) SQE {
	sqe := SQE{
		OpCode:   OpAccept,
		Fd:       int32(fd),
		OpFlags:  unix.SOCK_CLOEXEC,
		UserData: userData,
	}
	if multishot {
		sqe.IoPrio |= AcceptMultishot
	}
	return sqe
}

// PrepRecv builds a receive into buf.
func PrepRecv(fd int, buf []byte, userData uint64) SQE {
	return SQE{
		OpCode:   OpRecv,
		Fd:       int32(fd),
		Addr:     bufAddr(buf),
		Len:      uint32(len(buf)),
		UserData: userData,
	}
}

// PrepSend builds a send of buf. SIGPIPE is suppressed; a reset peer
// completes with -EPIPE instead.
func PrepSend(fd int, buf []byte, userData uint64) SQE {
	return SQE{
		OpCode:   OpSend,
		Fd:       int32(fd),
		Addr:     bufAddr(buf),
		Len:      uint32(len(buf)),
		OpFlags:  unix.MSG_NOSIGNAL,
		UserData: userData,
	}
}

// PrepRead builds a read at the current file position (offset -1), as
// used for eventfds and other non-seekable descriptors.
func PrepRead(fd int, buf []byte, userData uint64) SQE {
	return SQE{
		OpCode:   OpRead,
		Fd:       int32(fd),
		Off:      ^uint64(0),
		Addr:     bufAddr(buf),
		Len:      uint32(len(buf)),
		UserData: userData,
	}
}

// PrepTimeout builds a relative timeout that completes with -ETIME after
// ts. The kernel reads ts during submission.
func PrepTimeout(ts *unix.Timespec, userData uint64) SQE {
	return SQE{
		OpCode:   OpTimeout,
		Fd:       -1,
		Addr:     uint64(uintptr(unsafe.Pointer(ts))),
		Len:      1,
		UserData: userData,
	}
}

// PrepClose builds a close of fd.
func PrepClose(fd int, userData uint64) SQE {
	return SQE{OpCode: OpClose, Fd: int32(fd), UserData: userData}
}

func bufAddr(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}
