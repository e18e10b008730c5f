//go:build linux
// +build linux

// File: internal/uring/ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// io_uring instance: setup, ring mapping, submission and completion.

package uring

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
	"golang.org/x/sys/unix"
)

// Ring is a mapped io_uring instance.
type Ring struct {
	fd       int
	features uint32

	sqRing   []byte
	cqRing   []byte
	sqeMem   []byte
	sharedCQ bool

	// Kernel-shared submission ring fields.
	sqKHead *uint32
	sqKTail *uint32
	sqMask  uint32
	sqSize  uint32
	sqArray []uint32
	sqes    []SQE

	// Local tail; published to sqKTail on flush.
	sqTail uint32

	cqKHead *uint32
	cqKTail *uint32
	cqMask  uint32
	cqes    []CQE

	closed bool
}

// Setup creates a ring with at least entries submission slots (clamped by
// the kernel) and maps its queues.
func Setup(entries uint32) (*Ring, error) {
	var p Params
	p.Flags = SetupClamp
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, os.NewSyscallError("io_uring_setup", errno)
	}
	r := &Ring{fd: int(fd), features: p.Features}
	if err := r.mmap(&p); err != nil {
		unix.Close(r.fd)
		return nil, fmt.Errorf("io_uring mmap: %w", err)
	}
	return r, nil
}

func (r *Ring) mmap(p *Params) error {
	sqLen := int(p.SQOff.Array) + int(p.SQEntries)*4
	cqLen := int(p.CQOff.CQEs) + int(p.CQEntries)*int(cqeSize)
	single := p.Features&FeatSingleMmap != 0
	if single && cqLen > sqLen {
		sqLen = cqLen
	}

	var err error
	r.sqRing, err = unix.Mmap(r.fd, offSQRing, sqLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("sq ring: %w", err)
	}
	if single {
		r.cqRing = r.sqRing
		r.sharedCQ = true
	} else {
		r.cqRing, err = unix.Mmap(r.fd, offCQRing, cqLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			r.unmap()
			return fmt.Errorf("cq ring: %w", err)
		}
	}
	r.sqeMem, err = unix.Mmap(r.fd, offSQEs, int(p.SQEntries)*int(sqeSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		r.unmap()
		return fmt.Errorf("sqes: %w", err)
	}

	sq := unsafe.Pointer(&r.sqRing[0])
	r.sqKHead = (*uint32)(unsafe.Add(sq, p.SQOff.Head))
	r.sqKTail = (*uint32)(unsafe.Add(sq, p.SQOff.Tail))
	r.sqMask = *(*uint32)(unsafe.Add(sq, p.SQOff.RingMask))
	r.sqSize = *(*uint32)(unsafe.Add(sq, p.SQOff.RingEntries))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Add(sq, p.SQOff.Array)), r.sqSize)
	r.sqes = unsafe.Slice((*SQE)(unsafe.Pointer(&r.sqeMem[0])), r.sqSize)
	r.sqTail = atomic.LoadUint32(r.sqKTail)

	cq := unsafe.Pointer(&r.cqRing[0])
	r.cqKHead = (*uint32)(unsafe.Add(cq, p.CQOff.Head))
	r.cqKTail = (*uint32)(unsafe.Add(cq, p.CQOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cq, p.CQOff.RingMask))
	cqEntries := *(*uint32)(unsafe.Add(cq, p.CQOff.RingEntries))
	r.cqes = unsafe.Slice((*CQE)(unsafe.Add(cq, p.CQOff.CQEs)), cqEntries)
	return nil
}

func (r *Ring) unmap() {
	if r.sqeMem != nil {
		unix.Munmap(r.sqeMem)
		r.sqeMem = nil
	}
	if r.cqRing != nil && !r.sharedCQ {
		unix.Munmap(r.cqRing)
	}
	r.cqRing = nil
	if r.sqRing != nil {
		unix.Munmap(r.sqRing)
		r.sqRing = nil
	}
}

// Entries returns the submission queue size granted by the kernel.
func (r *Ring) Entries() uint32 { return r.sqSize }

// Features returns the IORING_FEAT_* bits of this ring.
func (r *Ring) Features() uint32 { return r.features }

// Space returns the number of free submission slots.
func (r *Ring) Space() uint32 {
	return r.sqSize - (r.sqTail - atomic.LoadUint32(r.sqKHead))
}

// Push copies sqe into the next free submission slot. It returns
// iox.ErrWouldBlock when the submission queue is full; the entry becomes
// visible to the kernel on the next Submit.
func (r *Ring) Push(sqe *SQE) error {
	if r.sqTail-atomic.LoadUint32(r.sqKHead) >= r.sqSize {
		return iox.ErrWouldBlock
	}
	idx := r.sqTail & r.sqMask
	r.sqes[idx] = *sqe
	r.sqArray[idx] = idx
	r.sqTail++
	return nil
}

// Submit publishes pushed entries and enters the kernel, waiting for at
// least waitNr completions. EINTR with nothing submitted is retried;
// EAGAIN and EBUSY are reported as iox.ErrWouldBlock so the caller can
// reap completions before trying again.
func (r *Ring) Submit(waitNr uint32) (int, error) {
	atomic.StoreUint32(r.sqKTail, r.sqTail)
	var flags uint32
	if waitNr > 0 {
		flags |= EnterGetEvents
	}
	sw := spin.Wait{}
	for {
		toSubmit := r.sqTail - atomic.LoadUint32(r.sqKHead)
		if toSubmit == 0 && waitNr == 0 {
			return 0, nil
		}
		n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), uintptr(toSubmit), uintptr(waitNr), uintptr(flags), 0, 0)
		switch errno {
		case 0:
			return int(n), nil
		case unix.EINTR:
			sw.Once()
		case unix.EAGAIN, unix.EBUSY:
			return 0, fmt.Errorf("io_uring_enter: %w", iox.ErrWouldBlock)
		default:
			return 0, os.NewSyscallError("io_uring_enter", errno)
		}
	}
}

// Reap appends every ready completion to dst and releases their slots
// back to the kernel.
func (r *Ring) Reap(dst []CQE) []CQE {
	head := *r.cqKHead
	tail := atomic.LoadUint32(r.cqKTail)
	for ; head != tail; head++ {
		dst = append(dst, r.cqes[head&r.cqMask])
	}
	atomic.StoreUint32(r.cqKHead, head)
	return dst
}

// Close unmaps the queues and closes the ring descriptor. Requests still
// in flight are cancelled by the kernel.
func (r *Ring) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.unmap()
	return unix.Close(r.fd)
}

// IsUnsupported reports whether err from Setup means io_uring is not
// available here (old kernel, seccomp, io_uring_disabled sysctl).
func IsUnsupported(err error) bool {
	return errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES)
}
