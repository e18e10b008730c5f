// File: reactor/op.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Operation tags. A tag is the only thing that survives the trip through the
// ring, so it is packed explicitly into the 64-bit user data:
//
//	63      56 55                32 31                 0
//	+---------+--------------------+--------------------+
//	|  kind   |     slot / off     |         fd         |
//	+---------+--------------------+--------------------+

package reactor

import (
	"fmt"

	"github.com/momentics/hioload-uring/api"
)

// OpKind is the discriminant of an operation tag. Zero is never valid.
type OpKind uint8

const (
	OpAccept OpKind = iota + 1
	OpRecv
	OpSend
	OpClose
	OpWake
	OpRetry
)

const (
	fdBits   = 32
	slotBits = 24
	kindBits = 8

	slotShift = fdBits
	kindShift = fdBits + slotBits

	fdMask   = 1<<fdBits - 1
	slotMask = 1<<slotBits - 1

	// MaxSlot is the number of distinct slot values a tag can carry.
	MaxSlot = 1 << slotBits
)

func (k OpKind) String() string {
	switch k {
	case OpAccept:
		return "accept"
	case OpRecv:
		return "recv"
	case OpSend:
		return "send"
	case OpClose:
		return "close"
	case OpWake:
		return "wake"
	case OpRetry:
		return "retry"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Op is a decoded operation tag. Slot holds the buffer slot of a receive
// and the response offset already written for a send.
type Op struct {
	Kind OpKind
	Fd   int32
	Slot uint32
}

// AcceptOp tags the listener accept.
func AcceptOp() Op { return Op{Kind: OpAccept} }

// RecvOp tags a receive on fd into buffer slot.
func RecvOp(fd int32, slot uint32) Op { return Op{Kind: OpRecv, Fd: fd, Slot: slot} }

// SendOp tags a send of the response on fd starting at byte off.
func SendOp(fd int32, off uint32) Op { return Op{Kind: OpSend, Fd: fd, Slot: off} }

// CloseOp tags a close of fd.
func CloseOp(fd int32) Op { return Op{Kind: OpClose, Fd: fd} }

// WakeOp tags the shutdown eventfd read.
func WakeOp() Op { return Op{Kind: OpWake} }

// RetryOp tags the timer that delays re-arming a failed accept.
func RetryOp() Op { return Op{Kind: OpRetry} }

// Encode packs o into ring user data. Slot must be below MaxSlot.
func (o Op) Encode() uint64 {
	if o.Slot >= MaxSlot {
		panic(fmt.Sprintf("reactor: slot %d does not fit an operation tag", o.Slot))
	}
	return uint64(o.Kind)<<kindShift | uint64(o.Slot)<<slotShift | uint64(uint32(o.Fd))
}

// DecodeOp unpacks ring user data produced by Encode.
func DecodeOp(v uint64) (Op, error) {
	kind := OpKind(v >> kindShift)
	if kind < OpAccept || kind > OpRetry {
		return Op{}, fmt.Errorf("decode %#x: %w", v, api.ErrInvalidTag)
	}
	return Op{
		Kind: kind,
		Fd:   int32(uint32(v & fdMask)),
		Slot: uint32(v >> slotShift & slotMask),
	}, nil
}

func (o Op) String() string {
	switch o.Kind {
	case OpRecv:
		return fmt.Sprintf("recv(fd=%d, slot=%d)", o.Fd, o.Slot)
	case OpSend:
		return fmt.Sprintf("send(fd=%d, off=%d)", o.Fd, o.Slot)
	case OpClose:
		return fmt.Sprintf("close(fd=%d)", o.Fd)
	default:
		return o.Kind.String()
	}
}
