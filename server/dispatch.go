//go:build linux
// +build linux

// File: server/dispatch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-connection state machine. A connection has no object of its own; its
// state is whichever tagged operation is outstanding for its descriptor.

package server

import (
	"syscall"

	"github.com/momentics/hioload-uring/internal/uring"
	"github.com/momentics/hioload-uring/reactor"
	"golang.org/x/sys/unix"
)

func (s *Server) dispatch(cqe *uring.CQE) {
	op, err := reactor.DecodeOp(cqe.UserData)
	if err != nil {
		s.log.Warn().Err(err).Uint64("user_data", cqe.UserData).Msg("ignoring completion")
		return
	}
	switch op.Kind {
	case reactor.OpAccept:
		s.onAccept(cqe)
	case reactor.OpRecv:
		s.onRecv(op, cqe.Res)
	case reactor.OpSend:
		s.onSend(op, cqe.Res)
	case reactor.OpClose:
		s.metrics.Closed()
		if cqe.Res < 0 {
			s.fail(op, cqe.Res)
		}
	case reactor.OpWake:
		s.stopping = true
	case reactor.OpRetry:
		s.armAccept()
	}
}

func (s *Server) onAccept(cqe *uring.CQE) {
	more := cqe.More()
	if cqe.Res < 0 {
		errno := syscall.Errno(-cqe.Res)
		if s.multishot && errno == unix.EINVAL && !more {
			s.log.Info().Msg("multishot accept rejected, falling back to single-shot")
			s.multishot = false
		} else {
			s.metrics.Failed()
			s.acceptLog.Warn().Err(errno).Msg("accept failed")
		}
		switch {
		case more:
		case descriptorShortage(errno):
			s.engine.Submit(uring.PrepTimeout(&s.retryDelay, reactor.RetryOp().Encode()))
		default:
			s.armAccept()
		}
		return
	}
	s.metrics.Accepted()
	s.submitRecv(cqe.Res)
	if !more {
		s.armAccept()
	}
}

func (s *Server) onRecv(op reactor.Op, res int32) {
	if err := s.pool.Release(int(op.Slot)); err != nil {
		s.log.Warn().Err(err).Stringer("op", op).Msg("release")
	}
	switch {
	case res > 0:
		s.metrics.Received(int(res))
		s.submitSend(op.Fd, 0)
	case res == 0:
		s.submitClose(op.Fd)
	default:
		s.fail(op, res)
		s.submitClose(op.Fd)
	}
}

func (s *Server) onSend(op reactor.Op, res int32) {
	if res < 0 {
		s.fail(op, res)
		s.submitClose(op.Fd)
		return
	}
	if off := op.Slot + uint32(res); res > 0 && off < uint32(len(Response)) {
		s.submitSend(op.Fd, off)
		return
	}
	s.metrics.Sent()
	s.submitRecv(op.Fd)
}

// descriptorShortage reports accept errors that repeat until the process
// or system frees descriptors or memory.
func descriptorShortage(errno syscall.Errno) bool {
	switch errno {
	case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
		return true
	}
	return false
}

func (s *Server) fail(op reactor.Op, res int32) {
	s.metrics.Failed()
	s.log.Warn().Stringer("op", op).Err(syscall.Errno(-res)).Msg("operation failed")
}

func (s *Server) armAccept() {
	s.engine.Submit(uring.PrepAccept(s.ln.Fd(), s.multishot, reactor.AcceptOp().Encode()))
}

// submitRecv reserves a slot for fd and queues the receive into it. Without
// a slot the connection cannot make progress and is closed.
func (s *Server) submitRecv(fd int32) {
	slot, err := s.pool.Allocate()
	if err != nil {
		s.metrics.Failed()
		s.log.Warn().Err(err).Int32("fd", fd).Msg("no receive buffer, closing")
		s.submitClose(fd)
		return
	}
	op := reactor.RecvOp(fd, uint32(slot))
	s.engine.Submit(uring.PrepRecv(int(fd), s.pool.Bytes(slot), op.Encode()))
}

func (s *Server) submitSend(fd int32, off uint32) {
	s.engine.Submit(uring.PrepSend(int(fd), Response[off:], reactor.SendOp(fd, off).Encode()))
}

func (s *Server) submitClose(fd int32) {
	s.engine.Submit(uring.PrepClose(int(fd), reactor.CloseOp(fd).Encode()))
}
