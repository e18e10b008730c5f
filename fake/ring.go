//go:build linux
// +build linux

// Package fake
// Author: momentics <momentics@gmail.com>
//
// In-memory ring for testing the engine and the dispatch loop without a
// kernel io_uring. Completions are scripted by the test.

package fake

import (
	"errors"

	"code.hybscloud.com/iox"
	"github.com/momentics/hioload-uring/internal/uring"
)

// ErrIdle is returned by Submit when a wait is requested but no completion
// has been scripted; a real ring would block forever here.
var ErrIdle = errors.New("fake ring: no completions scripted")

// Ring implements reactor.Ring with a bounded submission queue.
type Ring struct {
	capacity int
	sq       []uring.SQE
	ready    []uring.CQE

	// Submitted holds every entry handed to the "kernel", in order.
	Submitted []uring.SQE
	// SubmitCalls counts Submit invocations.
	SubmitCalls int
	// SubmitErrs are returned, one per Submit call, before normal behavior
	// resumes.
	SubmitErrs []error
	// OnSubmit, when set, sees each entry as the kernel consumes it.
	OnSubmit func(sqe uring.SQE)

	Closed bool
}

// NewRing returns a ring whose submission queue holds capacity entries.
func NewRing(capacity int) *Ring {
	return &Ring{capacity: capacity}
}

// Push implements reactor.Ring.
func (r *Ring) Push(sqe *uring.SQE) error {
	if len(r.sq) >= r.capacity {
		return iox.ErrWouldBlock
	}
	r.sq = append(r.sq, *sqe)
	return nil
}

// Submit implements reactor.Ring.
func (r *Ring) Submit(waitNr uint32) (int, error) {
	r.SubmitCalls++
	if len(r.SubmitErrs) > 0 {
		err := r.SubmitErrs[0]
		r.SubmitErrs = r.SubmitErrs[1:]
		return 0, err
	}
	n := len(r.sq)
	for _, sqe := range r.sq {
		r.Submitted = append(r.Submitted, sqe)
		if r.OnSubmit != nil {
			r.OnSubmit(sqe)
		}
	}
	r.sq = r.sq[:0]
	if waitNr > 0 && len(r.ready) == 0 {
		return n, ErrIdle
	}
	return n, nil
}

// Reap implements reactor.Ring.
func (r *Ring) Reap(dst []uring.CQE) []uring.CQE {
	dst = append(dst, r.ready...)
	r.ready = r.ready[:0]
	return dst
}

// Close implements reactor.Ring.
func (r *Ring) Close() error {
	r.Closed = true
	return nil
}

// Complete scripts a completion for the next reap.
func (r *Ring) Complete(userData uint64, res int32, flags uint32) {
	r.ready = append(r.ready, uring.CQE{UserData: userData, Res: res, Flags: flags})
}

// Queued returns the number of entries pushed but not yet submitted.
func (r *Ring) Queued() int { return len(r.sq) }

// TakeSubmitted returns and forgets the entries submitted so far.
func (r *Ring) TakeSubmitted() []uring.SQE {
	out := r.Submitted
	r.Submitted = nil
	return out
}
