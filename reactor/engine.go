//go:build linux
// +build linux

// File: reactor/engine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Completion engine: submission with overflow absorption, and the blocking
// wait that feeds the dispatch loop.

package reactor

import (
	"fmt"

	"code.hybscloud.com/iox"
	"github.com/momentics/hioload-uring/internal/uring"
)

// Ring is the submission/completion pair driven by the Engine.
// *uring.Ring is the production implementation.
type Ring interface {
	// Push places sqe on the submission queue, or returns iox.ErrWouldBlock
	// when the queue is full.
	Push(sqe *uring.SQE) error

	// Submit hands pushed entries to the kernel and waits for at least
	// waitNr completions. A would-block error means the kernel is applying
	// completion backpressure.
	Submit(waitNr uint32) (int, error)

	// Reap appends ready completions to dst.
	Reap(dst []uring.CQE) []uring.CQE

	Close() error
}

// Engine owns a ring and its backlog. It is driven by a single goroutine.
type Engine struct {
	ring      Ring
	backlog   *Backlog
	overflows uint64
	backoff   iox.Backoff
}

// NewEngine wraps ring.
func NewEngine(ring Ring) *Engine {
	return &Engine{ring: ring, backlog: NewBacklog()}
}

// Submit queues sqe for the kernel. When the submission queue is full, or
// older entries are still waiting in the backlog, sqe joins the backlog
// tail instead. It never blocks and never fails.
func (e *Engine) Submit(sqe uring.SQE) {
	if e.backlog.Len() == 0 {
		if err := e.ring.Push(&sqe); err == nil {
			return
		}
	}
	e.overflows++
	e.backlog.Push(sqe)
}

// WaitAndDrain moves as much of the backlog onto the ring as fits, submits,
// blocks until at least one completion is ready and appends every ready
// completion to dst. The returned batch may be empty after an interrupted
// wait. Errors are ring-wide and fatal.
func (e *Engine) WaitAndDrain(dst []uring.CQE) ([]uring.CQE, error) {
	if err := e.drain(); err != nil {
		return dst, err
	}
	for {
		_, err := e.ring.Submit(1)
		if err == nil {
			e.backoff.Reset()
			return e.ring.Reap(dst), nil
		}
		if !iox.IsWouldBlock(err) {
			return dst, fmt.Errorf("ring wait: %w", err)
		}
		// Completion backpressure: consuming completions is what relieves it.
		if out := e.ring.Reap(dst); len(out) > len(dst) {
			return out, nil
		}
		e.backoff.Wait()
	}
}

// drain pushes backlog entries in order until the backlog is empty or the
// kernel refuses more work for now.
func (e *Engine) drain() error {
	for e.backlog.Len() > 0 {
		sqe, _ := e.backlog.Peek()
		err := e.ring.Push(&sqe)
		if err == nil {
			e.backlog.Pop()
			continue
		}
		if !iox.IsWouldBlock(err) {
			return fmt.Errorf("ring push: %w", err)
		}
		// Submission queue full: flush it to the kernel to make room.
		n, err := e.ring.Submit(0)
		if err != nil {
			if iox.IsWouldBlock(err) {
				return nil
			}
			return fmt.Errorf("ring submit: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

// BacklogLen returns the number of entries waiting for ring space.
func (e *Engine) BacklogLen() int { return e.backlog.Len() }

// Overflows returns how many submissions went through the backlog.
func (e *Engine) Overflows() uint64 { return e.overflows }

// Close closes the ring. Backlogged entries are discarded.
func (e *Engine) Close() error { return e.ring.Close() }
