//go:build linux
// +build linux

// File: reactor/backlog.go
// Author: momentics <momentics@gmail.com>
//
// FIFO holding area for submissions that did not fit the ring.

package reactor

import (
	"github.com/eapache/queue"
	"github.com/momentics/hioload-uring/internal/uring"
)

// Backlog keeps prepared entries in arrival order until the ring has room.
type Backlog struct {
	q *queue.Queue
}

// NewBacklog returns an empty backlog.
func NewBacklog() *Backlog {
	return &Backlog{q: queue.New()}
}

// Push appends sqe at the tail.
func (b *Backlog) Push(sqe uring.SQE) {
	b.q.Add(sqe)
}

// Peek returns the head without removing it.
func (b *Backlog) Peek() (uring.SQE, bool) {
	if b.q.Length() == 0 {
		return uring.SQE{}, false
	}
	return b.q.Peek().(uring.SQE), true
}

// Pop removes and returns the head.
func (b *Backlog) Pop() (uring.SQE, bool) {
	if b.q.Length() == 0 {
		return uring.SQE{}, false
	}
	return b.q.Remove().(uring.SQE), true
}

// Len returns the number of waiting entries.
func (b *Backlog) Len() int {
	return b.q.Length()
}
