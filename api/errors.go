// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error values shared by the reactor, the buffer pool and the servers.

package api

import "errors"

// Common errors used across the module.
var (
	// ErrInvalidTag is returned when a completion carries user data that no
	// submitted operation could have produced.
	ErrInvalidTag = errors.New("invalid operation tag")

	// ErrSlotNotAllocated is returned when a buffer slot is released that is
	// not currently owned by a receive.
	ErrSlotNotAllocated = errors.New("buffer slot not allocated")

	// ErrPoolExhausted is returned when the buffer pool reached its slot ceiling.
	ErrPoolExhausted = errors.New("buffer pool exhausted")

	// ErrServerClosed is returned by Run after Close.
	ErrServerClosed = errors.New("server closed")
)
