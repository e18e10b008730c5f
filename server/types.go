//go:build linux
// +build linux

package server

import (
	"time"

	"github.com/momentics/hioload-uring/pool"
	"golang.org/x/sys/unix"
)

// Config holds the compiled-in server parameters.
type Config struct {
	Addr          string // TCP bind address, e.g. "127.0.0.1:8000"
	RingEntries   uint32 // requested submission queue size
	PoolCapacity  int    // receive slots mapped up front
	BufferSize    int    // size of one receive slot
	ListenBacklog int    // listen(2) backlog

	// AcceptRetry delays re-arming accept after a descriptor shortage.
	AcceptRetry time.Duration
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		Addr:          "127.0.0.1:8000",
		RingEntries:   1024,
		PoolCapacity:  pool.DefaultCapacity,
		BufferSize:    pool.DefaultSlotSize,
		ListenBacklog: unix.SOMAXCONN,
		AcceptRetry:   50 * time.Millisecond,
	}
}
