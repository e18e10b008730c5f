//go:build linux
// +build linux

// File: pool/slots.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Slot-addressed pool of fixed-size receive buffers.

package pool

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/momentics/hioload-uring/api"
	"golang.org/x/sys/unix"
)

const (
	// DefaultSlotSize is the size of one receive buffer.
	DefaultSlotSize = 1024

	// DefaultCapacity is the number of slots mapped up front.
	DefaultCapacity = 2048

	// ChunkSlots is the growth step. Each chunk is a separate mapping, so
	// growing never moves a buffer the kernel may be writing into.
	ChunkSlots = 256

	// MaxSlots bounds the slot index to what an operation tag can carry.
	MaxSlots = 1 << 24
)

// SlotPool hands out fixed-size buffers by stable integer slot.
// It is owned by a single goroutine and is not safe for concurrent use.
type SlotPool struct {
	size   int
	chunks [][]byte
	used   *bitset.BitSet
	hint   uint // no free slot below hint
	inUse  int
	max    int
}

// New maps capacity slots (rounded up to ChunkSlots) of size bytes each.
func New(capacity, size int) (*SlotPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool: slot size %d: %w", size, unix.EINVAL)
	}
	if capacity < 0 {
		capacity = 0
	}
	p := &SlotPool{
		size: size,
		used: bitset.New(uint(capacity)),
		max:  MaxSlots,
	}
	for p.Cap() < capacity {
		if err := p.grow(); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *SlotPool) grow() error {
	mem, err := unix.Mmap(-1, 0, ChunkSlots*p.size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("pool: mmap chunk: %w", err)
	}
	p.chunks = append(p.chunks, mem)
	return nil
}

// Allocate reserves the lowest free slot, mapping a new chunk when every
// slot is taken.
func (p *SlotPool) Allocate() (int, error) {
	idx, ok := p.used.NextClear(p.hint)
	if !ok {
		idx = p.used.Len()
		if idx < p.hint {
			idx = p.hint
		}
	}
	if int(idx) >= p.max {
		return 0, api.ErrPoolExhausted
	}
	for int(idx) >= p.Cap() {
		if err := p.grow(); err != nil {
			return 0, err
		}
	}
	p.used.Set(idx)
	p.hint = idx + 1
	p.inUse++
	return int(idx), nil
}

// Release returns slot to the pool. Slots may be released in any order.
func (p *SlotPool) Release(slot int) error {
	if slot < 0 || slot >= p.Cap() || !p.used.Test(uint(slot)) {
		return fmt.Errorf("pool: release slot %d: %w", slot, api.ErrSlotNotAllocated)
	}
	p.used.Clear(uint(slot))
	p.inUse--
	if uint(slot) < p.hint {
		p.hint = uint(slot)
	}
	return nil
}

// Bytes returns the whole buffer of slot.
func (p *SlotPool) Bytes(slot int) []byte {
	chunk := p.chunks[slot/ChunkSlots]
	off := (slot % ChunkSlots) * p.size
	return chunk[off : off+p.size : off+p.size]
}

// Allocated reports whether slot is currently reserved.
func (p *SlotPool) Allocated(slot int) bool {
	return slot >= 0 && p.used.Test(uint(slot))
}

// InUse returns the number of reserved slots.
func (p *SlotPool) InUse() int { return p.inUse }

// Cap returns the number of mapped slots.
func (p *SlotPool) Cap() int { return len(p.chunks) * ChunkSlots }

// SlotSize returns the size of one buffer.
func (p *SlotPool) SlotSize() int { return p.size }

// Close unmaps every chunk. No receive may be in flight.
func (p *SlotPool) Close() error {
	var first error
	for _, c := range p.chunks {
		if err := unix.Munmap(c); err != nil && first == nil {
			first = err
		}
	}
	p.chunks = nil
	p.used = bitset.New(0)
	p.hint, p.inUse = 0, 0
	return first
}
