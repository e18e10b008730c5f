//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll poller for the readiness backend.

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FDEventType is a set of readiness conditions.
type FDEventType uint8

const (
	EventRead FDEventType = 1 << iota
	EventWrite
	EventError
)

// FDCallback handles readiness of fd.
type FDCallback func(fd int, events FDEventType)

// Poller is an edge-triggered epoll set with one callback per descriptor.
// Like the Engine it belongs to a single goroutine.
type Poller struct {
	epfd      int
	callbacks map[int]FDCallback
	events    []unix.EpollEvent
}

// NewPoller creates an epoll instance delivering up to maxEvents per Poll.
func NewPoller(maxEvents int) (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	if maxEvents <= 0 {
		maxEvents = 128
	}
	return &Poller{
		epfd:      epfd,
		callbacks: make(map[int]FDCallback),
		events:    make([]unix.EpollEvent, maxEvents),
	}, nil
}

func epollMask(events FDEventType) uint32 {
	mask := uint32(unix.EPOLLET | unix.EPOLLRDHUP)
	if events&EventRead != 0 {
		mask |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// Register adds fd with the given interest.
func (p *Poller) Register(fd int, events FDEventType, cb FDCallback) error {
	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	p.callbacks[fd] = cb
	return nil
}

// Modify replaces the interest of fd. With edge triggering this also
// re-arms conditions that are already true.
func (p *Poller) Modify(fd int, events FDEventType) error {
	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

// Unregister removes fd from the watch list.
func (p *Poller) Unregister(fd int) error {
	delete(p.callbacks, fd)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Poll waits for readiness and runs the callbacks.
// timeoutMs < 0 blocks indefinitely. EINTR is not an error.
func (p *Poller) Poll(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		cb, ok := p.callbacks[fd]
		if !ok {
			continue
		}
		var et FDEventType
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			et |= EventRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			et |= EventWrite
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			et |= EventError
		}
		cb(fd, et)
	}
	return n, nil
}

// Len returns the number of registered descriptors.
func (p *Poller) Len() int { return len(p.callbacks) }

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	p.callbacks = nil
	return unix.Close(p.epfd)
}
