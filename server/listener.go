//go:build linux
// +build linux

// File: server/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listening socket bootstrap shared by both backends.

package server

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Listener is a bound, listening IPv4 TCP socket.
type Listener struct {
	fd   int
	addr string
}

// Listen binds addr ("ip:port", port 0 picks a free one) and starts listening.
func Listen(addr string, backlog int, nonblocking bool) (*Listener, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", addr, err)
	}
	if !ap.Addr().Is4() {
		return nil, fmt.Errorf("listen %q: only IPv4 is supported", addr)
	}
	typ := unix.SOCK_STREAM | unix.SOCK_CLOEXEC
	if nonblocking {
		typ |= unix.SOCK_NONBLOCK
	}
	fd, err := unix.Socket(unix.AF_INET, typ, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket create: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	l := &Listener{fd: fd, addr: addr}
	if bound, err := unix.Getsockname(fd); err == nil {
		if in4, ok := bound.(*unix.SockaddrInet4); ok {
			l.addr = netip.AddrPortFrom(netip.AddrFrom4(in4.Addr), uint16(in4.Port)).String()
		}
	}
	return l, nil
}

// Fd returns the socket descriptor.
func (l *Listener) Fd() int { return l.fd }

// Addr returns the bound address with the actual port.
func (l *Listener) Addr() string { return l.addr }

// Close closes the socket.
func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = -1
	return err
}
