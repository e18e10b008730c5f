//go:build linux
// +build linux

// File: server/readiness.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Readiness-based responder on edge-triggered epoll. Same external contract
// as Server, with a single scratch buffer instead of a slot pool.

package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"code.hybscloud.com/atomix"
	"github.com/momentics/hioload-uring/api"
	"github.com/momentics/hioload-uring/control"
	"github.com/momentics/hioload-uring/reactor"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var _ api.Backend = (*ReadinessServer)(nil)

// ReadinessServer serves connections from one goroutine driving a Poller.
type ReadinessServer struct {
	cfg     Config
	log     zerolog.Logger
	metrics *control.Metrics

	ln     *Listener
	poller *reactor.Poller
	buf    []byte
	// conns maps each open descriptor to whether a response is owed.
	conns map[int]bool

	wakeMu   sync.Mutex
	wakeFd   int
	stopping bool
	closed   atomix.Bool
}

// NewReadiness binds a non-blocking listener and registers it, together
// with the wake eventfd, on a fresh epoll instance.
func NewReadiness(opts ...Option) (*ReadinessServer, error) {
	o := buildOptions(opts)
	s := &ReadinessServer{
		cfg:     o.cfg,
		log:     o.log,
		metrics: o.metrics,
		buf:     make([]byte, o.cfg.BufferSize),
		conns:   make(map[int]bool),
		wakeFd:  -1,
	}
	ln, err := Listen(o.cfg.Addr, o.cfg.ListenBacklog, true)
	if err != nil {
		return nil, err
	}
	s.ln = ln
	if s.poller, err = reactor.NewPoller(128); err != nil {
		ln.Close()
		return nil, err
	}
	if s.wakeFd, err = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK); err != nil {
		s.poller.Close()
		ln.Close()
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	if err := s.poller.Register(ln.Fd(), reactor.EventRead, s.onListener); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.poller.Register(s.wakeFd, reactor.EventRead, s.onWake); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Addr returns the bound listen address.
func (s *ReadinessServer) Addr() string { return s.ln.Addr() }

// Metrics returns the live metrics collector.
func (s *ReadinessServer) Metrics() *control.Metrics { return s.metrics }

// Run polls until Shutdown is observed.
func (s *ReadinessServer) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.log.Info().Str("addr", s.Addr()).Msg("listening")
	for !s.stopping {
		if err := s.Step(-1); err != nil {
			return err
		}
	}
	s.log.Info().Object("metrics", s.metrics.Snapshot()).Msg("event loop stopped")
	return nil
}

// Step waits up to timeoutMs for readiness and handles it.
func (s *ReadinessServer) Step(timeoutMs int) error {
	if s.closed.Load() {
		return api.ErrServerClosed
	}
	_, err := s.poller.Poll(timeoutMs)
	return err
}

// Shutdown wakes the loop. Safe from any goroutine.
func (s *ReadinessServer) Shutdown() error {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	if s.wakeFd < 0 {
		return api.ErrServerClosed
	}
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(s.wakeFd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("wake: %w", err)
	}
	return nil
}

// Close closes every open connection, the poller and the listener.
func (s *ReadinessServer) Close() error {
	if s.closed.Load() {
		return nil
	}
	s.closed.Store(true)
	for fd := range s.conns {
		unix.Close(fd)
	}
	s.conns = nil
	errs := []error{s.poller.Close(), s.ln.Close()}
	s.wakeMu.Lock()
	if s.wakeFd >= 0 {
		errs = append(errs, unix.Close(s.wakeFd))
		s.wakeFd = -1
	}
	s.wakeMu.Unlock()
	return errors.Join(errs...)
}

func (s *ReadinessServer) onWake(fd int, _ reactor.FDEventType) {
	var v [8]byte
	unix.Read(fd, v[:])
	s.stopping = true
}

// onListener accepts until the backlog is empty; edge triggering will not
// report the remaining connections again.
func (s *ReadinessServer) onListener(fd int, _ reactor.FDEventType) {
	for {
		nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return
		default:
			s.metrics.Failed()
			s.log.Warn().Err(err).Msg("accept")
			return
		}
		if err := s.poller.Register(nfd, reactor.EventRead, s.onConn); err != nil {
			s.metrics.Failed()
			s.log.Warn().Err(err).Int("fd", nfd).Msg("register")
			unix.Close(nfd)
			continue
		}
		s.conns[nfd] = false
		s.metrics.Accepted()
	}
}

func (s *ReadinessServer) onConn(fd int, ev reactor.FDEventType) {
	if ev&(reactor.EventRead|reactor.EventError) != 0 {
		if !s.drain(fd) {
			s.closeConn(fd)
			return
		}
	}
	if ev&reactor.EventWrite != 0 && s.conns[fd] {
		if !s.respond(fd) {
			s.closeConn(fd)
		}
	}
}

// drain reads until EAGAIN. It reports false when the peer is gone.
func (s *ReadinessServer) drain(fd int) bool {
	got := false
	for {
		n, err := unix.Read(fd, s.buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if got {
				s.conns[fd] = true
				if err := s.poller.Modify(fd, reactor.EventRead|reactor.EventWrite); err != nil {
					s.log.Warn().Err(err).Int("fd", fd).Msg("modify")
					return false
				}
			}
			return true
		case err != nil:
			s.metrics.Failed()
			s.log.Warn().Err(err).Int("fd", fd).Msg("read")
			return false
		case n == 0:
			return false
		}
		s.metrics.Received(n)
		got = true
	}
}

// respond writes the whole response or gives up on the connection.
func (s *ReadinessServer) respond(fd int) bool {
	for {
		n, err := unix.Write(fd, Response)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			s.metrics.Failed()
			s.log.Warn().Err(err).Int("fd", fd).Msg("write")
			return false
		}
		if n < len(Response) {
			s.metrics.Failed()
			s.log.Warn().Int("fd", fd).Int("written", n).Msg("short write")
			return false
		}
		break
	}
	s.metrics.Sent()
	s.conns[fd] = false
	if err := s.poller.Modify(fd, reactor.EventRead); err != nil {
		s.log.Warn().Err(err).Int("fd", fd).Msg("modify")
		return false
	}
	return true
}

func (s *ReadinessServer) closeConn(fd int) {
	if err := s.poller.Unregister(fd); err != nil {
		s.log.Debug().Err(err).Int("fd", fd).Msg("unregister")
	}
	delete(s.conns, fd)
	unix.Close(fd)
	s.metrics.Closed()
}
