//go:build linux
// +build linux

// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Completion-based responder: one ring, one receive pool and one goroutine.

package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/momentics/hioload-uring/api"
	"github.com/momentics/hioload-uring/control"
	"github.com/momentics/hioload-uring/internal/uring"
	"github.com/momentics/hioload-uring/pool"
	"github.com/momentics/hioload-uring/reactor"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var _ api.Backend = (*Server)(nil)

// Server owns the listener, the ring engine, the receive pool and the wake
// eventfd. Everything except Shutdown, Addr and Metrics belongs to the
// goroutine calling Run or Step.
type Server struct {
	cfg     Config
	log     zerolog.Logger
	metrics *control.Metrics

	ln     *Listener
	engine *reactor.Engine
	pool   *pool.SlotPool

	wakeMu  sync.Mutex
	wakeFd  int
	wakeBuf [8]byte

	// acceptLog is sampled: a descriptor shortage fails every retry.
	acceptLog  zerolog.Logger
	retryDelay unix.Timespec

	multishot bool
	started   bool
	stopping  bool
	closed    atomix.Bool
	cqes      []uring.CQE
}

// New binds the listener, sets up the ring and maps the receive pool.
func New(opts ...Option) (*Server, error) {
	o := buildOptions(opts)
	s := &Server{
		cfg:       o.cfg,
		log:       o.log,
		metrics:   o.metrics,
		wakeFd:    -1,
		multishot: true,
		acceptLog: o.log.Sample(&zerolog.BurstSampler{Burst: 4, Period: time.Second}),
	}
	s.retryDelay = unix.NsecToTimespec(o.cfg.AcceptRetry.Nanoseconds())

	ln, err := Listen(o.cfg.Addr, o.cfg.ListenBacklog, false)
	if err != nil {
		return nil, err
	}
	s.ln = ln

	ring := o.ring
	if ring == nil {
		r, err := uring.Setup(o.cfg.RingEntries)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("ring setup: %w", err)
		}
		s.log.Debug().
			Uint32("entries", r.Entries()).
			Bool("single_mmap", r.Features()&uring.FeatSingleMmap != 0).
			Bool("nodrop", r.Features()&uring.FeatNoDrop != 0).
			Msg("ring ready")
		ring = r
	}
	s.engine = reactor.NewEngine(ring)

	if s.pool, err = pool.New(o.cfg.PoolCapacity, o.cfg.BufferSize); err != nil {
		s.engine.Close()
		ln.Close()
		return nil, err
	}
	if s.wakeFd, err = unix.Eventfd(0, unix.EFD_CLOEXEC); err != nil {
		s.pool.Close()
		s.engine.Close()
		ln.Close()
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	s.cqes = make([]uring.CQE, 0, o.cfg.RingEntries*2)
	s.publish()
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.ln.Addr() }

// Metrics returns the live metrics collector.
func (s *Server) Metrics() *control.Metrics { return s.metrics }

// Start arms the listener accept and the wake read. Run calls it; tests
// driving Step call it directly. Repeated calls do nothing.
func (s *Server) Start() {
	if s.started {
		return
	}
	s.started = true
	s.armAccept()
	s.engine.Submit(uring.PrepRead(s.wakeFd, s.wakeBuf[:], reactor.WakeOp().Encode()))
}

// Stopped reports whether the wake completion has been processed.
func (s *Server) Stopped() bool { return s.stopping }

// Shutdown wakes the loop; Run returns after finishing the current batch.
// Safe to call from any goroutine and more than once.
func (s *Server) Shutdown() error {
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

// Close tears down the ring, then releases the rest. Call it after Run
// returns. Ring teardown finishes asynchronously in the kernel, so receive
// buffers still owned by a cancelled receive are left mapped until exit.
func (s *Server) Close() error {
	if s.closed.Load() {
		return nil
	}
	s.closed.Store(true)
	errs := []error{s.engine.Close()}
	if n := s.pool.InUse(); n > 0 {
		s.log.Debug().Int("slots", n).Msg("receive buffers left mapped")
	} else {
		errs = append(errs, s.pool.Close())
	}
	errs = append(errs, s.ln.Close())
	s.wakeMu.Lock()
	errs = append(errs, unix.Close(s.wakeFd))
	s.wakeFd = -1
	s.wakeMu.Unlock()
	return errors.Join(errs...)
}

func (s *Server) publish() {
	s.metrics.SetSlots(s.pool.InUse(), s.pool.Cap())
	s.metrics.SetBacklog(s.engine.BacklogLen(), s.engine.Overflows())
}
