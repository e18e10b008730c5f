// File: server/run.go
// Package server implements the event loop of the completion backend.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build linux
// +build linux

package server

import (
	"runtime"

	"github.com/momentics/hioload-uring/api"
)

// Run pins the calling goroutine to its OS thread and processes completions
// until Shutdown is observed. A returned error is fatal to the server.
func (s *Server) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.log.Info().Str("addr", s.Addr()).Msg("listening")
	s.Start()
	for !s.stopping {
		if err := s.Step(); err != nil {
			return err
		}
	}
	s.log.Info().Object("metrics", s.metrics.Snapshot()).Msg("event loop stopped")
	return nil
}

// Step performs one cycle: drain the backlog, wait for at least one
// completion, then dispatch the whole batch in ring order.
func (s *Server) Step() error {
	if s.closed.Load() {
		return api.ErrServerClosed
	}
	batch, err := s.engine.WaitAndDrain(s.cqes[:0])
	if err != nil {
		return err
	}
	for i := range batch {
		s.dispatch(&batch[i])
	}
	s.cqes = batch[:0]
	s.publish()
	return nil
}
