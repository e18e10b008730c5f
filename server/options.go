// File: server/options.go
// Package server defines functional options for both backends.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build linux
// +build linux

package server

import (
	"github.com/momentics/hioload-uring/control"
	"github.com/momentics/hioload-uring/reactor"
	"github.com/rs/zerolog"
)

// Option customizes server initialization.
type Option func(*options)

type options struct {
	cfg     Config
	log     zerolog.Logger
	ring    reactor.Ring
	metrics *control.Metrics
}

func buildOptions(opts []Option) options {
	o := options{cfg: DefaultConfig(), log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = control.NewMetrics()
	}
	return o
}

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *options) { o.cfg.Addr = addr }
}

// WithRingEntries overrides the requested submission queue size.
func WithRingEntries(n uint32) Option {
	return func(o *options) { o.cfg.RingEntries = n }
}

// WithPoolCapacity overrides the number of receive slots mapped up front.
func WithPoolCapacity(n int) Option {
	return func(o *options) { o.cfg.PoolCapacity = n }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithRing replaces the kernel ring, typically with fake.Ring.
// Ignored by the readiness backend.
func WithRing(r reactor.Ring) Option {
	return func(o *options) { o.ring = r }
}

// WithMetrics shares a metrics collector with the caller.
func WithMetrics(m *control.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
