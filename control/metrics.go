// File: control/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime metrics collector. Counters are striped xsync counters so the
// loop never contends with readers; gauges are plain atomics.

package control

import (
	"code.hybscloud.com/atomix"
	"github.com/puzpuzpuz/xsync/v2"
	"github.com/rs/zerolog"
)

// Metrics holds the counters and gauges of one server.
type Metrics struct {
	accepted *xsync.Counter
	received *xsync.Counter
	bytesIn  *xsync.Counter
	sent     *xsync.Counter
	closed   *xsync.Counter
	failed   *xsync.Counter

	slotsInUse   atomix.Int64
	slotsCap     atomix.Int64
	backlogDepth atomix.Int64
	overflows    atomix.Int64
}

// NewMetrics creates a zeroed collector.
func NewMetrics() *Metrics {
	return &Metrics{
		accepted: xsync.NewCounter(),
		received: xsync.NewCounter(),
		bytesIn:  xsync.NewCounter(),
		sent:     xsync.NewCounter(),
		closed:   xsync.NewCounter(),
		failed:   xsync.NewCounter(),
	}
}

// Accepted counts one accepted connection.
func (m *Metrics) Accepted() { m.accepted.Inc() }

// Received counts one receive of n bytes.
func (m *Metrics) Received(n int) {
	m.received.Inc()
	m.bytesIn.Add(int64(n))
}

// Sent counts one complete response.
func (m *Metrics) Sent() { m.sent.Inc() }

// Closed counts one connection close.
func (m *Metrics) Closed() { m.closed.Inc() }

// Failed counts one failed operation.
func (m *Metrics) Failed() { m.failed.Inc() }

// SetSlots records pool occupancy.
func (m *Metrics) SetSlots(inUse, capacity int) {
	m.slotsInUse.Store(int64(inUse))
	m.slotsCap.Store(int64(capacity))
}

// SetBacklog records backlog depth and total overflows.
func (m *Metrics) SetBacklog(depth int, overflows uint64) {
	m.backlogDepth.Store(int64(depth))
	m.overflows.Store(int64(overflows))
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	Accepted     int64
	Received     int64
	BytesIn      int64
	Sent         int64
	Closed       int64
	Failed       int64
	SlotsInUse   int64
	SlotsCap     int64
	BacklogDepth int64
	Overflows    int64
}

// Snapshot reads every metric. Values are individually consistent only.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Accepted:     m.accepted.Value(),
		Received:     m.received.Value(),
		BytesIn:      m.bytesIn.Value(),
		Sent:         m.sent.Value(),
		Closed:       m.closed.Value(),
		Failed:       m.failed.Value(),
		SlotsInUse:   m.slotsInUse.Load(),
		SlotsCap:     m.slotsCap.Load(),
		BacklogDepth: m.backlogDepth.Load(),
		Overflows:    m.overflows.Load(),
	}
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (s Snapshot) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("accepted", s.Accepted).
		Int64("received", s.Received).
		Int64("bytes_in", s.BytesIn).
		Int64("sent", s.Sent).
		Int64("closed", s.Closed).
		Int64("failed", s.Failed).
		Int64("slots_in_use", s.SlotsInUse).
		Int64("slots_cap", s.SlotsCap).
		Int64("backlog", s.BacklogDepth).
		Int64("overflows", s.Overflows)
}
