//go:build linux
// +build linux

package server

import (
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/momentics/hioload-uring/fake"
	"github.com/momentics/hioload-uring/internal/uring"
	"github.com/momentics/hioload-uring/reactor"
	"golang.org/x/sys/unix"
)

func newFakeServer(t *testing.T, sqEntries int, opts ...Option) (*Server, *fake.Ring) {
	t.Helper()
	ring := fake.NewRing(sqEntries)
	base := []Option{WithAddr("127.0.0.1:0"), WithRing(ring)}
	s, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	s.Start()
	return s, ring
}

func step(t *testing.T, s *Server) {
	t.Helper()
	if err := s.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
}

// submissions returns everything handed to the ring so far, including the
// entries queued by the last dispatch.
func submissions(ring *fake.Ring) []uring.SQE {
	ring.Submit(0)
	return ring.TakeSubmitted()
}

func decodeAll(t *testing.T, sqes []uring.SQE) []reactor.Op {
	t.Helper()
	out := make([]reactor.Op, 0, len(sqes))
	for _, sqe := range sqes {
		op, err := reactor.DecodeOp(sqe.UserData)
		if err != nil {
			t.Fatalf("submitted undecodable tag %#x", sqe.UserData)
		}
		out = append(out, op)
	}
	return out
}

func countKind(ops []reactor.Op, k reactor.OpKind) int {
	n := 0
	for _, op := range ops {
		if op.Kind == k {
			n++
		}
	}
	return n
}

func TestDispatch_StartArmsAcceptAndWake(t *testing.T) {
	s, ring := newFakeServer(t, 64)
	s.Start()
	ring.Complete(reactor.AcceptOp().Encode(), 10, uring.CQEFMore)
	step(t, s)

	sub := submissions(ring)
	want := []reactor.Op{reactor.AcceptOp(), reactor.WakeOp(), reactor.RecvOp(10, 0)}
	if diff := cmp.Diff(want, decodeAll(t, sub)); diff != "" {
		t.Fatalf("Submissions mismatch (-want +got):\n%s", diff)
	}
	if sub[0].IoPrio&uring.AcceptMultishot == 0 {
		t.Fatalf("Expected multishot accept, ioprio=%#x", sub[0].IoPrio)
	}
	if sub[1].OpCode != uring.OpRead || int(sub[1].Fd) != s.wakeFd {
		t.Fatalf("Expected wake read on eventfd, got %+v", sub[1])
	}
	if sub[2].OpCode != uring.OpRecv || sub[2].Len != uint32(s.pool.SlotSize()) {
		t.Fatalf("Expected full-slot receive, got %+v", sub[2])
	}
}

func TestDispatch_AcceptRearm(t *testing.T) {
	s, ring := newFakeServer(t, 64)
	step0 := func() {
		ring.Complete(reactor.CloseOp(99).Encode(), 0, 0)
		step(t, s)
		submissions(ring)
	}
	step0()

	cases := []struct {
		name       string
		res        int32
		flags      uint32
		wantAccept int
		wantRecv   int
	}{
		{"success with more", 20, uring.CQEFMore, 0, 1},
		{"success without more", 21, 0, 1, 1},
		{"error with more", -int32(unix.EMFILE), uring.CQEFMore, 0, 0},
		{"error without more", -int32(unix.ECONNABORTED), 0, 1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ring.Complete(reactor.AcceptOp().Encode(), tc.res, tc.flags)
			step(t, s)
			ops := decodeAll(t, submissions(ring))
			if got := countKind(ops, reactor.OpAccept); got != tc.wantAccept {
				t.Fatalf("Expected %d accept submissions, got %d (%v)", tc.wantAccept, got, ops)
			}
			if got := countKind(ops, reactor.OpRecv); got != tc.wantRecv {
				t.Fatalf("Expected %d receive submissions, got %d (%v)", tc.wantRecv, got, ops)
			}
		})
	}
}

func TestDispatch_DescriptorShortageDelaysAccept(t *testing.T) {
	s, ring := newFakeServer(t, 64)
	ring.Complete(reactor.AcceptOp().Encode(), -int32(unix.EMFILE), 0)
	step(t, s)

	sub := submissions(ring)
	ops := decodeAll(t, sub)
	want := []reactor.Op{reactor.AcceptOp(), reactor.WakeOp(), reactor.RetryOp()}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Fatalf("Submissions mismatch (-want +got):\n%s", diff)
	}
	timer := sub[2]
	if timer.OpCode != uring.OpTimeout || timer.Len != 1 {
		t.Fatalf("Expected a one-shot timeout, got %+v", timer)
	}
	if timer.Addr != uint64(uintptr(unsafe.Pointer(&s.retryDelay))) {
		t.Fatalf("Timeout must reference the server's retry delay")
	}
	if s.retryDelay.Nano() != DefaultConfig().AcceptRetry.Nanoseconds() {
		t.Fatalf("Unexpected retry delay %v", s.retryDelay)
	}

	// The timer fires with -ETIME; only then is accept re-armed.
	ring.Complete(reactor.RetryOp().Encode(), -int32(unix.ETIME), 0)
	step(t, s)
	if diff := cmp.Diff([]reactor.Op{reactor.AcceptOp()}, decodeAll(t, submissions(ring))); diff != "" {
		t.Fatalf("Submissions mismatch (-want +got):\n%s", diff)
	}
	if got := s.Metrics().Snapshot().Failed; got != 1 {
		t.Fatalf("Expected 1 failure, got %d", got)
	}
}

func TestDispatch_MultishotFallback(t *testing.T) {
	s, ring := newFakeServer(t, 64)
	ring.Complete(reactor.AcceptOp().Encode(), -int32(unix.EINVAL), 0)
	step(t, s)

	sub := submissions(ring)
	last := sub[len(sub)-1]
	if op, _ := reactor.DecodeOp(last.UserData); op.Kind != reactor.OpAccept {
		t.Fatalf("Expected accept re-armed last, got %v", op)
	}
	if last.IoPrio&uring.AcceptMultishot != 0 {
		t.Fatalf("Expected single-shot accept after EINVAL")
	}
	if s.Metrics().Snapshot().Failed != 0 {
		t.Fatalf("Fallback must not count as a failure")
	}

	// Single-shot accepts re-arm after every connection.
	ring.Complete(reactor.AcceptOp().Encode(), 30, 0)
	step(t, s)
	ops := decodeAll(t, submissions(ring))
	if diff := cmp.Diff([]reactor.Op{reactor.RecvOp(30, 0), reactor.AcceptOp()}, ops); diff != "" {
		t.Fatalf("Submissions mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatch_ConnectionLifecycle(t *testing.T) {
	s, ring := newFakeServer(t, 64)
	ring.Complete(reactor.AcceptOp().Encode(), 40, uring.CQEFMore)
	step(t, s)
	submissions(ring)
	if !s.pool.Allocated(0) {
		t.Fatalf("Expected slot 0 owned by the receive")
	}

	// Data arrives: slot released, response queued.
	ring.Complete(reactor.RecvOp(40, 0).Encode(), 78, 0)
	step(t, s)
	sub := submissions(ring)
	if diff := cmp.Diff([]reactor.Op{reactor.SendOp(40, 0)}, decodeAll(t, sub)); diff != "" {
		t.Fatalf("Submissions mismatch (-want +got):\n%s", diff)
	}
	if s.pool.InUse() != 0 {
		t.Fatalf("Expected receive slot released, in use %d", s.pool.InUse())
	}
	if sub[0].Len != uint32(len(Response)) || sub[0].OpFlags&unix.MSG_NOSIGNAL == 0 {
		t.Fatalf("Unexpected send entry %+v", sub[0])
	}

	// Short send continues from the offset.
	ring.Complete(reactor.SendOp(40, 0).Encode(), 20, 0)
	step(t, s)
	sub = submissions(ring)
	if diff := cmp.Diff([]reactor.Op{reactor.SendOp(40, 20)}, decodeAll(t, sub)); diff != "" {
		t.Fatalf("Submissions mismatch (-want +got):\n%s", diff)
	}
	if sub[0].Len != uint32(len(Response)-20) {
		t.Fatalf("Expected remaining %d bytes, got %d", len(Response)-20, sub[0].Len)
	}

	// Rest sent: back to receiving with a fresh slot.
	ring.Complete(reactor.SendOp(40, 20).Encode(), int32(len(Response)-20), 0)
	step(t, s)
	if diff := cmp.Diff([]reactor.Op{reactor.RecvOp(40, 0)}, decodeAll(t, submissions(ring))); diff != "" {
		t.Fatalf("Submissions mismatch (-want +got):\n%s", diff)
	}

	// Peer closed: close only, no send.
	ring.Complete(reactor.RecvOp(40, 0).Encode(), 0, 0)
	step(t, s)
	if diff := cmp.Diff([]reactor.Op{reactor.CloseOp(40)}, decodeAll(t, submissions(ring))); diff != "" {
		t.Fatalf("Submissions mismatch (-want +got):\n%s", diff)
	}

	ring.Complete(reactor.CloseOp(40).Encode(), 0, 0)
	step(t, s)
	if got := submissions(ring); len(got) != 0 {
		t.Fatalf("Close must be terminal, got %v", decodeAll(t, got))
	}

	snap := s.Metrics().Snapshot()
	if snap.Accepted != 1 || snap.Received != 1 || snap.BytesIn != 78 || snap.Sent != 1 || snap.Closed != 1 {
		t.Fatalf("Unexpected metrics %+v", snap)
	}
	if snap.SlotsInUse != 0 {
		t.Fatalf("Expected no slots in use, got %d", snap.SlotsInUse)
	}
}

func TestDispatch_ZeroByteSendReturnsToReceive(t *testing.T) {
	s, ring := newFakeServer(t, 64)
	ring.Complete(reactor.AcceptOp().Encode(), 40, uring.CQEFMore)
	step(t, s)
	submissions(ring)

	ring.Complete(reactor.RecvOp(40, 0).Encode(), 5, 0)
	step(t, s)
	submissions(ring)

	ring.Complete(reactor.SendOp(40, 0).Encode(), 0, 0)
	step(t, s)
	if diff := cmp.Diff([]reactor.Op{reactor.RecvOp(40, 0)}, decodeAll(t, submissions(ring))); diff != "" {
		t.Fatalf("Submissions mismatch (-want +got):\n%s", diff)
	}
	if got := s.Metrics().Snapshot().Sent; got != 1 {
		t.Fatalf("Expected the response counted as sent, got %d", got)
	}
}

func TestDispatch_CloseKeepsOwnedBuffersMapped(t *testing.T) {
	s, ring := newFakeServer(t, 64)
	ring.Complete(reactor.AcceptOp().Encode(), 40, uring.CQEFMore)
	step(t, s)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !ring.Closed {
		t.Fatalf("Expected ring closed")
	}
	if s.pool.Cap() == 0 {
		t.Fatalf("Buffer of the in-flight receive was unmapped")
	}
	s.pool.Bytes(0)[0] = 'x'
}

func TestDispatch_CloseUnmapsIdlePool(t *testing.T) {
	s, _ := newFakeServer(t, 64)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.pool.Cap() != 0 {
		t.Fatalf("Expected idle pool unmapped, cap %d", s.pool.Cap())
	}
}

func TestDispatch_FailuresCloseOnce(t *testing.T) {
	s, ring := newFakeServer(t, 64)
	ring.Complete(reactor.AcceptOp().Encode(), 50, uring.CQEFMore)
	ring.Complete(reactor.AcceptOp().Encode(), 51, uring.CQEFMore)
	step(t, s)
	submissions(ring)

	ring.Complete(reactor.RecvOp(50, 0).Encode(), -int32(unix.ECONNRESET), 0)
	ring.Complete(reactor.SendOp(51, 0).Encode(), -int32(unix.EPIPE), 0)
	step(t, s)
	ops := decodeAll(t, submissions(ring))
	want := []reactor.Op{reactor.CloseOp(50), reactor.CloseOp(51)}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Fatalf("Submissions mismatch (-want +got):\n%s", diff)
	}
	if s.pool.Allocated(0) {
		t.Fatalf("Failed receive must still release its slot")
	}
	if got := s.Metrics().Snapshot().Failed; got != 2 {
		t.Fatalf("Expected 2 failures, got %d", got)
	}
}

func TestDispatch_InvalidTagIgnored(t *testing.T) {
	s, ring := newFakeServer(t, 64)
	ring.Complete(0, 0, 0)
	ring.Complete(0xff<<56, 0, 0)
	step(t, s)
	ops := decodeAll(t, submissions(ring))
	if len(ops) != 2 {
		t.Fatalf("Expected only the initial accept and wake, got %v", ops)
	}
}

func TestDispatch_BacklogKeepsOrder(t *testing.T) {
	s, ring := newFakeServer(t, 2)
	for fd := int32(60); fd < 70; fd++ {
		ring.Complete(reactor.AcceptOp().Encode(), fd, uring.CQEFMore)
	}
	step(t, s)
	submissions(ring)
	if s.engine.BacklogLen() == 0 {
		t.Fatalf("Expected receives to overflow a 2-entry ring")
	}

	ring.Complete(reactor.CloseOp(1).Encode(), 0, 0)
	step(t, s)
	var want []reactor.Op
	for fd := int32(60); fd < 70; fd++ {
		want = append(want, reactor.RecvOp(fd, uint32(fd-60)))
	}
	if diff := cmp.Diff(want, decodeAll(t, submissions(ring))); diff != "" {
		t.Fatalf("Backlog order mismatch (-want +got):\n%s", diff)
	}
	if s.Metrics().Snapshot().Overflows == 0 {
		t.Fatalf("Expected overflows to be recorded")
	}
}

func TestDispatch_GrowsBeyondInitialPool(t *testing.T) {
	const conns = 2050
	s, ring := newFakeServer(t, 4096)
	for fd := int32(0); fd < conns; fd++ {
		ring.Complete(reactor.AcceptOp().Encode(), 1000+fd, uring.CQEFMore)
	}
	step(t, s)

	seen := make(map[uint32]bool, conns)
	for _, op := range decodeAll(t, submissions(ring)) {
		if op.Kind != reactor.OpRecv {
			continue
		}
		if seen[op.Slot] {
			t.Fatalf("Slot %d handed to two receives", op.Slot)
		}
		seen[op.Slot] = true
		ring.Complete(op.Encode(), 0, 0)
	}
	if len(seen) != conns {
		t.Fatalf("Expected %d receives, got %d", conns, len(seen))
	}
	if s.pool.Cap() < conns {
		t.Fatalf("Expected pool to grow past %d, cap %d", conns, s.pool.Cap())
	}

	step(t, s)
	closes := 0
	for _, op := range decodeAll(t, submissions(ring)) {
		if op.Kind != reactor.OpClose {
			t.Fatalf("Unexpected submission %v", op)
		}
		closes++
		ring.Complete(op.Encode(), 0, 0)
	}
	if closes != conns {
		t.Fatalf("Expected %d closes, got %d", conns, closes)
	}
	step(t, s)
	snap := s.Metrics().Snapshot()
	if snap.Closed != conns || snap.SlotsInUse != 0 {
		t.Fatalf("Unexpected metrics %+v", snap)
	}
}

func TestDispatch_WakeStopsLoop(t *testing.T) {
	s, ring := newFakeServer(t, 64)
	ring.Complete(reactor.WakeOp().Encode(), 8, 0)
	step(t, s)
	if !s.Stopped() {
		t.Fatalf("Expected loop stopped after wake completion")
	}
}
