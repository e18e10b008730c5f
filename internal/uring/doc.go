// File: internal/uring/doc.go
// Package uring
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Minimal raw io_uring binding over golang.org/x/sys/unix: ring setup and
// mmap, submission queue entries for the handful of opcodes the responder
// issues, io_uring_enter with interrupt/backpressure handling, and
// completion reaping. No liburing, no cgo.
//
// A Ring is not safe for concurrent use. It is owned by exactly one
// goroutine, which should be locked to its OS thread.
package uring
