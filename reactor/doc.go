// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the completion engine (io_uring submission with
// an overflow backlog), the operation tags threaded through ring user data,
// and an edge-triggered epoll poller for the readiness backend.
package reactor
