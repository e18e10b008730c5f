// Package pool
// Author: momentics <momentics@gmail.com>
//
// Receive-buffer memory for the completion reactor. Buffers are addressed
// by stable slot index rather than by pointer: a slot is reserved right
// before a receive is submitted and released when that receive completes,
// so buffer lifetime follows the operation, not the connection.
// Backing memory is mmap'd in fixed chunks outside the Go heap.
// See slots.go.
package pool
