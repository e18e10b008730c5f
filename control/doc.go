// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics for the responder backends.
//
// The event loop is the only writer; snapshots may be taken from any
// goroutine, typically the signal handler logging a final report.
package control
