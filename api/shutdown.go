// File: api/shutdown.go
// Package api defines the contract shared by the responder backends.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// GracefulShutdown wakes a running loop and makes it return.
// Safe to call from any goroutine.
type GracefulShutdown interface {
	Shutdown() error
}

// Backend is a responder loop bound to one listening socket.
type Backend interface {
	GracefulShutdown

	// Run blocks serving connections until Shutdown or a fatal error.
	Run() error

	// Addr returns the bound listen address.
	Addr() string

	// Close releases the ring/poller, buffers and the listener.
	Close() error
}
