// Package admission serializes uploads: one writer at a time, everyone else
// parked in arrival order until the slot frees up.
//
// The package knows nothing about HTTP. The engine hands in a [Conn] per
// request and the [Controller] decides whether that request may proceed or
// must be parked in the [Pool]. Releasing the slot resumes the oldest parked
// connection.
package admission

import "time"

// Conn is the engine's handle to one in-flight request.
//
// Implementations must be comparable (typically a pointer) and every method
// must return without blocking: the controller calls them while holding its lock.
type Conn interface {
	// ID identifies the connection in logs.
	ID() string

	// Timeout returns the connection's current idle timeout. Zero means disabled.
	Timeout() time.Duration

	// SetTimeout replaces the idle timeout. Zero disables it.
	SetTimeout(d time.Duration)

	// Suspend asks the engine to stop servicing the connection's I/O.
	Suspend()

	// Resume asks the engine to service the connection again and redeliver
	// the request. It returns false if the connection is already gone.
	Resume() bool
}
