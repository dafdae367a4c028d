package admission

// controller.go implements the single-slot upload lock.
//
// A request that finds the slot free takes it. A request that finds it taken
// is parked in the pool with its idle timeout disabled. Release hands the
// slot to the oldest parked connection that is still alive: that connection
// is resumed and the slot stays reserved for it until it comes back through
// TryAcquire, so late arrivals cannot jump the queue.

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by TryAcquire after Close.
var ErrClosed = errors.New("admission controller closed")

// Decision is the outcome of TryAcquire.
type Decision int

const (
	// Admitted means the caller holds the slot and must call Release exactly once.
	Admitted Decision = iota
	// Suspended means the connection was parked and will be resumed later.
	Suspended
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Observer receives admission events. Methods are called with the
// controller's lock held and must not block.
type Observer interface {
	Admitted(conn Conn)
	Suspended(conn Conn, position int)
	Resumed(conn Conn)
	Released(conn Conn)
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithLogger sets the logger used for queue events (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller is the single-slot exclusive lock guarding the staging file.
type Controller struct {
	mu       sync.Mutex
	busy     bool
	holder   Conn
	reserved Conn
	closed   bool
	pool     *Pool

	observer Observer
	logger   *slog.Logger
}

// NewController creates an idle controller parking waiters in pool.
func NewController(pool *Pool, opts ...Option) *Controller {
	if pool == nil {
		pool = NewPool(0)
	}
	c := &Controller{
		pool:   pool,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TryAcquire admits conn if the slot is free, or parks it otherwise.
//
// When parking, timeout is recorded so Release can restore it, the
// connection's idle timeout is disabled and the engine is asked to suspend
// it. If the pool is at its ceiling ErrPoolFull is returned and nothing is
// changed.
func (c *Controller) TryAcquire(conn Conn, timeout time.Duration) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Suspended, ErrClosed
	}

	if c.reserved != nil && c.reserved == conn {
		c.reserved = nil
		c.admit(conn)
		return Admitted, nil
	}

	if !c.busy && c.reserved == nil {
		c.admit(conn)
		return Admitted, nil
	}

	pos, err := c.pool.Append(conn, timeout)
	if err != nil {
		c.logger.Error("admission: cannot park connection",
			"conn", conn.ID(),
			"waiting", c.pool.Count(),
			"error", err,
		)
		return Suspended, err
	}

	conn.SetTimeout(0)
	conn.Suspend()

	c.logger.Debug("admission: connection parked", "conn", conn.ID(), "position", pos)
	if c.observer != nil {
		c.observer.Suspended(conn, pos)
	}
	return Suspended, nil
}

// admit marks conn as the slot holder. Caller holds mu.
func (c *Controller) admit(conn Conn) {
	c.busy = true
	c.holder = conn
	if c.observer != nil {
		c.observer.Admitted(conn)
	}
}

// Release frees the slot and resumes the oldest live parked connection, if any.
// It must be called exactly once per Admitted decision.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.busy {
		c.logger.Warn("admission: release without holder")
		return
	}

	holder := c.holder
	c.busy = false
	c.holder = nil
	if c.observer != nil {
		c.observer.Released(holder)
	}

	c.resumeNext()
}

// resumeNext pops waiters until one accepts the resume. Caller holds mu.
func (c *Controller) resumeNext() {
	for {
		e, ok := c.pool.PopFront()
		if !ok {
			return
		}

		e.Conn.SetTimeout(e.Timeout)
		if !e.Conn.Resume() {
			c.logger.Debug("admission: skipped dead connection", "conn", e.Conn.ID())
			continue
		}

		c.reserved = e.Conn
		c.logger.Debug("admission: connection resumed",
			"conn", e.Conn.ID(),
			"waiting", c.pool.Count(),
		)
		if c.observer != nil {
			c.observer.Resumed(e.Conn)
		}
		return
	}
}

// Cancel forgets a connection that is parked or was resumed but never came
// back. If it held the reservation the next waiter is resumed. Cancel
// reports whether conn was known to the queue.
func (c *Controller) Cancel(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pool.Remove(conn) {
		return true
	}

	if c.reserved != nil && c.reserved == conn {
		c.reserved = nil
		if !c.busy {
			c.resumeNext()
		}
		return true
	}
	return false
}

// Close stops admitting new uploads and resumes every parked connection with
// its recorded timeout. Resumed connections get ErrClosed from TryAcquire.
func (c *Controller) Close() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.reserved = nil

	entries := c.pool.DrainAll()
	for _, e := range entries {
		e.Conn.SetTimeout(e.Timeout)
		e.Conn.Resume()
	}
	return len(entries)
}

// Status is a snapshot of the controller.
type Status struct {
	Busy     bool `json:"busy"`
	Reserved bool `json:"reserved"`
	Waiting  int  `json:"waiting"`
	Closed   bool `json:"closed"`
}

// Status returns the current state for monitoring.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		Busy:     c.busy,
		Reserved: c.reserved != nil,
		Waiting:  c.pool.Count(),
		Closed:   c.closed,
	}
}

// Idle reports whether nobody holds, is promised, or is waiting for the slot.
func (c *Controller) Idle() bool {
	st := c.Status()
	return !st.Busy && !st.Reserved && st.Waiting == 0
}

// WaitForDrain blocks until the controller is idle or ctx is done.
// Used during shutdown so the current upload can finish.
func (c *Controller) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
