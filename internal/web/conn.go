package web

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// httpConn is the admission handle of one request served by net/http.
//
// Suspension is cooperative: the handler goroutine parks itself on wake when
// Data asks it to, and Resume only signals. The idle timeout is enforced as a
// read deadline set before every body read.
type httpConn struct {
	id   string
	ctx  context.Context
	rc   *http.ResponseController
	wake chan struct{}

	mu        sync.Mutex
	timeout   time.Duration
	suspended bool
}

func newHTTPConn(w http.ResponseWriter, r *http.Request, id string, timeout time.Duration) *httpConn {
	return &httpConn{
		id:      id,
		ctx:     r.Context(),
		rc:      http.NewResponseController(w),
		wake:    make(chan struct{}, 1),
		timeout: timeout,
	}
}

func (c *httpConn) ID() string { return c.id }

func (c *httpConn) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

func (c *httpConn) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

func (c *httpConn) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = true
}

func (c *httpConn) Resume() bool {
	if c.ctx.Err() != nil {
		return false
	}

	c.mu.Lock()
	c.suspended = false
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// park blocks until the connection is resumed. It returns false when the
// client went away first.
func (c *httpConn) park() bool {
	select {
	case <-c.wake:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// armDeadline applies the idle timeout to the next body read.
func (c *httpConn) armDeadline() {
	var deadline time.Time
	if d := c.Timeout(); d > 0 {
		deadline = time.Now().Add(d)
	}
	// Not supported by test recorders; a broken connection is reported by
	// the read that follows.
	_ = c.rc.SetReadDeadline(deadline)
}
