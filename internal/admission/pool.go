package admission

// pool.go implements the FIFO of parked connections.
//
// Entries live in a ring buffer that doubles when full and halves once usage
// drops to a quarter of capacity. Shrinking to half leaves the buffer half
// full, so a grow and a shrink can never be triggered by the same pair of
// operations.

import (
	"errors"
	"sync"
	"time"
)

// ErrPoolFull is returned by Append when the pool reached its ceiling.
var ErrPoolFull = errors.New("suspension pool is full")

const (
	// minPoolCapacity is the smallest ring size; the pool never shrinks below it.
	minPoolCapacity = 8

	// DefaultMaxWaiters is the ceiling used when NewPool is given a non-positive limit.
	DefaultMaxWaiters = 1 << 16
)

// Entry is a parked connection plus the idle timeout it had before parking.
type Entry struct {
	Conn    Conn
	Timeout time.Duration
}

// Pool is a thread-safe FIFO of parked connections. It never closes or frees
// the connections it holds; it only orders them and hands them back.
type Pool struct {
	mu    sync.Mutex
	buf   []Entry
	head  int
	count int
	max   int
}

// NewPool creates an empty pool that holds at most maxEntries connections.
func NewPool(maxEntries int) *Pool {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxWaiters
	}
	return &Pool{
		buf: make([]Entry, minPoolCapacity),
		max: maxEntries,
	}
}

// Append adds conn to the tail of the queue and returns its position
// (0 is the head). It fails only when the ceiling is reached.
func (p *Pool) Append(conn Conn, timeout time.Duration) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count >= p.max {
		return -1, ErrPoolFull
	}
	if p.count == len(p.buf) {
		p.resize(len(p.buf) * 2)
	}

	p.buf[(p.head+p.count)%len(p.buf)] = Entry{Conn: conn, Timeout: timeout}
	p.count++
	return p.count - 1, nil
}

// PopFront removes and returns the oldest entry. ok is false when the pool is empty.
func (p *Pool) PopFront() (e Entry, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count == 0 {
		return Entry{}, false
	}

	e = p.buf[p.head]
	p.buf[p.head] = Entry{}
	p.head = (p.head + 1) % len(p.buf)
	p.count--
	p.maybeShrink()
	return e, true
}

// Remove drops the entry holding conn, preserving the order of the rest.
// It reports whether conn was found.
func (p *Pool) Remove(conn Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.buf)
	for i := 0; i < p.count; i++ {
		if p.buf[(p.head+i)%n].Conn != conn {
			continue
		}
		for j := i; j < p.count-1; j++ {
			p.buf[(p.head+j)%n] = p.buf[(p.head+j+1)%n]
		}
		p.buf[(p.head+p.count-1)%n] = Entry{}
		p.count--
		p.maybeShrink()
		return true
	}
	return false
}

// DrainAll removes every entry, oldest first, and resets the pool to its
// initial capacity.
func (p *Pool) DrainAll() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Entry, p.count)
	for i := range out {
		out[i] = p.buf[(p.head+i)%len(p.buf)]
	}

	p.buf = make([]Entry, minPoolCapacity)
	p.head = 0
	p.count = 0
	return out
}

// Count returns the number of parked connections.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Cap returns the current ring capacity.
func (p *Pool) Cap() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// maybeShrink halves the ring once usage falls to a quarter. Caller holds mu.
func (p *Pool) maybeShrink() {
	if len(p.buf) > minPoolCapacity && p.count <= len(p.buf)/4 {
		p.resize(len(p.buf) / 2)
	}
}

// resize copies the live entries into a ring of size n, head first. Caller holds mu.
func (p *Pool) resize(n int) {
	if n < minPoolCapacity {
		n = minPoolCapacity
	}
	buf := make([]Entry, n)
	for i := 0; i < p.count; i++ {
		buf[i] = p.buf[(p.head+i)%len(p.buf)]
	}
	p.buf = buf
	p.head = 0
}
