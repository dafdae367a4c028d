package admission

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeConn records what the controller asked of it.
type fakeConn struct {
	id string

	mu        sync.Mutex
	timeout   time.Duration
	suspended int
	resumed   int
	dead      bool
}

func newFakeConn(id string, timeout time.Duration) *fakeConn {
	return &fakeConn{id: id, timeout: timeout}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

func (c *fakeConn) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

func (c *fakeConn) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended++
}

func (c *fakeConn) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return false
	}
	c.resumed++
	return true
}

func (c *fakeConn) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead = true
}

func (c *fakeConn) counts() (suspended, resumed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended, c.resumed
}

func TestPool_FIFO(t *testing.T) {
	p := NewPool(0)

	conns := make([]*fakeConn, 5)
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("c%d", i), time.Duration(i)*time.Second)
		idx, err := p.Append(conns[i], conns[i].Timeout())
		if err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
		if idx != i {
			t.Errorf("Append(%d) index = %d, want %d", i, idx, i)
		}
	}

	if got := p.Count(); got != 5 {
		t.Errorf("Count = %d, want 5", got)
	}

	for i := range conns {
		e, ok := p.PopFront()
		if !ok {
			t.Fatalf("PopFront(%d) reported empty", i)
		}
		if e.Conn != conns[i] {
			t.Errorf("PopFront(%d) = %s, want %s", i, e.Conn.ID(), conns[i].ID())
		}
		if e.Timeout != time.Duration(i)*time.Second {
			t.Errorf("PopFront(%d) timeout = %v, want %v", i, e.Timeout, time.Duration(i)*time.Second)
		}
	}
}

func TestPool_PopFrontEmpty(t *testing.T) {
	p := NewPool(0)

	e, ok := p.PopFront()
	if ok {
		t.Fatal("PopFront on empty pool reported ok")
	}
	if e.Conn != nil {
		t.Errorf("PopFront on empty pool returned conn %v", e.Conn)
	}
}

func TestPool_GrowAndShrink(t *testing.T) {
	p := NewPool(0)

	if got := p.Cap(); got != minPoolCapacity {
		t.Fatalf("initial Cap = %d, want %d", got, minPoolCapacity)
	}

	for i := 0; i < 64; i++ {
		if _, err := p.Append(newFakeConn(fmt.Sprint(i), 0), 0); err != nil {
			t.Fatalf("Append error = %v", err)
		}
	}
	if got := p.Cap(); got != 64 {
		t.Errorf("Cap after 64 appends = %d, want 64", got)
	}

	// Popping down to a quarter halves the ring.
	for i := 0; i < 48; i++ {
		p.PopFront()
	}
	if got := p.Cap(); got != 32 {
		t.Errorf("Cap with 16 of 64 used = %d, want 32", got)
	}

	// One more append must not grow again right away.
	p.Append(newFakeConn("x", 0), 0)
	if got := p.Cap(); got != 32 {
		t.Errorf("Cap after shrink+append = %d, want 32", got)
	}

	for p.Count() > 0 {
		p.PopFront()
	}
	if got := p.Cap(); got != minPoolCapacity {
		t.Errorf("Cap when empty = %d, want %d", got, minPoolCapacity)
	}
}

func TestPool_OrderSurvivesWrapAndResize(t *testing.T) {
	p := NewPool(0)
	next := 0
	want := 0

	// Interleave appends and pops so head wraps before the ring grows.
	for round := 0; round < 20; round++ {
		for i := 0; i < 5; i++ {
			p.Append(newFakeConn(fmt.Sprint(next), 0), time.Duration(next))
			next++
		}
		for i := 0; i < 3; i++ {
			e, ok := p.PopFront()
			if !ok {
				t.Fatal("unexpected empty pool")
			}
			if e.Timeout != time.Duration(want) {
				t.Fatalf("popped %d, want %d", e.Timeout, want)
			}
			want++
		}
	}

	for _, e := range p.DrainAll() {
		if e.Timeout != time.Duration(want) {
			t.Fatalf("drained %d, want %d", e.Timeout, want)
		}
		want++
	}
	if want != next {
		t.Errorf("saw %d entries, appended %d", want, next)
	}
}

func TestPool_Ceiling(t *testing.T) {
	p := NewPool(2)

	p.Append(newFakeConn("a", 0), 0)
	p.Append(newFakeConn("b", 0), 0)

	_, err := p.Append(newFakeConn("c", 0), 0)
	if !errors.Is(err, ErrPoolFull) {
		t.Fatalf("Append over ceiling error = %v, want ErrPoolFull", err)
	}
	if got := p.Count(); got != 2 {
		t.Errorf("Count after rejected append = %d, want 2", got)
	}

	e, _ := p.PopFront()
	if e.Conn.ID() != "a" {
		t.Errorf("PopFront after rejected append = %s, want a", e.Conn.ID())
	}
}

func TestPool_Remove(t *testing.T) {
	p := NewPool(0)
	a, b, c := newFakeConn("a", 0), newFakeConn("b", 0), newFakeConn("c", 0)
	p.Append(a, 0)
	p.Append(b, 0)
	p.Append(c, 0)

	if !p.Remove(b) {
		t.Fatal("Remove(b) = false, want true")
	}
	if p.Remove(b) {
		t.Error("second Remove(b) = true, want false")
	}

	drained := p.DrainAll()
	if len(drained) != 2 || drained[0].Conn != a || drained[1].Conn != c {
		t.Errorf("DrainAll after Remove = %v, want [a c]", drained)
	}
	if got := p.Count(); got != 0 {
		t.Errorf("Count after DrainAll = %d, want 0", got)
	}
}

func TestPool_ConcurrentProducersKeepOrder(t *testing.T) {
	const producers = 8
	const perProducer = 500

	p := NewPool(0)

	type tag struct{ producer, seq int }
	conns := make([][]*fakeConn, producers)
	tags := make(map[Conn]tag)
	for i := range conns {
		conns[i] = make([]*fakeConn, perProducer)
		for j := range conns[i] {
			c := newFakeConn(fmt.Sprintf("%d-%d", i, j), 0)
			conns[i][j] = c
			tags[c] = tag{i, j}
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for _, c := range conns[i] {
				if _, err := p.Append(c, 0); err != nil {
					t.Errorf("Append error = %v", err)
					return
				}
			}
		}(i)
	}

	done := make(chan struct{})
	lastSeen := make([]int, producers)
	for i := range lastSeen {
		lastSeen[i] = -1
	}
	popped := 0
	go func() {
		defer close(done)
		for popped < producers*perProducer {
			e, ok := p.PopFront()
			if !ok {
				continue
			}
			tg := tags[e.Conn]
			if tg.seq != lastSeen[tg.producer]+1 {
				t.Errorf("producer %d: popped seq %d after %d", tg.producer, tg.seq, lastSeen[tg.producer])
			}
			lastSeen[tg.producer] = tg.seq
			popped++
		}
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the pool")
	}

	if got := p.Count(); got != 0 {
		t.Errorf("final Count = %d, want 0", got)
	}
}
