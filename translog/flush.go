package translog

import "sync"

// flushCoalescer funnels every caller that needs the log durable through
// a single background sync at a time. A caller stamps the write
// generation it needs covered and waits; the loop runs one sync for
// whatever the newest stamp is, so a burst of threshold-triggered flushes
// collapses into one fsync. Waiters are released by coverage, not by "a
// flush happened after I asked": a sync that started before a caller's
// writes never satisfies that caller.
type flushCoalescer struct {
	mu   sync.Mutex
	wake *sync.Cond // the loop sleeps here waiting for demand
	done *sync.Cond // waiters sleep here until their generation is durable

	fn func() error

	want    int64 // newest generation some caller asked to make durable
	durable int64 // newest generation a completed sync is known to cover
	err     error // first sync failure; sticky, fails all later calls
	closed  bool
}

func newFlushCoalescer(fn func() error) *flushCoalescer {
	c := &flushCoalescer{fn: fn}
	c.wake = sync.NewCond(&c.mu)
	c.done = sync.NewCond(&c.mu)

	go c.loop()

	return c
}

func (c *flushCoalescer) loop() {
	c.mu.Lock()
	for {
		for !c.closed && c.want <= c.durable {
			c.wake.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}

		goal := c.want
		c.mu.Unlock()

		err := c.fn()

		c.mu.Lock()
		if err != nil && c.err == nil {
			c.err = err
		}
		c.durable = goal
		c.done.Broadcast()

		if c.err != nil {
			c.mu.Unlock()
			return
		}
	}
}

// Flush blocks until a sync covering every write made before the call has
// completed, sharing that sync with any concurrent callers.
func (c *flushCoalescer) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return c.err
	}
	if c.closed {
		return nil
	}

	c.want++
	goal := c.want
	c.wake.Signal()

	for c.durable < goal && c.err == nil && !c.closed {
		c.done.Wait()
	}

	return c.err
}

// Close stops the background loop; pending waiters are released without a
// further sync.
func (c *flushCoalescer) Close() {
	c.mu.Lock()
	c.closed = true
	c.wake.Broadcast()
	c.done.Broadcast()
	c.mu.Unlock()
}
