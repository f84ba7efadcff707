package enrichment

import "sync"

// completionEntry is closed once the job reaches a terminal status.
type completionEntry struct {
	done    chan struct{}
	closed  bool
	waiters int
}

// completionRegistry delivers one-shot in-process completion notifications.
// Entries exist only while someone is waiting; a waiter must register
// before checking persisted status so a concurrent completion cannot be
// missed.
type completionRegistry struct {
	mu      sync.Mutex
	entries map[int64]*completionEntry
}

func newCompletionRegistry() *completionRegistry {
	return &completionRegistry{entries: make(map[int64]*completionEntry)}
}

// register adds a waiter for jobID and returns the channel to wait on.
func (c *completionRegistry) register(jobID int64) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[jobID]
	if !ok {
		e = &completionEntry{done: make(chan struct{})}
		c.entries[jobID] = e
	}
	e.waiters++
	return e.done
}

// release removes a waiter; the entry is dropped with its last waiter.
func (c *completionRegistry) release(jobID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[jobID]
	if !ok {
		return
	}
	e.waiters--
	if e.waiters <= 0 {
		delete(c.entries, jobID)
	}
}

// complete wakes every current waiter for jobID. Calling it more than once
// is harmless.
func (c *completionRegistry) complete(jobID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[jobID]
	if !ok || e.closed {
		return
	}
	e.closed = true
	close(e.done)
}

func (c *completionRegistry) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
