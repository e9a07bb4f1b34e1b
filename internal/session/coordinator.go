package session

import (
	"context"
	"sync"
)

type renewResult struct {
	token    string
	err      error
	position int
}

// decision is what a request that saw a 401 must do next.
type decision struct {
	owner bool
	// fresh is set when a newer token already exists and no renewal is needed.
	fresh string
	wait  <-chan renewResult
}

// Coordinator collapses concurrent credential renewals into one. It is built
// once per process and shared by every request path.
type Coordinator struct {
	mu       sync.Mutex
	renewing bool
	waiters  []chan renewResult
	renewals int
}

func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// begin is called after a 401. sent is the token the failed request carried,
// current reads the token store.
func (c *Coordinator) begin(ctx context.Context, sent string, current func(context.Context) string) decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.renewing {
		ch := make(chan renewResult, 1)
		c.waiters = append(c.waiters, ch)
		return decision{wait: ch}
	}
	if tok := current(ctx); tok != "" && tok != sent {
		return decision{fresh: tok}
	}
	c.renewing = true
	c.renewals++
	return decision{owner: true}
}

// finish ends the in-flight renewal and releases waiters in enqueue order.
func (c *Coordinator) finish(token string, err error) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.renewing = false
	c.mu.Unlock()

	for i, ch := range waiters {
		ch <- renewResult{token: token, err: err, position: i}
	}
}

// Renewing reports whether a renewal is in flight.
func (c *Coordinator) Renewing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renewing
}

// Renewals counts renewal calls started since construction.
func (c *Coordinator) Renewals() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renewals
}

// Pending returns the number of queued waiters.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
