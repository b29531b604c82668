// Package correlator binds random tokens to in-flight requests awaiting an
// acknowledgment and resolves them exactly once: on a matching response,
// on expiry, on cancellation or when the owner closes.
package correlator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Errors delivered to the waiters of a pending request.
var (
	ErrTimeout         = errors.New("correlator: request timed out")
	ErrSessionClosed   = errors.New("correlator: session closed")
	ErrTokensExhausted = errors.New("correlator: all tokens are pending")
)

const tokenSpace = 1 << 16

// PendingRequest is a request awaiting its acknowledgment.
type PendingRequest struct {
	Token    uint16
	IssuedAt time.Time
	Deadline time.Time

	done chan error
}

// Correlator tracks the pending requests of a single peer. It is safe for
// concurrent use.
type Correlator struct {
	mu      sync.Mutex
	pending map[uint16]*PendingRequest
	rnd     *rand.Rand
	now     func() time.Time
}

// New creates a new Correlator.
func New() *Correlator {
	return &Correlator{
		pending: make(map[uint16]*PendingRequest),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// Issue draws a token that is not currently pending and registers a pending
// request expiring at the given deadline. The returned channel receives
// exactly one value: nil on success or the error the request resolved with.
func (c *Correlator) Issue(deadline time.Time) (uint16, <-chan error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) >= tokenSpace {
		return 0, nil, ErrTokensExhausted
	}

	token := uint16(c.rnd.Intn(tokenSpace))
	for {
		if _, ok := c.pending[token]; !ok {
			break
		}
		token++
	}

	req := &PendingRequest{
		Token:    token,
		IssuedAt: c.now(),
		Deadline: deadline,
		done:     make(chan error, 1),
	}
	c.pending[token] = req
	return token, req.done, nil
}

// Resolve resolves the pending request for the given token with err (nil
// meaning success). It returns false when no request is pending for the
// token, in which case the response is unsolicited and must be dropped.
func (c *Correlator) Resolve(token uint16, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.pending[token]
	if !ok {
		return false
	}
	delete(c.pending, token)
	req.done <- err
	return true
}

// Cancel removes the pending request for the given token without delivering
// a result. It returns false when the request was already resolved.
func (c *Correlator) Cancel(token uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[token]; !ok {
		return false
	}
	delete(c.pending, token)
	return true
}

// ExpireOverdue resolves all requests with a deadline before or equal to now
// with ErrTimeout and returns the number of expired requests.
func (c *Correlator) ExpireOverdue(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for token, req := range c.pending {
		if req.Deadline.After(now) {
			continue
		}
		delete(c.pending, token)
		req.done <- ErrTimeout
		n++
	}
	return n
}

// Close resolves all pending requests with the given error and returns the
// number of resolved requests.
func (c *Correlator) Close(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.pending)
	for token, req := range c.pending {
		delete(c.pending, token)
		req.done <- err
	}
	return n
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Pending returns a copy of the pending requests.
func (c *Correlator) Pending() []PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PendingRequest, 0, len(c.pending))
	for _, req := range c.pending {
		out = append(out, PendingRequest{Token: req.Token, IssuedAt: req.IssuedAt, Deadline: req.Deadline})
	}
	return out
}

// Wait blocks until the request for token resolves or ctx is done. On
// cancellation the pending entry is removed and ctx.Err() is returned, unless
// the request was resolved concurrently, in which case that result wins.
func (c *Correlator) Wait(ctx context.Context, token uint16, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if c.Cancel(token) {
			return ctx.Err()
		}
		return <-done
	}
}
