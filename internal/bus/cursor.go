package bus

import (
	"context"
	"runtime"
	"sync/atomic"

	"ingestflow/models"
)

// Cursor is one consumer's position in the queue. A cursor is meant to be
// driven by a single goroutine; different cursors are fully independent.
type Cursor struct {
	id      string
	q       *Queue
	next    atomic.Uint64
	dropped atomic.Uint64
	closed  atomic.Bool
	done    chan struct{}
}

// ID identifies the cursor in logs and metrics.
func (c *Cursor) ID() string {
	return c.id
}

// Dropped is the number of events this cursor missed because it was lapped.
func (c *Cursor) Dropped() uint64 {
	return c.dropped.Load()
}

// Position is the queue position of the next event the cursor will read.
func (c *Cursor) Position() uint64 {
	return c.next.Load()
}

// Close releases the cursor. Pending and later reads return ErrCursorClosed.
func (c *Cursor) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
		c.q.cursors.Delete(c.id)
		c.q.consumers.Add(-1)
	}
}

// poll returns the next event if one is readable now.
func (c *Cursor) poll() (models.CanonicalEvent, bool) {
	q := c.q
	for {
		pos := c.next.Load()
		tail := q.tail.Load()
		if pos >= tail {
			return models.CanonicalEvent{}, false
		}
		if tail-pos > q.capacity {
			c.skipTo(pos, tail-q.capacity)
			continue
		}
		e := q.slots[pos&q.mask].entry.Load()
		switch {
		case e == nil || e.pos < pos:
			// claimed by a producer that has not stored yet
			return models.CanonicalEvent{}, false
		case e.pos > pos:
			floor := q.tail.Load() - q.capacity
			if floor <= pos {
				floor = pos + 1
			}
			c.skipTo(pos, floor)
			continue
		}
		c.next.Store(pos + 1)
		return e.event, true
	}
}

func (c *Cursor) skipTo(from, to uint64) {
	lost := to - from
	c.next.Store(to)
	c.dropped.Add(lost)
	c.q.drops.Add(lost)
}

// TryNext returns the next event without waiting. ok is false when nothing is
// readable yet; err is ErrClosed once the queue is closed and drained.
func (c *Cursor) TryNext() (ev models.CanonicalEvent, ok bool, err error) {
	if c.closed.Load() {
		return models.CanonicalEvent{}, false, ErrCursorClosed
	}
	if ev, ok := c.poll(); ok {
		return ev, true, nil
	}
	if c.q.closed.Load() && c.next.Load() >= c.q.tail.Load() {
		return models.CanonicalEvent{}, false, ErrClosed
	}
	return models.CanonicalEvent{}, false, nil
}

// Next blocks until an event is available, the queue is closed and drained
// (ErrClosed), the cursor is closed (ErrCursorClosed) or ctx is done.
func (c *Cursor) Next(ctx context.Context) (models.CanonicalEvent, error) {
	q := c.q
	for spins := 0; ; spins++ {
		if c.closed.Load() {
			return models.CanonicalEvent{}, ErrCursorClosed
		}
		if ev, ok := c.poll(); ok {
			return ev, nil
		}
		if q.closed.Load() {
			if ev, ok := c.poll(); ok {
				return ev, nil
			}
			if c.next.Load() >= q.tail.Load() {
				return models.CanonicalEvent{}, ErrClosed
			}
			// a publish that started before Close is still storing
			runtime.Gosched()
			continue
		}
		if spins < q.spin {
			runtime.Gosched()
			continue
		}

		q.waiters.Add(1)
		wait := q.notify.Load()
		if ev, ok := c.poll(); ok {
			q.waiters.Add(-1)
			return ev, nil
		}
		select {
		case <-*wait:
		case <-q.done:
		case <-c.done:
		case <-ctx.Done():
			q.waiters.Add(-1)
			return models.CanonicalEvent{}, ctx.Err()
		}
		q.waiters.Add(-1)
		spins = 0
	}
}
