// Package bus is the in-process distribution queue for canonical events.
//
// The queue is a fixed ring of slots shared by every consumer. Producers claim
// a position with an atomic increment of the tail and publish an immutable
// entry into the slot for that position. Each entry records the position it
// was written for, which acts as the slot generation: a consumer that finds a
// newer generation in the slot it expected knows it has been lapped and skips
// forward, counting the missed events as drops.
package bus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"ingestflow/models"
)

var (
	// ErrClosed is returned by Publish after Close, and by cursors once the
	// queue is closed and every retained event has been read.
	ErrClosed = errors.New("event queue closed")
	// ErrCursorClosed is returned by a cursor that was closed by its owner.
	ErrCursorClosed = errors.New("cursor closed")
)

const (
	defaultCapacity = 1024
	defaultSpin     = 64
)

type entry struct {
	pos   uint64
	event models.CanonicalEvent
}

type slot struct {
	entry atomic.Pointer[entry]
}

// Options tunes a Queue.
type Options struct {
	// Capacity is rounded up to a power of two.
	Capacity int
	// Spin bounds the consumer busy-poll before it parks.
	Spin int
	// ReplayWindow caps SubscribeOptions.Replay. Zero or more than the
	// capacity means the whole ring.
	ReplayWindow int
}

// Queue is a bounded multi-producer multi-consumer broadcast ring.
type Queue struct {
	mask     uint64
	capacity uint64
	spin     int
	window   uint64
	slots    []slot

	tail      atomic.Uint64
	published atomic.Uint64
	drops     atomic.Uint64

	closed  atomic.Bool
	done    chan struct{}
	notify  atomic.Pointer[chan struct{}]
	waiters atomic.Int64

	cursors   sync.Map // id -> *Cursor
	consumers atomic.Int64
}

// New builds a queue with default spin settings.
func New(capacity int) *Queue {
	return NewWithOptions(Options{Capacity: capacity})
}

// NewWithOptions builds a queue.
func NewWithOptions(opts Options) *Queue {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	spin := opts.Spin
	if spin <= 0 {
		spin = defaultSpin
	}
	window := size
	if opts.ReplayWindow > 0 && uint64(opts.ReplayWindow) < size {
		window = uint64(opts.ReplayWindow)
	}
	q := &Queue{
		mask:     size - 1,
		capacity: size,
		spin:     spin,
		window:   window,
		slots:    make([]slot, size),
		done:     make(chan struct{}),
	}
	ch := make(chan struct{})
	q.notify.Store(&ch)
	return q
}

// Publish appends ev. It never waits for consumers: when the ring is full the
// oldest entry is overwritten and lagging cursors account for it as a drop.
func (q *Queue) Publish(ev models.CanonicalEvent) error {
	if q.closed.Load() {
		return ErrClosed
	}
	pos := q.tail.Add(1) - 1
	s := &q.slots[pos&q.mask]
	e := &entry{pos: pos, event: ev}

	// A failed CAS means a producer from an earlier lap landed first, so the
	// retries are bounded by the number of producers in flight.
	for {
		cur := s.entry.Load()
		if cur != nil && cur.pos > pos {
			// a producer one lap ahead already owns the slot
			break
		}
		if s.entry.CompareAndSwap(cur, e) {
			break
		}
	}
	q.published.Add(1)
	q.wake()
	return nil
}

func (q *Queue) wake() {
	if q.waiters.Load() == 0 {
		return
	}
	next := make(chan struct{})
	if old := q.notify.Swap(&next); old != nil {
		close(*old)
	}
}

// Close marks the queue closed. Cursors keep returning retained events and
// then ErrClosed. Callers close the queue only after producers have stopped.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	return q.closed.Load()
}

// Capacity is the ring size.
func (q *Queue) Capacity() int {
	return int(q.capacity)
}

// Published is the number of successful Publish calls.
func (q *Queue) Published() uint64 {
	return q.published.Load()
}

// Drops is the total number of events skipped by lagging cursors.
func (q *Queue) Drops() uint64 {
	return q.drops.Load()
}

// Consumers is the number of open cursors.
func (q *Queue) Consumers() int {
	return int(q.consumers.Load())
}

// Depth is the backlog of the slowest open cursor, bounded by capacity.
func (q *Queue) Depth() int {
	tail := q.tail.Load()
	var depth uint64
	q.cursors.Range(func(_, v any) bool {
		c := v.(*Cursor)
		next := c.next.Load()
		if next < tail {
			lag := tail - next
			if lag > q.capacity {
				lag = q.capacity
			}
			if lag > depth {
				depth = lag
			}
		}
		return true
	})
	return int(depth)
}

// SubscribeOptions selects where a new cursor starts.
type SubscribeOptions struct {
	// Replay asks for up to this many already buffered events, capped by the
	// queue's replay window. Zero starts at the next published event.
	Replay int
}

// Subscribe opens an independent cursor.
func (q *Queue) Subscribe(opts SubscribeOptions) *Cursor {
	tail := q.tail.Load()
	start := tail
	if opts.Replay > 0 {
		back := uint64(opts.Replay)
		if back > q.window {
			back = q.window
		}
		if back > tail {
			back = tail
		}
		start = tail - back
	}
	c := &Cursor{
		id:   uuid.NewString(),
		q:    q,
		done: make(chan struct{}),
	}
	c.next.Store(start)
	q.cursors.Store(c.id, c)
	q.consumers.Add(1)
	return c
}
