package broker

import (
	"context"
	"errors"
	"sync"
)

// ErrOutboxClosed is returned by Next once the outbox is closed and drained.
var ErrOutboxClosed = errors.New("broker: outbox closed")

// DefaultOutboxLimit bounds the messages queued for one member.
const DefaultOutboxLimit = 256

// Outbox is a member's non-blocking delivery queue. Every message carries a
// full snapshot, so when a slow reader lets the queue overflow only the
// newest message is kept: the member still converges to the latest state.
type Outbox struct {
	mu        sync.Mutex
	queue     []Message
	limit     int
	notify    chan struct{}
	closed    bool
	reason    error
	collapsed int
}

// NewOutbox returns an outbox holding at most limit messages; limit <= 0
// means DefaultOutboxLimit.
func NewOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = DefaultOutboxLimit
	}
	return &Outbox{limit: limit, notify: make(chan struct{}, 1)}
}

// Deliver queues m. It never blocks.
func (o *Outbox) Deliver(m Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.queue = append(o.queue, m)
	if len(o.queue) > o.limit {
		o.collapsed += len(o.queue) - 1
		latest := o.queue[len(o.queue)-1]
		latest.CatchUp = true
		o.queue = append(o.queue[:0], latest)
	}
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Drop closes the outbox with reason.
func (o *Outbox) Drop(reason error) { o.close(reason) }

// Close closes the outbox. Queued messages can still be read.
func (o *Outbox) Close() { o.close(nil) }

func (o *Outbox) close(reason error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.reason = reason
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a message is available, the outbox is closed and empty,
// or ctx is done. After a Drop the error wraps the drop reason.
func (o *Outbox) Next(ctx context.Context) (Message, error) {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			m := o.queue[0]
			o.queue[0] = Message{}
			o.queue = o.queue[1:]
			o.mu.Unlock()
			return m, nil
		}
		if o.closed {
			reason := o.reason
			o.mu.Unlock()
			if reason != nil {
				return Message{}, errors.Join(ErrOutboxClosed, reason)
			}
			return Message{}, ErrOutboxClosed
		}
		o.mu.Unlock()

		select {
		case <-o.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Len returns the number of queued messages.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Collapsed returns how many messages were skipped because the reader fell
// behind.
func (o *Outbox) Collapsed() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.collapsed
}
