package syncagent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"blockcollab/broker"
	"blockcollab/workspace"
)

// ErrNotConnected is returned by a Transport asked to send while it has no
// connection.
var ErrNotConnected = errors.New("syncagent: not connected")

// Receiver consumes what a Transport reads from the broker. Agent
// implements it.
type Receiver interface {
	Deliver(broker.Message)
	Acknowledge(broker.Message)
	Rejected(error)
	Disconnected(error)
}

// Transport carries one membership's traffic. Run connects (each connection
// is a fresh join) and feeds r until ctx is done. Submit and Resync only
// send; outcomes arrive through the Receiver.
type Transport interface {
	Run(ctx context.Context, r Receiver) error
	Submit(ctx context.Context, base uint64, snap *workspace.Snapshot) error
	Resync(ctx context.Context) error
}

type request struct {
	resync bool
	base   uint64
	snap   *workspace.Snapshot
}

// LocalTransport connects an agent to a Broker in the same process.
//
// Run hands inbound messages to the Receiver synchronously, and a Receiver
// may call Submit while Run is blocked delivering to it. Requests therefore
// go into an unbounded queue that Submit and Resync never wait on.
type LocalTransport struct {
	broker    *broker.Broker
	sessionID string
	clientID  string

	mu        sync.Mutex
	connected bool
	queue     []request
	wake      chan struct{}
}

// NewLocalTransport returns a transport joining sessionID on b as clientID.
func NewLocalTransport(b *broker.Broker, sessionID, clientID string) *LocalTransport {
	return &LocalTransport{broker: b, sessionID: sessionID, clientID: clientID, wake: make(chan struct{}, 1)}
}

// Run implements Transport.
func (t *LocalTransport) Run(ctx context.Context, r Receiver) error {
	out := broker.NewOutbox(0)
	if _, err := t.broker.Join(t.sessionID, t.clientID, out); err != nil {
		return err
	}
	t.mu.Lock()
	t.connected = true
	t.queue = nil
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.connected = false
		t.queue = nil
		t.mu.Unlock()
		t.broker.Leave(t.sessionID, t.clientID, out)
		out.Close()
	}()

	msgs := make(chan broker.Message)
	lost := make(chan error, 1)
	go func() {
		for {
			m, err := out.Next(ctx)
			if err != nil {
				lost <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-lost:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = fmt.Errorf("%w: %w", broker.ErrChannelLost, err)
			r.Disconnected(err)
			return err
		case m := <-msgs:
			r.Deliver(m)
		case <-t.wake:
			t.mu.Lock()
			reqs := t.queue
			t.queue = nil
			t.mu.Unlock()
			for _, req := range reqs {
				t.handle(ctx, r, req)
			}
		}
	}
}

func (t *LocalTransport) handle(ctx context.Context, r Receiver, req request) {
	if req.resync {
		if _, err := t.broker.Resync(t.sessionID, t.clientID); err != nil {
			r.Rejected(err)
		}
		return
	}
	msg, err := t.broker.Submit(ctx, t.sessionID, t.clientID, req.base, req.snap)
	if err != nil {
		r.Rejected(err)
		return
	}
	r.Acknowledge(msg)
}

func (t *LocalTransport) send(ctx context.Context, req request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.queue = append(t.queue, req)
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// Submit implements Transport.
func (t *LocalTransport) Submit(ctx context.Context, base uint64, snap *workspace.Snapshot) error {
	return t.send(ctx, request{base: base, snap: snap})
}

// Resync implements Transport.
func (t *LocalTransport) Resync(ctx context.Context) error {
	return t.send(ctx, request{resync: true})
}
