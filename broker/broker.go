// Package broker is the authoritative relay between the editors of a
// session.
//
// A member submits a whole workspace snapshot; the broker validates it,
// stamps it with the session's next sequence number, makes it the session's
// authoritative state and hands it to every other member, all under the
// session's lock. Members therefore observe accepted snapshots in one total
// order, and the submitter never gets its own snapshot back.
//
// Consistency is last-writer-wins at whole-snapshot granularity: there is no
// merge and no pending state. A joining member is sent the latest snapshot
// only, never the history.
//
//	b := broker.New(broker.WithLogger(logger), broker.WithFeed(feed))
//	out := broker.NewOutbox(0)
//	seq, err := b.Join("room", clientID, out)
//	msg, err := b.Submit(ctx, "room", clientID, seq, snap)
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"blockcollab/session"
	"blockcollab/workspace"
)

// Feed receives every accepted message after the session lock is released.
// Publish order across concurrent submissions is not guaranteed; consumers
// use Message.Newer to keep only the latest.
type Feed interface {
	Publish(ctx context.Context, msg Message) error
}

type member struct {
	clientID string
	out      Deliverer
	synced   uint64 // sequence delivered at join or last resync
}

// Broker serializes submissions per session and fans them out.
type Broker struct {
	registry *session.Registry[*member]
	feed     Feed
	logger   *slog.Logger
	now      func() time.Time

	accepted atomic.Int64
	rejected atomic.Int64
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets a custom logger for the broker.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithFeed mirrors every accepted message to f.
func WithFeed(f Feed) Option {
	return func(b *Broker) { b.feed = f }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New returns a Broker with no sessions.
func New(opts ...Option) *Broker {
	b := &Broker{
		registry: session.NewRegistry[*member](),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Broker) catchUp(s *session.Session[*member]) Message {
	return Message{
		SessionID:      s.ID(),
		Epoch:          s.Epoch(),
		OriginClientID: s.LastOrigin(),
		Sequence:       s.LastSequence(),
		Timestamp:      b.now().UTC(),
		CatchUp:        true,
		Snapshot:       s.LastSnapshot(),
	}
}

// Join adds clientID to the session and delivers the current authoritative
// state to it alone, tagged with the current sequence. The catch-up is sent
// even when the session has no snapshot yet so the joiner learns its base
// sequence. If clientID was already connected, the old Deliverer is dropped
// with ErrReplaced.
func (b *Broker) Join(sessionID, clientID string, d Deliverer) (uint64, error) {
	m := &member{clientID: clientID, out: d}
	var seq uint64
	prev, replaced, err := b.registry.Join(sessionID, clientID, m, func(s *session.Session[*member]) error {
		seq = s.LastSequence()
		m.synced = seq
		d.Deliver(b.catchUp(s))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("broker: join %s: %w", sessionID, err)
	}
	if replaced {
		prev.out.Drop(ErrReplaced)
		b.logger.Info("member replaced", "session", sessionID, "client", clientID)
	}
	b.logger.Info("member joined", "session", sessionID, "client", clientID, "sequence", seq)
	return seq, nil
}

// Leave removes the member registered as clientID with Deliverer d. A
// Deliverer that was already replaced is ignored.
func (b *Broker) Leave(sessionID, clientID string, d Deliverer) error {
	var m *member
	err := b.registry.Update(sessionID, func(s *session.Session[*member]) error {
		cur, ok := s.Member(clientID)
		if !ok || cur.out != d {
			return session.ErrNotMember
		}
		m = cur
		return nil
	})
	if err != nil {
		return fmt.Errorf("broker: leave %s: %w", sessionID, err)
	}
	evicted, err := b.registry.Leave(sessionID, clientID, m)
	if err != nil {
		return fmt.Errorf("broker: leave %s: %w", sessionID, err)
	}
	b.logger.Info("member left", "session", sessionID, "client", clientID, "evicted", evicted)
	return nil
}

// Submit makes snap the session's authoritative state and delivers it to
// every member except originID, in sequence order.
//
// base is the sequence the submitter's edit was built on. A base older than
// the member's last catch-up (its edit predates a reconnect) or newer than
// the session has issued (it belongs to an evicted incarnation) is rejected
// with a *StaleError. A malformed snapshot is rejected with the workspace
// error. Rejected submissions leave the authoritative state untouched.
func (b *Broker) Submit(ctx context.Context, sessionID, originID string, base uint64, snap *workspace.Snapshot) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if err := snap.Validate(); err != nil {
		b.rejected.Add(1)
		b.logger.Warn("malformed submission rejected",
			"session", sessionID, "client", originID, "error", err)
		return Message{}, fmt.Errorf("broker: submit to %s: %w", sessionID, err)
	}
	snap = snap.Canonical()

	var msg Message
	err := b.registry.Update(sessionID, func(s *session.Session[*member]) error {
		m, ok := s.Member(originID)
		if !ok {
			return session.ErrNotMember
		}
		last := s.LastSequence()
		if base < m.synced || base > last {
			return &StaleError{
				SessionID: sessionID,
				ClientID:  originID,
				Base:      base,
				Synced:    m.synced,
				Current:   last,
			}
		}
		seq := s.Advance(originID, snap)
		msg = Message{
			SessionID:      sessionID,
			Epoch:          s.Epoch(),
			OriginClientID: originID,
			Sequence:       seq,
			Timestamp:      b.now().UTC(),
			Snapshot:       snap,
		}
		s.Range(func(id string, other *member) {
			if id != originID {
				other.out.Deliver(msg)
			}
		})
		return nil
	})
	if err != nil {
		b.rejected.Add(1)
		if errors.Is(err, ErrStaleSubmission) {
			b.logger.Info("stale submission rejected",
				"session", sessionID, "client", originID, "base", base)
		}
		return Message{}, fmt.Errorf("broker: submit to %s: %w", sessionID, err)
	}
	b.accepted.Add(1)

	if b.feed != nil {
		if err := b.feed.Publish(ctx, msg); err != nil {
			b.logger.Warn("feed publish failed",
				"session", sessionID, "sequence", msg.Sequence, "error", err)
		}
	}
	return msg, nil
}

// Resync re-delivers the authoritative state to clientID and moves its
// catch-up point forward, so that its next submission is accepted.
func (b *Broker) Resync(sessionID, clientID string) (uint64, error) {
	var seq uint64
	err := b.registry.Update(sessionID, func(s *session.Session[*member]) error {
		m, ok := s.Member(clientID)
		if !ok {
			return session.ErrNotMember
		}
		seq = s.LastSequence()
		m.synced = seq
		m.out.Deliver(b.catchUp(s))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("broker: resync %s: %w", sessionID, err)
	}
	return seq, nil
}

// Latest returns the authoritative snapshot of a session and its sequence.
func (b *Broker) Latest(sessionID string) (*workspace.Snapshot, uint64, error) {
	var (
		snap *workspace.Snapshot
		seq  uint64
	)
	err := b.registry.Update(sessionID, func(s *session.Session[*member]) error {
		snap, seq = s.LastSnapshot(), s.LastSequence()
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("broker: latest %s: %w", sessionID, err)
	}
	return snap, seq, nil
}

// Session returns a summary of one session.
func (b *Broker) Session(sessionID string) (session.Info, bool) {
	return b.registry.Lookup(sessionID)
}

// Sessions summarizes every live session.
func (b *Broker) Sessions() []session.Info {
	return b.registry.Stats()
}

// Stats reports accepted and rejected submission counts.
type Stats struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	Sessions int   `json:"sessions"`
}

func (b *Broker) Stats() Stats {
	return Stats{
		Accepted: b.accepted.Load(),
		Rejected: b.rejected.Load(),
		Sessions: len(b.registry.Stats()),
	}
}
