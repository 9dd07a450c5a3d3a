// Package session tracks which clients belong to which collaborative room.
//
// Every session carries its own mutex: all changes to a session's members
// and authoritative state run one at a time under it, while different
// sessions proceed in parallel. The registry-wide lock only guards the map
// from id to session and is never held while a session lock is taken.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"blockcollab/workspace"
)

var (
	ErrUnknownSession = errors.New("session: unknown session")
	ErrNotMember      = errors.New("session: client is not a member")
)

// Session is one collaborative room. Its methods may only be called from
// inside a Registry callback, which holds the session lock.
type Session[M comparable] struct {
	id      string
	epoch   string
	mu      sync.Mutex
	members map[string]M
	evicted bool

	lastSequence uint64
	lastSnapshot *workspace.Snapshot
	lastOrigin   string
	createdAt    time.Time
	updatedAt    time.Time
}

func newSession[M comparable](id string) *Session[M] {
	now := time.Now()
	return &Session[M]{
		id:        id,
		epoch:     uuid.Must(uuid.NewV7()).String(),
		members:   make(map[string]M),
		createdAt: now,
		updatedAt: now,
	}
}

func (s *Session[M]) ID() string { return s.id }

// Epoch identifies this incarnation of the session. Epochs are time-ordered
// UUIDv7 strings, so a session recreated after eviction sorts after the one
// it replaced.
func (s *Session[M]) Epoch() string { return s.epoch }

// LastSequence is the sequence of the newest accepted snapshot, 0 when none.
func (s *Session[M]) LastSequence() uint64 { return s.lastSequence }

// LastSnapshot is the authoritative workspace state, nil when none.
func (s *Session[M]) LastSnapshot() *workspace.Snapshot { return s.lastSnapshot }

// LastOrigin is the client that submitted LastSnapshot.
func (s *Session[M]) LastOrigin() string { return s.lastOrigin }

// Len returns the number of members.
func (s *Session[M]) Len() int { return len(s.members) }

// Member returns the member registered under clientID.
func (s *Session[M]) Member(clientID string) (M, bool) {
	m, ok := s.members[clientID]
	return m, ok
}

// Range calls fn for every member in client id order.
func (s *Session[M]) Range(fn func(clientID string, m M)) {
	ids := make([]string, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fn(id, s.members[id])
	}
}

// Advance makes snap the authoritative state and returns its sequence.
func (s *Session[M]) Advance(origin string, snap *workspace.Snapshot) uint64 {
	s.lastSequence++
	s.lastSnapshot = snap
	s.lastOrigin = origin
	s.updatedAt = time.Now()
	return s.lastSequence
}

// Info is a point-in-time summary of a session.
type Info struct {
	ID           string    `json:"id"`
	Epoch        string    `json:"epoch"`
	Members      []string  `json:"members"`
	LastSequence uint64    `json:"last_sequence"`
	Blocks       int       `json:"blocks"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Session[M]) info() Info {
	in := Info{
		ID:           s.id,
		Epoch:        s.epoch,
		Members:      []string{},
		LastSequence: s.lastSequence,
		Blocks:       s.lastSnapshot.Len(),
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
	s.Range(func(id string, _ M) { in.Members = append(in.Members, id) })
	return in
}

// Registry maps session ids to live sessions. M is the per-member handle
// the caller wants back (a connection, an outbox).
type Registry[M comparable] struct {
	mu       sync.Mutex
	sessions map[string]*Session[M]
}

// NewRegistry returns an empty registry.
func NewRegistry[M comparable]() *Registry[M] {
	return &Registry[M]{sessions: make(map[string]*Session[M])}
}

// Join adds m as clientID to the session, creating the session if absent,
// and then runs fn (when non-nil) under the same lock so the caller can read
// a catch-up state that no concurrent submission can slip past.
//
// A client id that is already present is replaced; the previous handle is
// returned so the caller can close it. If fn fails the join is undone.
func (r *Registry[M]) Join(sessionID, clientID string, m M, fn func(*Session[M]) error) (prev M, replaced bool, err error) {
	for {
		s := r.getOrCreate(sessionID)
		s.mu.Lock()
		if s.evicted {
			// Lost a race with the last leave; start over on a fresh session.
			s.mu.Unlock()
			continue
		}
		prev, replaced = s.members[clientID]
		s.members[clientID] = m
		if fn != nil {
			if err = fn(s); err != nil {
				if replaced {
					s.members[clientID] = prev
				} else {
					delete(s.members, clientID)
					r.evictIfEmpty(s)
				}
				s.mu.Unlock()
				var zero M
				return zero, false, err
			}
		}
		s.mu.Unlock()
		return prev, replaced, nil
	}
}

// Leave removes clientID when it is still registered with handle m. Once
// the last member leaves the session is evicted; a later Join with the same
// id starts from an empty session.
func (r *Registry[M]) Leave(sessionID, clientID string, m M) (evicted bool, err error) {
	s := r.get(sessionID)
	if s == nil {
		return false, ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return false, ErrUnknownSession
	}
	cur, ok := s.members[clientID]
	if !ok || cur != m {
		return false, ErrNotMember
	}
	delete(s.members, clientID)
	return r.evictIfEmpty(s), nil
}

// Update runs fn under the session lock. It fails with ErrUnknownSession
// when the session does not exist or was evicted.
func (r *Registry[M]) Update(sessionID string, fn func(*Session[M]) error) error {
	s := r.get(sessionID)
	if s == nil {
		return ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return ErrUnknownSession
	}
	return fn(s)
}

// Lookup returns a summary of one session.
func (r *Registry[M]) Lookup(sessionID string) (Info, bool) {
	var in Info
	err := r.Update(sessionID, func(s *Session[M]) error {
		in = s.info()
		return nil
	})
	return in, err == nil
}

// Stats summarizes every live session, ordered by id.
func (r *Registry[M]) Stats() []Info {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)

	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		if in, ok := r.Lookup(id); ok {
			out = append(out, in)
		}
	}
	return out
}

func (r *Registry[M]) get(id string) *Session[M] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *Registry[M]) getOrCreate(id string) *Session[M] {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = newSession[M](id)
		r.sessions[id] = s
	}
	return s
}

// evictIfEmpty must be called with s.mu held.
func (r *Registry[M]) evictIfEmpty(s *Session[M]) bool {
	if len(s.members) > 0 {
		return false
	}
	s.evicted = true
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	return true
}
