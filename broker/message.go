package broker

import (
	"errors"
	"fmt"
	"time"

	"blockcollab/workspace"
)

// Message is the envelope the broker delivers: one accepted snapshot
// stamped with the session's sequence.
type Message struct {
	SessionID      string              `json:"session_id"`
	Epoch          string              `json:"epoch"`
	OriginClientID string              `json:"origin"`
	Sequence       uint64              `json:"sequence"`
	Timestamp      time.Time           `json:"timestamp"`
	CatchUp        bool                `json:"catch_up,omitempty"` // sent on join or resync to the joiner only
	Snapshot       *workspace.Snapshot `json:"snapshot,omitempty"`
}

// Newer reports whether m supersedes a message seen at (epoch, seq). A later
// epoch always wins; within an epoch the higher sequence wins.
func (m Message) Newer(epoch string, seq uint64) bool {
	if m.Epoch != epoch {
		return m.Epoch > epoch
	}
	return m.Sequence > seq
}

// Deliverer receives the messages of one session member. Deliver is called
// with the session lock held and must not block. Drop is called once when
// the broker stops delivering to it because the same client joined again.
type Deliverer interface {
	Deliver(Message)
	Drop(reason error)
}

var (
	// ErrStaleSubmission is matched by every *StaleError.
	ErrStaleSubmission = errors.New("broker: stale submission")

	// ErrChannelLost marks a member whose connection dropped. Losing the
	// channel is an implicit leave.
	ErrChannelLost = errors.New("broker: channel lost")

	// ErrReplaced is passed to Deliverer.Drop when a newer connection
	// joined under the same client id.
	ErrReplaced = errors.New("broker: replaced by a newer connection")
)

// StaleError rejects a submission built on state the submitter no longer
// shares with the session. The submitter must resync before retrying.
type StaleError struct {
	SessionID string
	ClientID  string
	Base      uint64 // sequence the submission was built on
	Synced    uint64 // sequence the member last caught up to
	Current   uint64 // session's LastSequence
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("broker: stale submission from %s in %s: base %d, synced %d, current %d",
		e.ClientID, e.SessionID, e.Base, e.Synced, e.Current)
}

func (e *StaleError) Is(target error) bool { return target == ErrStaleSubmission }
