// Package wire defines the JSON frames exchanged between the broker host and
// a sync agent over a session's websocket. Opening the socket joins the
// session and closing it leaves.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"blockcollab/broker"
	"blockcollab/session"
	"blockcollab/workspace"
)

// Type tags a frame.
type Type string

const (
	// TypeWelcome is the first frame on a new connection: the client id the
	// server registered and the session it joined.
	TypeWelcome Type = "welcome"
	// TypeSubmit carries a local snapshot built on BaseSequence.
	TypeSubmit Type = "submit"
	// TypeAck confirms a submission was accepted as Sequence.
	TypeAck Type = "ack"
	// TypeSync delivers an accepted snapshot (a peer edit or a catch-up).
	TypeSync Type = "sync"
	// TypeRejected reports a submission the broker refused.
	TypeRejected Type = "rejected"
	// TypeResync asks the broker for the authoritative state.
	TypeResync Type = "resync"
)

// Rejection codes.
const (
	CodeStale     = "stale"
	CodeMalformed = "malformed"
	CodeNotMember = "not_member"
	CodeBadFrame  = "bad_frame"
	CodeInternal  = "internal"
)

// Frame is one websocket message. Fields not relevant to a type are omitted.
type Frame struct {
	Type         Type                `json:"type"`
	ClientID     string              `json:"client_id,omitempty"`
	SessionID    string              `json:"session_id,omitempty"`
	Epoch        string              `json:"epoch,omitempty"`
	Sequence     uint64              `json:"sequence,omitempty"`
	BaseSequence uint64              `json:"base_sequence,omitempty"`
	Origin       string              `json:"origin,omitempty"`
	Timestamp    time.Time           `json:"timestamp,omitzero"`
	CatchUp      bool                `json:"catch_up,omitempty"`
	Snapshot     *workspace.Snapshot `json:"snapshot,omitempty"`
	Code         string              `json:"code,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// ErrUnknownType is returned by Decode for a frame with an unrecognized type.
var ErrUnknownType = errors.New("wire: unknown frame type")

// Decode parses one frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("wire: decode: %w", err)
	}
	switch f.Type {
	case TypeWelcome, TypeSubmit, TypeAck, TypeSync, TypeRejected, TypeResync:
		return f, nil
	}
	return Frame{}, fmt.Errorf("%w %q", ErrUnknownType, f.Type)
}

// Encode serializes f.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", f.Type, err)
	}
	return data, nil
}

// Sync wraps a broker message for delivery.
func Sync(m broker.Message) Frame {
	return Frame{
		Type:      TypeSync,
		SessionID: m.SessionID,
		Epoch:     m.Epoch,
		Sequence:  m.Sequence,
		Origin:    m.OriginClientID,
		Timestamp: m.Timestamp,
		CatchUp:   m.CatchUp,
		Snapshot:  m.Snapshot,
	}
}

// Ack confirms an accepted submission. The snapshot is left out: the
// submitter already has it.
func Ack(m broker.Message) Frame {
	f := Sync(m)
	f.Type = TypeAck
	f.Snapshot = nil
	return f
}

// Message unwraps a sync or ack frame.
func (f Frame) Message() broker.Message {
	return broker.Message{
		SessionID:      f.SessionID,
		Epoch:          f.Epoch,
		OriginClientID: f.Origin,
		Sequence:       f.Sequence,
		Timestamp:      f.Timestamp,
		CatchUp:        f.CatchUp,
		Snapshot:       f.Snapshot,
	}
}

// Rejected builds the frame reporting err to the submitter.
func Rejected(err error) Frame {
	code := CodeInternal
	var seq uint64
	var se *broker.StaleError
	switch {
	case errors.As(err, &se):
		code, seq = CodeStale, se.Current
	case errors.Is(err, workspace.ErrMalformedSnapshot):
		code = CodeMalformed
	case errors.Is(err, session.ErrNotMember), errors.Is(err, session.ErrUnknownSession):
		code = CodeNotMember
	case errors.Is(err, ErrUnknownType), errors.As(err, new(*json.SyntaxError)):
		code = CodeBadFrame
	}
	return Frame{Type: TypeRejected, Code: code, Sequence: seq, Error: err.Error()}
}

// RejectedError is the client-side form of a rejected frame. It matches the
// broker and workspace sentinels of its code with errors.Is.
type RejectedError struct {
	Code     string
	Sequence uint64 // authoritative sequence, for stale rejections
	Reason   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("wire: submission rejected (%s): %s", e.Code, e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	switch e.Code {
	case CodeStale:
		return target == broker.ErrStaleSubmission
	case CodeMalformed:
		return target == workspace.ErrMalformedSnapshot
	case CodeNotMember:
		return target == session.ErrNotMember
	}
	return false
}

// Err returns the rejection carried by a rejected frame, or nil.
func (f Frame) Err() error {
	if f.Type != TypeRejected {
		return nil
	}
	return &RejectedError{Code: f.Code, Sequence: f.Sequence, Reason: f.Error}
}
