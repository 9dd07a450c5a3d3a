package wire

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"blockcollab/broker"
	"blockcollab/session"
	"blockcollab/workspace"
)

func TestSyncFrameCarriesMessage(t *testing.T) {
	m := broker.Message{
		SessionID:      "room",
		Epoch:          "e1",
		OriginClientID: "A",
		Sequence:       7,
		Timestamp:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		CatchUp:        true,
		Snapshot: &workspace.Snapshot{Blocks: []workspace.Block{
			{ID: "n", Type: "math_number", Fields: map[string]string{"NUM": "5"}},
		}},
	}
	data, err := Encode(Sync(m))
	if err != nil {
		t.Fatal(err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != TypeSync {
		t.Errorf("type = %q", f.Type)
	}
	if diff := cmp.Diff(m, f.Message()); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}
}

func TestAckOmitsSnapshot(t *testing.T) {
	f := Ack(broker.Message{SessionID: "room", Sequence: 3, Snapshot: &workspace.Snapshot{}})
	if f.Type != TypeAck || f.Snapshot != nil || f.Sequence != 3 {
		t.Errorf("ack = %+v", f)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"merge"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("err = %v, want ErrUnknownType", err)
	}
	if _, err := Decode([]byte(`{"type":`)); err == nil {
		t.Error("truncated frame decoded")
	}
}

func TestRejectedRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     string
		sentinel error
	}{
		{
			name:     "stale",
			err:      fmt.Errorf("broker: submit: %w", &broker.StaleError{SessionID: "room", Base: 1, Synced: 2, Current: 4}),
			code:     CodeStale,
			sentinel: broker.ErrStaleSubmission,
		},
		{
			name:     "malformed",
			err:      fmt.Errorf("broker: submit: %w", &workspace.MalformedError{BlockID: "a", Reason: "cycle"}),
			code:     CodeMalformed,
			sentinel: workspace.ErrMalformedSnapshot,
		},
		{
			name:     "not member",
			err:      fmt.Errorf("broker: submit: %w", session.ErrNotMember),
			code:     CodeNotMember,
			sentinel: session.ErrNotMember,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Rejected(tt.err)
			if f.Code != tt.code {
				t.Fatalf("code = %q, want %q", f.Code, tt.code)
			}
			data, err := Encode(f)
			if err != nil {
				t.Fatal(err)
			}
			back, err := Decode(data)
			if err != nil {
				t.Fatal(err)
			}
			if got := back.Err(); !errors.Is(got, tt.sentinel) {
				t.Errorf("Err() = %v, want match for %v", got, tt.sentinel)
			}
		})
	}

	var re *RejectedError
	if err := Rejected(&broker.StaleError{Current: 4}).Err(); !errors.As(err, &re) || re.Sequence != 4 {
		t.Errorf("stale rejection lost the current sequence: %v", err)
	}
	if (Frame{Type: TypeSync}).Err() != nil {
		t.Error("sync frame reported an error")
	}
}
