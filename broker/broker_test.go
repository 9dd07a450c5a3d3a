package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"blockcollab/codegen"
	"blockcollab/session"
	"blockcollab/workspace"
)

func newTestBroker(opts ...Option) *Broker {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(append([]Option{WithLogger(quiet)}, opts...)...)
}

// drain returns every message currently queued in out.
func drain(t *testing.T, out *Outbox) []Message {
	t.Helper()
	var msgs []Message
	for out.Len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		m, err := out.Next(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func join(t *testing.T, b *Broker, sessionID, clientID string) *Outbox {
	t.Helper()
	out := NewOutbox(0)
	if _, err := b.Join(sessionID, clientID, out); err != nil {
		t.Fatalf("Join(%s): %v", clientID, err)
	}
	return out
}

// assignSnapshot is x = <value>.
func assignSnapshot(value string) *workspace.Snapshot {
	return &workspace.Snapshot{
		Blocks: []workspace.Block{
			{ID: "set", Type: "variables_set", Fields: map[string]string{"VAR": "vx"}, Inputs: map[string]string{"VALUE": "n"}},
			{ID: "n", Type: "math_number", Fields: map[string]string{"NUM": value}},
		},
		Variables: []workspace.Variable{{ID: "vx", Name: "x"}},
	}
}

func sameGraph(t *testing.T, a, b *workspace.Snapshot) bool {
	t.Helper()
	wa, err := workspace.Deserialize(a)
	if err != nil {
		t.Fatal(err)
	}
	wb, err := workspace.Deserialize(b)
	if err != nil {
		t.Fatal(err)
	}
	return workspace.Equal(wa, wb)
}

func TestSubmitReachesPeerNotOrigin(t *testing.T) {
	b := newTestBroker()
	outA := join(t, b, "room", "A")
	outB := join(t, b, "room", "B")
	drain(t, outA)
	if got := drain(t, outB); len(got) != 1 || !got[0].CatchUp || got[0].Sequence != 0 || got[0].Snapshot != nil {
		t.Fatalf("B catch-up = %+v, want empty catch-up at 0", got)
	}

	snap := assignSnapshot("5")
	msg, err := b.Submit(context.Background(), "room", "A", 0, snap)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if msg.Sequence != 1 || msg.OriginClientID != "A" || msg.SessionID != "room" {
		t.Errorf("accepted message = %+v", msg)
	}

	if got := drain(t, outA); len(got) != 0 {
		t.Errorf("origin received its own submission: %+v", got)
	}
	got := drain(t, outB)
	if len(got) != 1 {
		t.Fatalf("B received %d messages, want 1", len(got))
	}
	if got[0].Sequence != 1 || got[0].CatchUp {
		t.Errorf("B message = %+v", got[0])
	}
	if !sameGraph(t, snap, got[0].Snapshot) {
		t.Error("B's snapshot differs from A's")
	}

	art, err := codegen.Generate(got[0].Snapshot)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(art.Source, "x = 5;") {
		t.Errorf("generated source %q lacks the assignment", art.Source)
	}
}

func TestLateJoinReceivesLatest(t *testing.T) {
	b := newTestBroker()
	join(t, b, "room", "A")
	for i := 1; i <= 3; i++ {
		if _, err := b.Submit(context.Background(), "room", "A", uint64(i-1), assignSnapshot(fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}
	outC := join(t, b, "room", "C")
	got := drain(t, outC)
	if len(got) != 1 {
		t.Fatalf("C received %d messages, want 1", len(got))
	}
	if !got[0].CatchUp || got[0].Sequence != 3 || got[0].OriginClientID != "A" {
		t.Errorf("catch-up = %+v", got[0])
	}
	if !sameGraph(t, assignSnapshot("3"), got[0].Snapshot) {
		t.Error("late joiner did not get the third snapshot")
	}
}

func TestTotalOrderUnderConcurrency(t *testing.T) {
	b := newTestBroker()
	const clients, perClient = 5, 20
	outs := make(map[string]*Outbox)
	for i := 0; i < clients; i++ {
		id := fmt.Sprintf("c%d", i)
		outs[id] = join(t, b, "room", id)
	}
	for _, out := range outs {
		drain(t, out)
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		own = make(map[string][]uint64)
	)
	for id := range outs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < perClient; j++ {
				msg, err := b.Submit(context.Background(), "room", id, 0, assignSnapshot(fmt.Sprint(j)))
				if err != nil {
					t.Errorf("Submit(%s): %v", id, err)
					return
				}
				mu.Lock()
				own[id] = append(own[id], msg.Sequence)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	for id, out := range outs {
		got := drain(t, out)
		if len(got) != (clients-1)*perClient {
			t.Errorf("%s received %d messages, want %d", id, len(got), (clients-1)*perClient)
		}
		seen := make(map[uint64]bool)
		var prev uint64
		for _, m := range got {
			if m.Sequence <= prev {
				t.Fatalf("%s observed sequence %d after %d", id, m.Sequence, prev)
			}
			if m.OriginClientID == id {
				t.Fatalf("%s received its own message %d", id, m.Sequence)
			}
			prev = m.Sequence
			seen[m.Sequence] = true
		}
		for _, s := range own[id] {
			seen[s] = true
		}
		if len(seen) != clients*perClient {
			t.Errorf("%s accounts for %d sequences, want %d", id, len(seen), clients*perClient)
		}
	}
}

func TestLastWriterWins(t *testing.T) {
	b := newTestBroker()
	outA := join(t, b, "room", "A")
	outB := join(t, b, "room", "B")
	drain(t, outA)
	drain(t, outB)

	type result struct {
		msg Message
		err error
	}
	results := make(chan result, 2)
	var start sync.WaitGroup
	start.Add(1)
	for _, c := range []struct{ id, value string }{{"A", "1"}, {"B", "2"}} {
		go func(id, value string) {
			start.Wait()
			m, err := b.Submit(context.Background(), "room", id, 0, assignSnapshot(value))
			results <- result{m, err}
		}(c.id, c.value)
	}
	start.Done()

	var accepted []Message
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("Submit: %v", r.err)
		}
		accepted = append(accepted, r.msg)
	}
	second := accepted[0]
	if accepted[1].Sequence > second.Sequence {
		second = accepted[1]
	}

	latest, seq, err := b.Latest("room")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 2 || !sameGraph(t, latest, second.Snapshot) {
		t.Fatalf("authority at %d is not the second accepted snapshot", seq)
	}

	// Each member's final view: its own last accepted state or the newest
	// message it received, whichever is later.
	for id, out := range map[string]*Outbox{"A": outA, "B": outB} {
		view := Message{}
		for _, m := range accepted {
			if m.OriginClientID == id && m.Sequence > view.Sequence {
				view = m
			}
		}
		for _, m := range drain(t, out) {
			if m.Sequence > view.Sequence {
				view = m
			}
		}
		if !sameGraph(t, view.Snapshot, latest) {
			t.Errorf("%s did not converge to the second-accepted snapshot", id)
		}
	}
}

func TestStaleSubmissionRejected(t *testing.T) {
	b := newTestBroker()
	join(t, b, "room", "A")
	for i := 0; i < 3; i++ {
		if _, err := b.Submit(context.Background(), "room", "A", uint64(i), assignSnapshot("1")); err != nil {
			t.Fatal(err)
		}
	}
	outC := join(t, b, "room", "C")
	drain(t, outC)

	for _, base := range []uint64{2, 4} {
		_, err := b.Submit(context.Background(), "room", "C", base, assignSnapshot("9"))
		var se *StaleError
		if !errors.As(err, &se) || !errors.Is(err, ErrStaleSubmission) {
			t.Fatalf("Submit(base %d) err = %v, want StaleError", base, err)
		}
		if se.Current != 3 || se.Synced != 3 {
			t.Errorf("StaleError = %+v", se)
		}
	}
	if _, seq, _ := b.Latest("room"); seq != 3 {
		t.Errorf("rejected submissions advanced the sequence to %d", seq)
	}

	seq, err := b.Resync("room", "C")
	if err != nil || seq != 3 {
		t.Fatalf("Resync = %d, %v", seq, err)
	}
	if got := drain(t, outC); len(got) != 1 || !got[0].CatchUp || got[0].Sequence != 3 {
		t.Errorf("resync delivered %+v", got)
	}
	if _, err := b.Submit(context.Background(), "room", "C", 3, assignSnapshot("9")); err != nil {
		t.Errorf("Submit after resync: %v", err)
	}
	if st := b.Stats(); st.Accepted != 4 || st.Rejected != 2 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestMalformedSubmissionKeepsAuthority(t *testing.T) {
	b := newTestBroker()
	join(t, b, "room", "A")
	outB := join(t, b, "room", "B")
	if _, err := b.Submit(context.Background(), "room", "A", 0, assignSnapshot("5")); err != nil {
		t.Fatal(err)
	}
	drain(t, outB)

	bad := &workspace.Snapshot{Blocks: []workspace.Block{
		{ID: "a", Type: "text_print", Next: "b"},
		{ID: "b", Type: "text_print", Next: "a"},
	}}
	_, err := b.Submit(context.Background(), "room", "A", 1, bad)
	if !errors.Is(err, workspace.ErrMalformedSnapshot) {
		t.Fatalf("err = %v, want ErrMalformedSnapshot", err)
	}
	latest, seq, _ := b.Latest("room")
	if seq != 1 || !sameGraph(t, latest, assignSnapshot("5")) {
		t.Error("malformed submission changed the authoritative state")
	}
	if got := drain(t, outB); len(got) != 0 {
		t.Errorf("peer received %d messages from a malformed submission", len(got))
	}
}

func TestSubmitRequiresMembership(t *testing.T) {
	b := newTestBroker()
	join(t, b, "room", "A")
	_, err := b.Submit(context.Background(), "room", "Z", 0, assignSnapshot("1"))
	if !errors.Is(err, session.ErrNotMember) {
		t.Errorf("err = %v, want ErrNotMember", err)
	}
	_, err = b.Submit(context.Background(), "nowhere", "A", 0, assignSnapshot("1"))
	if !errors.Is(err, session.ErrUnknownSession) {
		t.Errorf("err = %v, want ErrUnknownSession", err)
	}
}

func TestRejoinReplacesConnection(t *testing.T) {
	b := newTestBroker()
	first := join(t, b, "room", "A")
	second := join(t, b, "room", "A")

	drain(t, first)
	if _, err := first.Next(context.Background()); !errors.Is(err, ErrReplaced) || !errors.Is(err, ErrOutboxClosed) {
		t.Errorf("replaced outbox Next err = %v", err)
	}
	if err := b.Leave("room", "A", first); !errors.Is(err, session.ErrNotMember) {
		t.Errorf("Leave(first) = %v, want ErrNotMember", err)
	}
	if err := b.Leave("room", "A", second); err != nil {
		t.Fatalf("Leave(second): %v", err)
	}
	if _, ok := b.Session("room"); ok {
		t.Error("session not evicted after last leave")
	}
}

type recordingFeed struct {
	mu   sync.Mutex
	msgs []Message
}

func (f *recordingFeed) Publish(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func TestFeedReceivesAccepted(t *testing.T) {
	feed := &recordingFeed{}
	b := newTestBroker(WithFeed(feed))
	join(t, b, "room", "A")
	b.Submit(context.Background(), "room", "A", 0, assignSnapshot("1"))
	b.Submit(context.Background(), "room", "A", 5, assignSnapshot("2")) // stale

	if len(feed.msgs) != 1 || feed.msgs[0].Sequence != 1 {
		t.Errorf("feed got %+v, want only sequence 1", feed.msgs)
	}
}

func TestEvictedSessionRestartsSequence(t *testing.T) {
	b := newTestBroker()
	outA := join(t, b, "room", "A")
	b.Submit(context.Background(), "room", "A", 0, assignSnapshot("1"))
	first, _ := b.Session("room")
	if err := b.Leave("room", "A", outA); err != nil {
		t.Fatal(err)
	}

	outB := join(t, b, "room", "B")
	got := drain(t, outB)
	if len(got) != 1 || got[0].Sequence != 0 || got[0].Snapshot != nil {
		t.Fatalf("fresh session catch-up = %+v", got)
	}
	if !got[0].Newer(first.Epoch, first.LastSequence) {
		t.Error("new incarnation does not supersede the evicted one")
	}
}
