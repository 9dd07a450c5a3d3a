package broker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestFeed connects to the Redis named by BLOCKCOLLAB_TEST_REDIS_ADDR and
// isolates the test under a random key prefix.
func newTestFeed(t *testing.T) *RedisFeed {
	t.Helper()
	addr := os.Getenv("BLOCKCOLLAB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BLOCKCOLLAB_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return NewRedisFeed(rdb, WithKeyPrefix("test-"+uuid.NewString()), WithLatestTTL(time.Minute), WithFeedLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestRedisFeedKeepsLatest(t *testing.T) {
	f := newTestFeed(t)
	ctx := context.Background()

	if _, ok, err := f.Latest(ctx, "room"); err != nil || ok {
		t.Fatalf("Latest on empty feed = %v, %v", ok, err)
	}
	for _, seq := range []uint64{1, 3, 2} {
		if err := f.Publish(ctx, Message{SessionID: "room", Epoch: "e1", Sequence: seq, Snapshot: assignSnapshot("5")}); err != nil {
			t.Fatal(err)
		}
	}
	m, ok, err := f.Latest(ctx, "room")
	if err != nil || !ok {
		t.Fatalf("Latest = %v, %v", ok, err)
	}
	if m.Sequence != 3 {
		t.Errorf("Latest sequence = %d, want 3 (late publish must not roll back)", m.Sequence)
	}

	// A later epoch wins regardless of sequence.
	if err := f.Publish(ctx, Message{SessionID: "room", Epoch: "e2", Sequence: 1}); err != nil {
		t.Fatal(err)
	}
	if m, _, _ := f.Latest(ctx, "room"); m.Epoch != "e2" || m.Sequence != 1 {
		t.Errorf("Latest after new epoch = %s/%d", m.Epoch, m.Sequence)
	}
}

func TestRedisFeedSubscribe(t *testing.T) {
	f := newTestFeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.Publish(ctx, Message{SessionID: "room", Epoch: "e1", Sequence: 1}); err != nil {
		t.Fatal(err)
	}
	msgs, err := f.Subscribe(ctx, "room")
	if err != nil {
		t.Fatal(err)
	}
	next := func() Message {
		t.Helper()
		select {
		case m := <-msgs:
			return m
		case <-time.After(3 * time.Second):
			t.Fatal("no message from feed")
		}
		return Message{}
	}
	if m := next(); m.Sequence != 1 {
		t.Fatalf("first message = %d, want the stored latest", m.Sequence)
	}
	if err := f.Publish(ctx, Message{SessionID: "room", Epoch: "e1", Sequence: 2, OriginClientID: "A"}); err != nil {
		t.Fatal(err)
	}
	if m := next(); m.Sequence != 2 || m.OriginClientID != "A" {
		t.Errorf("live message = %+v", m)
	}
}
