package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFeed mirrors accepted messages into Redis: each one is published on
// the session's channel and kept as the session's latest message, so other
// processes can watch a session without joining it.
type RedisFeed struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// FeedOption configures a RedisFeed.
type FeedOption func(*RedisFeed)

// WithKeyPrefix sets the prefix of every channel and key (default "blockcollab").
func WithKeyPrefix(p string) FeedOption {
	return func(f *RedisFeed) { f.prefix = p }
}

// WithLatestTTL sets how long the latest message outlives the last update
// (default 24h).
func WithLatestTTL(d time.Duration) FeedOption {
	return func(f *RedisFeed) { f.ttl = d }
}

// WithFeedLogger sets a custom logger for the feed.
func WithFeedLogger(l *slog.Logger) FeedOption {
	return func(f *RedisFeed) { f.logger = l }
}

// NewRedisFeed returns a feed over rdb.
func NewRedisFeed(rdb redis.UniversalClient, opts ...FeedOption) *RedisFeed {
	f := &RedisFeed{
		rdb:    rdb,
		prefix: "blockcollab",
		ttl:    24 * time.Hour,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *RedisFeed) channel(sessionID string) string {
	return f.prefix + ":session:" + sessionID
}

func (f *RedisFeed) latestKey(sessionID string) string {
	return f.prefix + ":session:" + sessionID + ":latest"
}

// publishScript stores and publishes a message only when it is newer than
// the stored one, so late publishes from concurrent submissions never roll
// the latest state back.
var publishScript = redis.NewScript(`
local epoch = redis.call('HGET', KEYS[1], 'epoch')
local seq = redis.call('HGET', KEYS[1], 'sequence')
if epoch then
  if epoch > ARGV[1] then return 0 end
  if epoch == ARGV[1] and tonumber(seq) >= tonumber(ARGV[2]) then return 0 end
end
redis.call('HSET', KEYS[1], 'epoch', ARGV[1], 'sequence', ARGV[2], 'message', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PUBLISH', KEYS[2], ARGV[3])
return 1
`)

// Publish implements Feed.
func (f *RedisFeed) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redisfeed: marshal: %w", err)
	}
	keys := []string{f.latestKey(msg.SessionID), f.channel(msg.SessionID)}
	n, err := publishScript.Run(ctx, f.rdb, keys,
		msg.Epoch, msg.Sequence, data, f.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redisfeed: publish %s: %w", msg.SessionID, err)
	}
	if n == 0 {
		f.logger.Debug("feed skipped superseded message",
			"session", msg.SessionID, "sequence", msg.Sequence)
	}
	return nil
}

// Latest returns the newest stored message of a session.
func (f *RedisFeed) Latest(ctx context.Context, sessionID string) (Message, bool, error) {
	data, err := f.rdb.HGet(ctx, f.latestKey(sessionID), "message").Bytes()
	if errors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("redisfeed: latest %s: %w", sessionID, err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, false, fmt.Errorf("redisfeed: decode latest %s: %w", sessionID, err)
	}
	return m, true, nil
}

// Subscribe streams a session's messages, starting with the stored latest
// one. Messages that do not supersede the last one sent are skipped. The
// channel is closed when ctx is done or the subscription fails.
func (f *RedisFeed) Subscribe(ctx context.Context, sessionID string) (<-chan Message, error) {
	ps := f.rdb.Subscribe(ctx, f.channel(sessionID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redisfeed: subscribe %s: %w", sessionID, err)
	}

	out := make(chan Message, 16)
	go func() {
		defer close(out)
		defer ps.Close()

		var (
			epoch string
			seq   uint64
		)
		emit := func(m Message) bool {
			if !m.Newer(epoch, seq) {
				return true
			}
			epoch, seq = m.Epoch, m.Sequence
			select {
			case out <- m:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if m, ok, err := f.Latest(ctx, sessionID); err != nil {
			f.logger.Warn("feed latest failed", "session", sessionID, "error", err)
		} else if ok && !emit(m) {
			return
		}

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case rm, ok := <-msgs:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(rm.Payload), &m); err != nil {
					f.logger.Warn("feed message undecodable", "session", sessionID, "error", err)
					continue
				}
				if !emit(m) {
					return
				}
			}
		}
	}()
	return out, nil
}
