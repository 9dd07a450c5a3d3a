package syncagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"blockcollab/broker"
	"blockcollab/wire"
	"blockcollab/workspace"
)

const wsWriteWait = 10 * time.Second

// WSTransport connects to a broker host over a websocket. A lost connection
// is redialed with exponential backoff; every new connection is a fresh
// join and starts with a catch-up.
type WSTransport struct {
	url        string
	dialer     *websocket.Dialer
	logger     *slog.Logger
	initial    time.Duration
	maxBackoff time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// WSOption configures a WSTransport.
type WSOption func(*WSTransport)

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) WSOption {
	return func(t *WSTransport) { t.dialer = d }
}

// WithTransportLogger sets a custom logger.
func WithTransportLogger(l *slog.Logger) WSOption {
	return func(t *WSTransport) { t.logger = l }
}

// WithBackoff sets the first and the largest redial delay. Defaults: 250ms
// and 30s.
func WithBackoff(initial, max time.Duration) WSOption {
	return func(t *WSTransport) { t.initial, t.maxBackoff = initial, max }
}

// NewWSTransport returns a transport for sessionID on the broker host at
// serverURL (http, https, ws or wss).
func NewWSTransport(serverURL, sessionID, clientID string, opts ...WSOption) (*WSTransport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("syncagent: server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("syncagent: server url %q: unsupported scheme", serverURL)
	}
	u.RawPath = strings.TrimRight(u.EscapedPath(), "/") + "/ws/" + url.PathEscape(sessionID)
	if u.Path, err = url.PathUnescape(u.RawPath); err != nil {
		return nil, fmt.Errorf("syncagent: server url: %w", err)
	}
	u.RawQuery = url.Values{"client": {clientID}}.Encode()

	t := &WSTransport{
		url:        u.String(),
		dialer:     websocket.DefaultDialer,
		logger:     slog.Default(),
		initial:    250 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// URL returns the websocket address the transport dials.
func (t *WSTransport) URL() string { return t.url }

// Run implements Transport.
func (t *WSTransport) Run(ctx context.Context, r Receiver) error {
	for {
		conn, err := t.dial(ctx)
		if err != nil {
			return err
		}
		t.setConn(conn)
		err = t.read(ctx, conn, r)
		t.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.logger.Warn("connection lost", "error", err)
		r.Disconnected(fmt.Errorf("%w: %w", broker.ErrChannelLost, err))
	}
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.initial
	eb.MaxInterval = t.maxBackoff
	eb.MaxElapsedTime = 0

	var conn *websocket.Conn
	err := backoff.RetryNotify(func() error {
		c, _, err := t.dialer.DialContext(ctx, t.url, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(eb, ctx), func(err error, wait time.Duration) {
		t.logger.Info("dial failed, retrying", "url", t.url, "wait", wait, "error", err)
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("syncagent: dial %s: %w", t.url, err)
	}
	return conn, nil
}

// read feeds frames to r until the connection fails or ctx is done.
func (t *WSTransport) read(ctx context.Context, conn *websocket.Conn, r Receiver) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := wire.Decode(data)
		if err != nil {
			t.logger.Debug("bad frame from server", "error", err)
			continue
		}
		switch f.Type {
		case wire.TypeWelcome:
			t.logger.Info("joined", "session", f.SessionID, "client", f.ClientID)
		case wire.TypeSync:
			r.Deliver(f.Message())
		case wire.TypeAck:
			r.Acknowledge(f.Message())
		case wire.TypeRejected:
			r.Rejected(f.Err())
		default:
			t.logger.Debug("unexpected frame", "type", f.Type)
		}
	}
}

func (t *WSTransport) setConn(c *websocket.Conn) {
	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
}

func (t *WSTransport) write(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Join(ErrNotConnected, err)
	}
	return nil
}

// Submit implements Transport.
func (t *WSTransport) Submit(_ context.Context, base uint64, snap *workspace.Snapshot) error {
	return t.write(wire.Frame{Type: wire.TypeSubmit, BaseSequence: base, Snapshot: snap})
}

// Resync implements Transport.
func (t *WSTransport) Resync(context.Context) error {
	return t.write(wire.Frame{Type: wire.TypeResync})
}
