// Package hub serves a broker over websockets. Each connection to
// /ws/{session} joins the session as one member; the connection runs a read
// pump that turns frames into broker calls and a write pump that drains the
// member's outbox and the replies to its submissions.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"blockcollab/broker"
	"blockcollab/session"
	"blockcollab/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	replyBuffer    = 16
)

// Server upgrades requests and connects them to a Broker.
type Server struct {
	broker   *broker.Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader
	outbox   int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCheckOrigin overrides the upgrader's origin check. The default accepts
// every origin.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// WithOutboxLimit bounds each member's queued messages.
func WithOutboxLimit(n int) Option {
	return func(s *Server) { s.outbox = n }
}

// New returns a Server for b.
func New(b *broker.Broker, opts ...Option) *Server {
	s := &Server{
		broker: b,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// client is one connected member.
type client struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	out       *broker.Outbox
	replies   chan wire.Frame
	logger    *slog.Logger
}

// ServeHTTP handles /ws/{session}?client=<id>. A missing client id is
// assigned. The connection is the membership: it joins on connect and
// leaves when either pump stops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		clientID = uuid.Must(uuid.NewV7()).String()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session", sessionID, "error", err)
		return
	}
	c := &client{
		id:        clientID,
		sessionID: sessionID,
		conn:      conn,
		out:       broker.NewOutbox(s.outbox),
		replies:   make(chan wire.Frame, replyBuffer),
		logger:    s.logger.With("session", sessionID, "client", clientID),
	}

	// The welcome precedes the catch-up queued by Join.
	welcome := wire.Frame{Type: wire.TypeWelcome, ClientID: clientID, SessionID: sessionID}
	if err := c.write(welcome); err != nil {
		c.logger.Warn("welcome failed", "error", err)
		conn.Close()
		return
	}
	if _, err := s.broker.Join(sessionID, clientID, c.out); err != nil {
		c.logger.Warn("join failed", "error", err)
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(ctx)
	}()
	c.readPump(ctx, s.broker)
	cancel()
	<-done

	err = s.broker.Leave(sessionID, clientID, c.out)
	switch {
	case errors.Is(err, session.ErrNotMember):
		// Replaced by a newer connection; that one owns the membership.
	case err != nil:
		c.logger.Warn("leave failed", "error", err)
	}
	c.out.Close()
}

func (c *client) write(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump decodes frames until the connection fails. Losing the channel is
// an implicit leave.
func (c *client) readPump(ctx context.Context, b *broker.Broker) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("channel lost", "error", err)
			}
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			c.logger.Debug("bad frame", "error", err)
			if !c.reply(ctx, wire.Rejected(err)) {
				return
			}
			continue
		}

		var reply wire.Frame
		switch f.Type {
		case wire.TypeSubmit:
			msg, err := b.Submit(ctx, c.sessionID, c.id, f.BaseSequence, f.Snapshot)
			if err != nil {
				reply = wire.Rejected(err)
			} else {
				reply = wire.Ack(msg)
			}
		case wire.TypeResync:
			// The catch-up goes through the outbox.
			if _, err := b.Resync(c.sessionID, c.id); err != nil {
				reply = wire.Rejected(err)
			}
		default:
			reply = wire.Rejected(wire.ErrUnknownType)
		}
		if reply.Type != "" && !c.reply(ctx, reply) {
			return
		}
	}
}

func (c *client) reply(ctx context.Context, f wire.Frame) bool {
	select {
	case c.replies <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// writePump is the connection's only writer.
func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	msgs := make(chan broker.Message)
	dropped := make(chan error, 1)
	go func() {
		for {
			m, err := c.out.Next(ctx)
			if err != nil {
				dropped <- err
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
		case m := <-msgs:
			if err := c.write(wire.Sync(m)); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case f := <-c.replies:
			if err := c.write(f); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case err := <-dropped:
			if errors.Is(err, broker.ErrReplaced) {
				c.logger.Info("connection replaced")
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced"),
					time.Now().Add(writeWait))
			}
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
