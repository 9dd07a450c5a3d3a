package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"blockcollab/codegen"
	"blockcollab/syncagent"
	"blockcollab/workspace"
)

const (
	uiWriteWait  = 10 * time.Second
	uiMaxMessage = 1 << 20
	uiSendBuffer = 64
)

// Messages exchanged with the browser editor page.
const (
	uiLoad     = "load"     // agent -> page: replace the workspace
	uiArtifact = "artifact" // agent -> page: regenerated code
	uiError    = "error"    // agent -> page: an edit was refused
	uiEdit     = "edit"     // page -> agent: the user changed the workspace
)

type uiMessage struct {
	Type      string            `json:"type"`
	Workspace json.RawMessage   `json:"workspace,omitempty"`
	Artifact  *codegen.Artifact `json:"artifact,omitempty"`
	Error     string            `json:"error,omitempty"`

	from *uiClient // not echoed back to the page it came from
}

// uiClient is one open editor page.
type uiClient struct {
	conn *websocket.Conn
	send chan []byte
}

type uiReply struct {
	to   *uiClient
	data []byte
}

// uiHub keeps the open editor pages in step with the agent. It also remembers
// the last workspace and artifact so a page opened later starts current.
type uiHub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	clients    map[*uiClient]bool
	register   chan *uiClient
	unregister chan *uiClient
	broadcast  chan uiMessage
	direct     chan uiReply
	done       chan struct{}

	onEdit func(*workspace.Workspace)

	mu       sync.Mutex
	last     json.RawMessage
	artifact *codegen.Artifact
}

func newUIHub(logger *slog.Logger) *uiHub {
	return &uiHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:    make(map[*uiClient]bool),
		register:   make(chan *uiClient),
		unregister: make(chan *uiClient),
		broadcast:  make(chan uiMessage, uiSendBuffer),
		direct:     make(chan uiReply),
		done:       make(chan struct{}),
	}
}

func (h *uiHub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.logger.Info("editor page connected", "pages", len(h.clients))
			h.greet(c)
		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
				h.logger.Info("editor page disconnected", "pages", len(h.clients))
			}
		case r := <-h.direct:
			if h.clients[r.to] {
				select {
				case r.to.send <- r.data:
				default:
				}
			}
		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("encode page message", "error", err)
				continue
			}
			for c := range h.clients {
				if c == msg.from {
					continue
				}
				select {
				case c.send <- data:
				default:
					// A page that cannot keep up reconnects and starts over.
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

func (h *uiHub) greet(c *uiClient) {
	h.mu.Lock()
	last, art := h.last, h.artifact
	h.mu.Unlock()
	if last != nil {
		if data, err := json.Marshal(uiMessage{Type: uiLoad, Workspace: last}); err == nil {
			c.send <- data
		}
	}
	if art != nil {
		if data, err := json.Marshal(uiMessage{Type: uiArtifact, Artifact: art}); err == nil {
			c.send <- data
		}
	}
}

// Load implements syncagent.Editor by pushing ws to every page.
func (h *uiHub) Load(ws *workspace.Workspace) error {
	doc, err := workspace.EncodeBlockly(ws)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.last = doc
	h.mu.Unlock()
	h.publish(uiMessage{Type: uiLoad, Workspace: doc})
	return nil
}

func (h *uiHub) showArtifact(a *codegen.Artifact) {
	h.mu.Lock()
	h.artifact = a
	h.mu.Unlock()
	h.publish(uiMessage{Type: uiArtifact, Artifact: a})
}

func (h *uiHub) publish(msg uiMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

func (h *uiHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}
	c := &uiClient{conn: conn, send: make(chan []byte, uiSendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	c.readPump(h)
}

func (c *uiClient) readPump(h *uiHub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(uiMaxMessage)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg uiMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != uiEdit {
			h.logger.Debug("ignoring page message", "error", err, "type", msg.Type)
			continue
		}
		ws, err := decodeEdit(msg.Workspace)
		if err != nil {
			// The page keeps its content; the session does not see it.
			h.logger.Warn("refused edit", "error", err)
			if reply, mErr := json.Marshal(uiMessage{Type: uiError, Error: err.Error()}); mErr == nil {
				select {
				case h.direct <- uiReply{to: c, data: reply}:
				case <-h.done:
				}
			}
			continue
		}
		h.mu.Lock()
		h.last = msg.Workspace
		h.mu.Unlock()
		h.publish(uiMessage{Type: uiLoad, Workspace: msg.Workspace, from: c})
		if h.onEdit != nil {
			h.onEdit(ws)
		}
	}
}

func decodeEdit(doc json.RawMessage) (*workspace.Workspace, error) {
	snap, err := workspace.DecodeBlockly(doc)
	if err != nil {
		return nil, err
	}
	return workspace.Deserialize(snap)
}

func (c *uiClient) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(uiWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

var _ syncagent.Editor = (*uiHub)(nil)
