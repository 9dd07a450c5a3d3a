// Package syncagent bridges one editor and a session's broker.
//
// Local edits and inbound messages go through a single apply loop, so an
// inbound snapshot can never land in the middle of a local edit. Inbound
// snapshots are loaded into the editor quietly: edit notifications raised
// during the load are dropped, and a later notification for the state that
// was just loaded is recognized by fingerprint. Neither becomes a
// submission, which keeps an agent from echoing a peer's edit back.
package syncagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"blockcollab/broker"
	"blockcollab/codegen"
	"blockcollab/store"
	"blockcollab/workspace"
)

// Editor is the editing surface. Load replaces its content; it may raise
// edit notifications while doing so.
type Editor interface {
	Load(ws *workspace.Workspace) error
}

// State is the agent's connection state as shown to the user.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateResyncing
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateResyncing:
		return "resyncing"
	}
	return "disconnected"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a point-in-time view of the agent.
type Status struct {
	State       State  `json:"state"`
	ClientID    string `json:"client_id"`
	SessionID   string `json:"session_id"`
	Sequence    uint64 `json:"sequence"`
	Blocks      int    `json:"blocks"`
	Diagnostics int    `json:"diagnostics"`
	LastError   string `json:"last_error,omitempty"`
}

// ErrNoStore is returned by Save, Saved and Open when no store is
// configured.
var ErrNoStore = errors.New("syncagent: no store configured")

type eventKind int

const (
	evEdit eventKind = iota
	evOpen
	evDeliver
	evAck
	evRejected
	evDisconnected
)

type event struct {
	kind eventKind
	gen  uint64 // loads completed when the edit was raised
	ws   *workspace.Workspace
	msg  broker.Message
	err  error
}

// Agent is the client side of one session membership.
type Agent struct {
	clientID   string
	sessionID  string
	editor     Editor
	transport  Transport
	saver      *store.Saver
	drafts     *DraftStore
	logger     *slog.Logger
	onArtifact func(*codegen.Artifact)

	events  chan event
	stopped chan struct{}
	quiet   atomic.Bool
	loads   atomic.Uint64

	// Owned by the apply loop.
	epoch     string
	applied   uint64 // sequence the local state is based on
	current   *workspace.Snapshot
	currentFP string
	authFP    string   // fingerprint of the last state known to be authoritative
	inflight  []string // fingerprints of unacknowledged submissions, oldest first
	held      *broker.Message
	pending   bool // local state the broker has not accepted

	mu       sync.Mutex
	status   Status
	artifact *codegen.Artifact
	snapshot *workspace.Snapshot
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithStore enables Save and Saved.
func WithStore(s *store.Saver) Option {
	return func(a *Agent) { a.saver = s }
}

// WithDrafts keeps the latest local state in d and restores it when the
// agent joins an empty session.
func WithDrafts(d *DraftStore) Option {
	return func(a *Agent) { a.drafts = d }
}

// WithArtifactHandler calls fn with every regenerated artifact, from the
// apply loop.
func WithArtifactHandler(fn func(*codegen.Artifact)) Option {
	return func(a *Agent) { a.onArtifact = fn }
}

// NewClientID returns a fresh, time-ordered client id.
func NewClientID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// New returns an agent for clientID in sessionID.
func New(sessionID, clientID string, editor Editor, t Transport, opts ...Option) *Agent {
	a := &Agent{
		clientID:  clientID,
		sessionID: sessionID,
		editor:    editor,
		transport: t,
		logger:    slog.Default(),
		events:    make(chan event, 64),
		stopped:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With("session", sessionID, "client", clientID)
	a.status = Status{ClientID: clientID, SessionID: sessionID}
	return a
}

// ClientID returns the agent's client id.
func (a *Agent) ClientID() string { return a.clientID }

// Run drives the transport and the apply loop until ctx is done or the
// transport gives up.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.transport.Run(ctx, a) })
	g.Go(func() error {
		defer close(a.stopped)
		return a.loop(ctx)
	})
	return g.Wait()
}

// NotifyEdit reports the editor's new content. Notifications raised while
// an inbound snapshot is being loaded are dropped.
func (a *Agent) NotifyEdit(ws *workspace.Workspace) {
	if a.quiet.Load() {
		return
	}
	a.enqueue(event{kind: evEdit, ws: ws, gen: a.loads.Load()})
}

// Deliver implements Receiver.
func (a *Agent) Deliver(m broker.Message) { a.enqueue(event{kind: evDeliver, msg: m}) }

// Acknowledge implements Receiver.
func (a *Agent) Acknowledge(m broker.Message) { a.enqueue(event{kind: evAck, msg: m}) }

// Rejected implements Receiver.
func (a *Agent) Rejected(err error) { a.enqueue(event{kind: evRejected, err: err}) }

// Disconnected implements Receiver.
func (a *Agent) Disconnected(err error) { a.enqueue(event{kind: evDisconnected, err: err}) }

func (a *Agent) enqueue(ev event) {
	select {
	case a.events <- ev:
	case <-a.stopped:
	}
}

func (a *Agent) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-a.events:
			switch ev.kind {
			case evEdit:
				a.localEdit(ctx, ev.ws, ev.gen)
			case evOpen:
				a.open(ctx, ev.ws)
			case evDeliver:
				a.receive(ctx, ev.msg)
			case evAck:
				a.acknowledged(ev.msg)
			case evRejected:
				a.rejected(ctx, ev.err)
			case evDisconnected:
				a.disconnected(ev.err)
			}
		}
	}
}

func (a *Agent) localEdit(ctx context.Context, ws *workspace.Workspace, gen uint64) {
	snap := workspace.Serialize(ws)
	fp := snap.Fingerprint()
	if fp == a.currentFP {
		a.logger.Debug("edit matches current state")
		return
	}
	if gen != a.loads.Load() {
		// An inbound load replaced the editor content after this edit was
		// made. Put the edit back so the editor shows what is submitted.
		if err := a.load(ws); err != nil {
			a.fail(fmt.Errorf("syncagent: reload edit: %w", err))
			return
		}
	}
	a.setCurrent(snap, fp)
	a.regenerate(ws)
	a.saveDraft(snap)

	if a.State() != StateConnected {
		a.pending = true
		a.logger.Debug("edit held until connected")
		return
	}
	a.submit(ctx, snap, fp)
}

// open replaces the editor content with ws and submits it as a local edit.
func (a *Agent) open(ctx context.Context, ws *workspace.Workspace) {
	if err := a.load(ws); err != nil {
		a.fail(fmt.Errorf("syncagent: open: %w", err))
		return
	}
	a.localEdit(ctx, ws, a.loads.Load())
}

func (a *Agent) submit(ctx context.Context, snap *workspace.Snapshot, fp string) {
	if err := a.transport.Submit(ctx, a.applied, snap); err != nil {
		a.pending = true
		a.fail(fmt.Errorf("syncagent: submit: %w", err))
		return
	}
	a.inflight = append(a.inflight, fp)
	a.pending = false
}

func (a *Agent) receive(ctx context.Context, m broker.Message) {
	// A catch-up while connected in the same epoch is an outbox that
	// collapsed under load; it is ordered like any live message.
	if m.CatchUp && (m.Epoch != a.epoch || a.State() != StateConnected) {
		a.catchUp(ctx, m)
		return
	}
	if m.Epoch != a.epoch || m.Sequence <= a.applied {
		a.logger.Debug("ignoring superseded message", "sequence", m.Sequence, "applied", a.applied)
		return
	}
	if m.OriginClientID == a.clientID {
		a.applied = m.Sequence
		a.setSequence(m.Sequence)
		return
	}
	if len(a.inflight) > 0 {
		// Wait for the outcome of our own submission: if it was accepted
		// after m, m must not overwrite it.
		if a.held == nil || m.Sequence > a.held.Sequence {
			a.held = &m
		}
		return
	}
	a.apply(m)
}

// catchUp rebases the agent on the authoritative state after a join or
// resync.
func (a *Agent) catchUp(ctx context.Context, m broker.Message) {
	a.epoch = m.Epoch
	a.applied = m.Sequence
	a.inflight = nil
	a.held = nil
	a.setState(StateConnected)
	a.setSequence(m.Sequence)
	a.logger.Info("caught up", "sequence", m.Sequence, "blocks", m.Snapshot.Len())

	if m.Snapshot == nil {
		// A fresh session: seed it with local work, or the saved draft.
		a.authFP = (*workspace.Snapshot)(nil).Fingerprint()
		if a.current.Len() == 0 {
			a.restoreDraft()
		}
		if a.current.Len() > 0 {
			a.submit(ctx, a.current, a.currentFP)
		}
		a.pending = false
		return
	}

	fp := m.Snapshot.Fingerprint()
	if a.pending && fp == a.authFP && a.currentFP != fp {
		// Nobody changed the session while our edit was held back.
		a.submit(ctx, a.current, a.currentFP)
		return
	}
	if a.pending {
		a.logger.Warn("local edit superseded by authoritative state", "sequence", m.Sequence)
	}
	a.pending = false
	a.apply(m)
}

// apply loads an inbound snapshot. A malformed snapshot or a failed load
// keeps the previous local state.
func (a *Agent) apply(m broker.Message) bool {
	ws, err := workspace.Deserialize(m.Snapshot)
	if err != nil {
		a.fail(fmt.Errorf("syncagent: inbound sequence %d: %w", m.Sequence, err))
		return false
	}
	snap := m.Snapshot.Canonical()
	fp := snap.Fingerprint()
	if fp != a.currentFP {
		if err := a.load(ws); err != nil {
			a.fail(fmt.Errorf("syncagent: load sequence %d: %w", m.Sequence, err))
			return false
		}
		a.setCurrent(snap, fp)
		a.regenerate(ws)
		a.saveDraft(snap)
	}
	a.applied = m.Sequence
	a.authFP = fp
	a.setSequence(m.Sequence)
	return true
}

func (a *Agent) load(ws *workspace.Workspace) error {
	a.quiet.Store(true)
	defer func() {
		a.loads.Add(1)
		a.quiet.Store(false)
	}()
	return a.editor.Load(ws)
}

func (a *Agent) acknowledged(m broker.Message) {
	var fp string
	if len(a.inflight) > 0 {
		fp, a.inflight = a.inflight[0], a.inflight[1:]
	}
	if m.Epoch == a.epoch && m.Sequence > a.applied {
		a.applied = m.Sequence
		a.authFP = fp
		a.setSequence(m.Sequence)
	}
	a.releaseHeld()
}

func (a *Agent) rejected(ctx context.Context, err error) {
	if len(a.inflight) > 0 {
		a.inflight = a.inflight[1:]
	}
	a.fail(err)
	if errors.Is(err, broker.ErrStaleSubmission) {
		a.pending = true
		a.held = nil
		a.setState(StateResyncing)
		if rerr := a.transport.Resync(ctx); rerr != nil {
			a.fail(fmt.Errorf("syncagent: resync: %w", rerr))
		}
		return
	}
	a.releaseHeld()
}

func (a *Agent) releaseHeld() {
	if len(a.inflight) > 0 || a.held == nil {
		return
	}
	m := *a.held
	a.held = nil
	if m.Sequence > a.applied {
		a.apply(m)
	}
}

func (a *Agent) disconnected(err error) {
	a.inflight = nil
	a.held = nil
	if a.currentFP != a.authFP {
		a.pending = true
	}
	a.setState(StateDisconnected)
	a.fail(err)
}

func (a *Agent) restoreDraft() {
	if a.drafts == nil {
		return
	}
	snap, err := a.drafts.Get(a.sessionID)
	if err != nil {
		a.fail(err)
		return
	}
	if snap.Len() == 0 {
		return
	}
	ws, err := workspace.Deserialize(snap)
	if err != nil {
		a.fail(fmt.Errorf("syncagent: draft: %w", err))
		return
	}
	if err := a.load(ws); err != nil {
		a.fail(fmt.Errorf("syncagent: load draft: %w", err))
		return
	}
	snap = snap.Canonical()
	a.setCurrent(snap, snap.Fingerprint())
	a.regenerate(ws)
	a.logger.Info("restored draft", "blocks", snap.Len())
}

// saveDraft keeps snap as the session's draft. An empty workspace has
// nothing worth restoring, so it clears the draft instead.
func (a *Agent) saveDraft(snap *workspace.Snapshot) {
	if a.drafts == nil {
		return
	}
	var err error
	if snap.Len() == 0 {
		err = a.drafts.Delete(a.sessionID)
	} else {
		err = a.drafts.Put(a.sessionID, snap)
	}
	if err != nil {
		a.logger.Warn("draft not saved", "error", err)
	}
}

func (a *Agent) regenerate(ws *workspace.Workspace) {
	art := codegen.GenerateWorkspace(ws)
	a.mu.Lock()
	a.artifact = art
	a.status.Diagnostics = len(art.Diagnostics)
	a.mu.Unlock()
	if a.onArtifact != nil {
		a.onArtifact(art)
	}
}

func (a *Agent) setCurrent(snap *workspace.Snapshot, fp string) {
	a.current, a.currentFP = snap, fp
	a.mu.Lock()
	a.snapshot = snap
	a.status.Blocks = snap.Len()
	a.mu.Unlock()
}

func (a *Agent) fail(err error) {
	if err == nil {
		return
	}
	a.logger.Warn("sync error", "error", err)
	a.mu.Lock()
	a.status.LastError = err.Error()
	a.mu.Unlock()
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.status.State = s
	if s == StateConnected {
		a.status.LastError = ""
	}
	a.mu.Unlock()
}

func (a *Agent) setSequence(seq uint64) {
	a.mu.Lock()
	a.status.Sequence = seq
	a.mu.Unlock()
}

// State returns the connection state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status.State
}

// Status returns a snapshot of the agent's state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Artifact returns the most recently generated artifact, or nil.
func (a *Agent) Artifact() *codegen.Artifact {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.artifact
}

// Snapshot returns the current local state, or nil before the first apply.
func (a *Agent) Snapshot() *workspace.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot
}

// Save stores the current generated code, the program output the user
// supplies and the workspace in Blockly JSON. It is only called at explicit
// save points.
func (a *Agent) Save(ctx context.Context, userID, output string) (store.Record, error) {
	if a.saver == nil {
		return store.Record{}, ErrNoStore
	}
	a.mu.Lock()
	snap, art := a.snapshot, a.artifact
	a.mu.Unlock()

	ws, err := workspace.Deserialize(snap)
	if err != nil {
		return store.Record{}, fmt.Errorf("syncagent: save: %w", err)
	}
	doc, err := workspace.EncodeBlockly(ws)
	if err != nil {
		return store.Record{}, fmt.Errorf("syncagent: save: %w", err)
	}
	rec := store.Record{UserID: userID, Output: output, XML: string(doc)}
	if art != nil {
		rec.GeneratedCode = art.Source
	}
	return a.saver.Save(ctx, rec)
}

// Saved lists the records saved for userID.
func (a *Agent) Saved(ctx context.Context, userID string) ([]store.Record, error) {
	if a.saver == nil {
		return nil, ErrNoStore
	}
	return a.saver.List(ctx, userID)
}

// Open fetches the record id saved by userID and makes its workspace the
// local state: it is loaded into the editor and submitted to the session
// like any local edit. A record owned by another user is reported as
// store.ErrNotFound.
func (a *Agent) Open(ctx context.Context, userID, id string) (store.Record, error) {
	if a.saver == nil {
		return store.Record{}, ErrNoStore
	}
	rec, err := a.saver.Get(ctx, id)
	if err != nil {
		return store.Record{}, err
	}
	if userID != "" && rec.UserID != "" && rec.UserID != userID {
		return store.Record{}, fmt.Errorf("syncagent: open %s: %w", id, store.ErrNotFound)
	}
	snap, err := workspace.DecodeBlockly([]byte(rec.XML))
	if err != nil {
		return store.Record{}, fmt.Errorf("syncagent: open %s: %w", id, err)
	}
	ws, err := workspace.Deserialize(snap)
	if err != nil {
		return store.Record{}, fmt.Errorf("syncagent: open %s: %w", id, err)
	}
	a.enqueue(event{kind: evOpen, ws: ws})
	return rec, nil
}
