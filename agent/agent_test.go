package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"blockcollab/broker"
	"blockcollab/discovery"
	"blockcollab/store"
	"blockcollab/syncagent"
	"blockcollab/workspace"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const assignDoc = `{"blocks":{"languageVersion":0,"blocks":[
	{"type":"variables_set","id":"set","x":10,"y":10,
	 "fields":{"VAR":{"id":"vx"}},
	 "inputs":{"VALUE":{"block":{"type":"math_number","id":"n","fields":{"NUM":5}}}}}
]},"variables":[{"name":"x","id":"vx"}]}`

type nopDeliverer struct{}

func (nopDeliverer) Deliver(broker.Message) {}
func (nopDeliverer) Drop(error)             {}

type fixture struct {
	broker *broker.Broker
	agent  *syncagent.Agent
	srv    *httptest.Server
}

func newFixture(t *testing.T, opts ...syncagent.Option) *fixture {
	t.Helper()
	b := broker.New(broker.WithLogger(quiet))
	pages := newUIHub(quiet)
	opts = append([]syncagent.Option{
		syncagent.WithLogger(quiet),
		syncagent.WithArtifactHandler(pages.showArtifact),
	}, opts...)
	agent := syncagent.New("room", "A", pages, syncagent.NewLocalTransport(b, "room", "A"), opts...)
	pages.onEdit = agent.NotifyEdit

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { pages.run(ctx); done <- struct{}{} }()
	go func() { agent.Run(ctx); done <- struct{}{} }()

	srv := httptest.NewServer(newRouter(&api{
		agent:   agent,
		userID:  "u1",
		timeout: 5 * time.Second,
		logger:  quiet,
	}, pages, ""))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		<-done
	})
	eventually(t, "agent connected", func() bool { return agent.State() == syncagent.StateConnected })
	return &fixture{broker: b, agent: agent, srv: srv}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// page is a fake browser editor connected to the agent.
type page struct {
	conn *websocket.Conn
	msgs chan uiMessage
}

func openPage(t *testing.T, srv *httptest.Server) *page {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	p := &page{conn: conn, msgs: make(chan uiMessage, 64)}
	go func() {
		defer close(p.msgs)
		for {
			var m uiMessage
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			p.msgs <- m
		}
	}()
	return p
}

func (p *page) edit(t *testing.T, doc string) {
	t.Helper()
	if err := p.conn.WriteJSON(uiMessage{Type: uiEdit, Workspace: json.RawMessage(doc)}); err != nil {
		t.Fatal(err)
	}
}

func (p *page) waitFor(t *testing.T, what string, match func(uiMessage) bool) uiMessage {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case m, ok := <-p.msgs:
			if !ok {
				t.Fatalf("page closed while waiting for %s", what)
			}
			if match(m) {
				return m
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func numberIn(t *testing.T, doc json.RawMessage) string {
	t.Helper()
	snap, err := workspace.DecodeBlockly(doc)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range snap.Blocks {
		if b.Type == "math_number" {
			return b.Fields["NUM"]
		}
	}
	return ""
}

func TestPageEditReachesSession(t *testing.T) {
	f := newFixture(t)
	p := openPage(t, f.srv)
	p.edit(t, assignDoc)

	art := p.waitFor(t, "artifact", func(m uiMessage) bool {
		return m.Type == uiArtifact && m.Artifact != nil && strings.Contains(m.Artifact.Source, "x = 5;")
	})
	if len(art.Artifact.Diagnostics) != 0 {
		t.Errorf("diagnostics = %+v", art.Artifact.Diagnostics)
	}
	eventually(t, "broker to accept the edit", func() bool {
		snap, seq, err := f.broker.Latest("room")
		return err == nil && seq == 1 && snap.Len() == 2
	})
}

func TestPageEditReachesOtherPages(t *testing.T) {
	f := newFixture(t)
	a := openPage(t, f.srv)
	b := openPage(t, f.srv)
	a.edit(t, assignDoc)

	// A page joining after the edit is greeted with it instead.
	m := b.waitFor(t, "load", func(m uiMessage) bool { return m.Type == uiLoad })
	if got := numberIn(t, m.Workspace); got != "5" {
		t.Errorf("other page NUM = %q, want 5", got)
	}
	a.waitFor(t, "artifact", func(m uiMessage) bool {
		if m.Type == uiLoad {
			t.Error("editing page was sent its own edit back")
		}
		return m.Type == uiArtifact && m.Artifact != nil && strings.Contains(m.Artifact.Source, "x = 5;")
	})
}

func TestPeerSnapshotLoadsIntoPage(t *testing.T) {
	f := newFixture(t)
	p := openPage(t, f.srv)

	seq, err := f.broker.Join("room", "B", nopDeliverer{})
	if err != nil {
		t.Fatal(err)
	}
	snap, err := workspace.DecodeBlockly([]byte(strings.Replace(assignDoc, `"NUM":5`, `"NUM":8`, 1)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.broker.Submit(context.Background(), "room", "B", seq, snap); err != nil {
		t.Fatal(err)
	}

	m := p.waitFor(t, "load", func(m uiMessage) bool { return m.Type == uiLoad && len(m.Workspace) > 0 })
	for numberIn(t, m.Workspace) != "8" {
		m = p.waitFor(t, "load of 8", func(m uiMessage) bool { return m.Type == uiLoad })
	}

	// A page opened later starts from the current workspace.
	late := openPage(t, f.srv)
	m = late.waitFor(t, "greeting", func(m uiMessage) bool { return m.Type == uiLoad })
	if got := numberIn(t, m.Workspace); got != "8" {
		t.Errorf("late page NUM = %q, want 8", got)
	}
}

func TestMalformedPageEditRefused(t *testing.T) {
	f := newFixture(t)
	p := openPage(t, f.srv)
	p.edit(t, `{"blocks":{"blocks":[
		{"type":"text","id":"a"},
		{"type":"text_print","id":"b","inputs":{"TEXT":{"block":{"type":"text","id":"a"}}}}
	]}}`)
	m := p.waitFor(t, "error", func(m uiMessage) bool { return m.Type == uiError })
	if m.Error == "" {
		t.Error("empty error message")
	}
	if _, seq, _ := f.broker.Latest("room"); seq != 0 {
		t.Errorf("broker sequence = %d after a refused edit", seq)
	}
}

func TestSaveAndList(t *testing.T) {
	db, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	f := newFixture(t, syncagent.WithStore(store.NewSaver(db, store.StaticToken("local"), store.WithSaverLogger(quiet))))

	p := openPage(t, f.srv)
	p.edit(t, assignDoc)
	eventually(t, "artifact", func() bool {
		a := f.agent.Artifact()
		return a != nil && strings.Contains(a.Source, "x = 5;")
	})

	resp, err := http.Post(f.srv.URL+"/save", "application/json", bytes.NewBufferString(`{"output":"5"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("save status = %d", resp.StatusCode)
	}

	resp, err = http.Get(f.srv.URL + "/saved")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Codes []store.Record `json:"codes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Codes) != 1 {
		t.Fatalf("saved = %+v", body.Codes)
	}
	rec := body.Codes[0]
	if rec.UserID != "u1" || rec.Output != "5" || !strings.Contains(rec.GeneratedCode, "x = 5;") {
		t.Errorf("record = %+v", rec)
	}
	if got := numberIn(t, json.RawMessage(rec.XML)); got != "5" {
		t.Errorf("stored workspace NUM = %q", got)
	}
}

func TestOpenSavedRecord(t *testing.T) {
	db, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()
	mine, err := db.Save(ctx, "", store.Record{UserID: "u1", XML: strings.Replace(assignDoc, `"NUM":5`, `"NUM":8`, 1)})
	if err != nil {
		t.Fatal(err)
	}
	theirs, err := db.Save(ctx, "", store.Record{UserID: "u2", XML: assignDoc})
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, syncagent.WithStore(store.NewSaver(db, store.StaticToken("local"), store.WithSaverLogger(quiet))))
	p := openPage(t, f.srv)

	post := func(id string) int {
		t.Helper()
		resp, err := http.Post(f.srv.URL+"/open/"+id, "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := post(mine.ID); code != http.StatusOK {
		t.Fatalf("open status = %d", code)
	}
	m := p.waitFor(t, "load", func(m uiMessage) bool { return m.Type == uiLoad })
	if got := numberIn(t, m.Workspace); got != "8" {
		t.Errorf("page NUM = %q, want 8", got)
	}
	eventually(t, "broker to accept the opened workspace", func() bool {
		snap, seq, err := f.broker.Latest("room")
		if err != nil || seq != 1 {
			return false
		}
		for _, b := range snap.Blocks {
			if b.Type == "math_number" {
				return b.Fields["NUM"] == "8"
			}
		}
		return false
	})

	if code := post(theirs.ID); code != http.StatusNotFound {
		t.Errorf("open of another user's record = %d, want 404", code)
	}
	if code := post("no-such-id"); code != http.StatusNotFound {
		t.Errorf("open of unknown record = %d, want 404", code)
	}
}

func TestSaveWithoutStore(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.srv.URL+"/save", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st struct {
		State    string `json:"state"`
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.State != "connected" || st.ClientID != "A" {
		t.Errorf("status = %+v", st)
	}
}

type chanFeed chan broker.Message

func (c chanFeed) Subscribe(context.Context, string) (<-chan broker.Message, error) { return c, nil }

func TestWatchPrintsCode(t *testing.T) {
	snap, err := workspace.DecodeBlockly([]byte(assignDoc))
	if err != nil {
		t.Fatal(err)
	}
	feed := make(chanFeed, 2)
	feed <- broker.Message{SessionID: "room", Sequence: 3, OriginClientID: "B", Snapshot: snap}
	close(feed)

	var out bytes.Buffer
	if err := watch(context.Background(), feed, "room", &out); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); !strings.Contains(got, "#3 from B") || !strings.Contains(got, "x = 5;") {
		t.Errorf("watch output:\n%s", got)
	}
}

func TestPrintPeers(t *testing.T) {
	var out bytes.Buffer
	printPeers(&out, nil)
	if out.String() != "no brokers found\n" {
		t.Errorf("empty listing = %q", out.String())
	}

	out.Reset()
	printPeers(&out, []discovery.Peer{
		{Instance: "blockcollab-a", Host: "a.local.", Port: 8081, Addrs: []net.IP{net.ParseIP("192.168.1.7")}, Text: map[string]string{"path": "/ws"}},
		{Instance: "blockcollab-b", Host: "b.local.", Port: 9000},
	})
	want := "blockcollab-a\thttp://192.168.1.7:8081\tws=/ws\nblockcollab-b\thttp://b.local:9000\n"
	if out.String() != want {
		t.Errorf("listing = %q, want %q", out.String(), want)
	}
}
