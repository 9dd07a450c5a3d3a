package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"blockcollab/broker"
	"blockcollab/codegen"
	"blockcollab/hub"
	"blockcollab/session"
	"blockcollab/workspace"
)

// sessionView is the detail answer of GET /sessions/{session}.
type sessionView struct {
	session.Info
	Snapshot *workspace.Snapshot `json:"snapshot"`
	Artifact *codegen.Artifact   `json:"artifact,omitempty"`
}

type api struct {
	broker *broker.Broker
	logger *slog.Logger
}

func newRouter(b *broker.Broker, ws *hub.Server, logger *slog.Logger) *mux.Router {
	a := &api{broker: b, logger: logger}
	r := mux.NewRouter()
	r.Handle("/ws/{session}", ws)
	r.HandleFunc("/sessions", a.listSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{session}", a.getSession).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.health).Methods(http.MethodGet)
	return r
}

func (a *api) listSessions(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.broker.Sessions())
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session"]
	info, ok := a.broker.Session(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	snap, seq, err := a.broker.Latest(id)
	if errors.Is(err, session.ErrUnknownSession) {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("latest snapshot", "session", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	info.LastSequence = seq
	view := sessionView{Info: info, Snapshot: snap}
	if snap != nil {
		// The authoritative snapshot was validated on submit.
		if art, err := codegen.Generate(snap); err == nil {
			view.Artifact = art
		}
	}
	a.writeJSON(w, http.StatusOK, view)
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.broker.Stats())
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("write response", "error", err)
	}
}
