package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"blockcollab/store"
	"blockcollab/syncagent"
	"blockcollab/workspace"
)

type saveRequest struct {
	UserID string `json:"userId"`
	Output string `json:"output"`
}

type api struct {
	agent   *syncagent.Agent
	userID  string
	timeout time.Duration
	logger  *slog.Logger
}

func newRouter(a *api, pages *uiHub, uiDir string) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/ws", pages)
	r.HandleFunc("/status", a.status).Methods(http.MethodGet)
	r.HandleFunc("/artifact", a.artifact).Methods(http.MethodGet)
	r.HandleFunc("/save", a.save).Methods(http.MethodPost)
	r.HandleFunc("/saved", a.saved).Methods(http.MethodGet)
	r.HandleFunc("/open/{id}", a.open).Methods(http.MethodPost)
	if uiDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(uiDir)))
	}
	return r
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.agent.Status())
}

func (a *api) artifact(w http.ResponseWriter, r *http.Request) {
	art := a.agent.Artifact()
	if art == nil {
		http.Error(w, "nothing generated yet", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, art)
}

func (a *api) save(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		req.UserID = a.userID
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	rec, err := a.agent.Save(ctx, req.UserID, req.Output)
	if err != nil {
		a.storeError(w, "save", err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "Code saved successfully",
		"code":    rec,
	})
}

func (a *api) saved(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = a.userID
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	recs, err := a.agent.Saved(ctx, userID)
	if err != nil {
		a.storeError(w, "list", err)
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"codes": recs})
}

// open replaces the session's workspace with a saved record.
func (a *api) open(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = a.userID
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	rec, err := a.agent.Open(ctx, userID, mux.Vars(r)["id"])
	if err != nil {
		a.storeError(w, "open", err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"success": true, "code": rec})
}

// storeError reports a failed store call. The editor content is never
// touched by these failures.
func (a *api) storeError(w http.ResponseWriter, op string, err error) {
	a.logger.Warn("store request failed", "op", op, "error", err)
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, syncagent.ErrNoStore):
		status = http.StatusNotImplemented
	case errors.Is(err, store.ErrNoToken), errors.Is(err, store.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, workspace.ErrMalformedSnapshot):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrRejected):
		status = http.StatusUnprocessableEntity
	}
	a.writeJSON(w, status, map[string]any{"success": false, "message": err.Error()})
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("write response", "error", err)
	}
}
