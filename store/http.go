package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStore talks to the REST persistence service:
//
//	POST {base}/blockly/blocklysave  {userId, generatedCode, output, xml} -> {success, code?}
//	GET  {base}/blockly/blocklycode  -> {codes: [...]}
//	GET  {base}/file/{id}            -> {json, code, output}
//
// Both carry "Authorization: Bearer <token>".
type HTTPStore struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

// HTTPOption configures an HTTPStore.
type HTTPOption func(*HTTPStore)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPStore) { h.client = c }
}

// WithHTTPLogger sets a custom logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTPStore) { h.logger = l }
}

// NewHTTPStore returns a store for the service at baseURL.
func NewHTTPStore(baseURL string, opts ...HTTPOption) *HTTPStore {
	h := &HTTPStore{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store: http status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrRejected:
		return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests
	}
	return false
}

type saveResponse struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Code    *Record `json:"code"`
}

type listResponse struct {
	Codes []Record `json:"codes"`
}

// fileResponse is a saved file as the service returns it. Services that
// answer with a full record fill the embedded fields instead.
type fileResponse struct {
	Record
	JSON string `json:"json"`
	Code string `json:"code"`
}

// Save implements Store.
func (h *HTTPStore) Save(ctx context.Context, token string, rec Record) (Record, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("store: marshal: %w", err)
	}
	var resp saveResponse
	if err := h.do(ctx, http.MethodPost, "/blockly/blocklysave", token, body, &resp); err != nil {
		return Record{}, err
	}
	if !resp.Success {
		return Record{}, fmt.Errorf("%w: %s", ErrRejected, resp.Message)
	}
	if resp.Code != nil {
		return *resp.Code, nil
	}
	return rec, nil
}

// List implements Store. The service derives the user from the token;
// userID is sent as a query parameter for services that filter on it.
func (h *HTTPStore) List(ctx context.Context, token, userID string) ([]Record, error) {
	path := "/blockly/blocklycode"
	if userID != "" {
		path += "?userId=" + url.QueryEscape(userID)
	}
	var resp listResponse
	if err := h.do(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Codes, nil
}

// Get implements Store.
func (h *HTTPStore) Get(ctx context.Context, token, id string) (Record, error) {
	if id == "" {
		return Record{}, ErrNotFound
	}
	var resp fileResponse
	if err := h.do(ctx, http.MethodGet, "/file/"+url.PathEscape(id), token, nil, &resp); err != nil {
		return Record{}, err
	}
	rec := resp.Record
	if rec.ID == "" {
		rec.ID = id
	}
	if rec.XML == "" {
		rec.XML = resp.JSON
	}
	if rec.GeneratedCode == "" {
		rec.GeneratedCode = resp.Code
	}
	return rec, nil
}

func (h *HTTPStore) do(ctx context.Context, method, path, token string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.base+path, rd)
	if err != nil {
		return fmt.Errorf("store: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("store: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		h.logger.Debug("store: bad status", "method", method, "path", path, "status", resp.StatusCode)
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("store: decode %s response: %w", path, err)
	}
	return nil
}
