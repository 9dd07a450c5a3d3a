// Package store persists generated artifacts at explicit user save points.
//
// A Store is the persistence collaborator: it accepts a Record, lists the
// records saved for a user and returns one record so it can be reopened. Every call carries the identity collaborator's
// bearer token, which the store forwards or ignores but never inspects.
// Saver adds the retry policy for an unreachable collaborator.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff"
)

// Record is one saved artifact: the generated code, its program output and
// the workspace text it was generated from.
type Record struct {
	ID            string    `json:"_id,omitempty"`
	UserID        string    `json:"userId"`
	GeneratedCode string    `json:"generatedCode"`
	Output        string    `json:"output"`
	XML           string    `json:"xml"`
	CreatedAt     time.Time `json:"createdAt,omitzero"`
}

// Store is a persistence backend.
type Store interface {
	// Save stores rec and returns it with ID and CreatedAt filled in.
	Save(ctx context.Context, token string, rec Record) (Record, error)
	// List returns the records of userID, newest first.
	List(ctx context.Context, token, userID string) ([]Record, error)
	// Get returns the record with the given id, or ErrNotFound.
	Get(ctx context.Context, token, id string) (Record, error)
}

var (
	// ErrUnauthorized is returned when the collaborator refuses the token.
	// It is never retried.
	ErrUnauthorized = errors.New("store: unauthorized")
	// ErrRejected is returned when the collaborator refuses the request
	// itself. It is never retried.
	ErrRejected = errors.New("store: request rejected")
	// ErrNotFound is returned by Get for an unknown id. It is never retried.
	ErrNotFound = errors.New("store: record not found")
	// ErrNoToken is returned by a TokenSource with no credential.
	ErrNoToken = errors.New("store: no bearer token")
)

// TokenSource supplies the opaque bearer credential.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed credential.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// EnvToken reads the credential from an environment variable on each call.
type EnvToken string

func (e EnvToken) Token(context.Context) (string, error) {
	v := os.Getenv(string(e))
	if v == "" {
		return "", fmt.Errorf("%w: $%s is empty", ErrNoToken, string(e))
	}
	return v, nil
}

// SaveError is the user-visible failure of a save point.
type SaveError struct {
	Op       string // "save", "list" or "get"
	Attempts int
	Err      error
}

func (e *SaveError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("store: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("store: %s failed: %v", e.Op, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// Saver calls a Store with a token from a TokenSource, retrying transient
// failures with exponential backoff.
type Saver struct {
	store   Store
	tokens  TokenSource
	retries uint64
	initial time.Duration
	logger  *slog.Logger
}

// SaverOption configures a Saver.
type SaverOption func(*Saver)

// WithRetries sets how many times a failed call is retried. Default: 3.
// Zero retries until the context is done.
func WithRetries(n uint64) SaverOption {
	return func(s *Saver) { s.retries = n }
}

// WithInitialInterval sets the first retry delay. Default: 500ms.
func WithInitialInterval(d time.Duration) SaverOption {
	return func(s *Saver) { s.initial = d }
}

// WithSaverLogger sets a custom logger.
func WithSaverLogger(l *slog.Logger) SaverOption {
	return func(s *Saver) { s.logger = l }
}

// NewSaver returns a Saver over st.
func NewSaver(st Store, tokens TokenSource, opts ...SaverOption) *Saver {
	s := &Saver{
		store:   st,
		tokens:  tokens,
		retries: 3,
		initial: 500 * time.Millisecond,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Save stores rec. Every failure is returned as a *SaveError.
func (s *Saver) Save(ctx context.Context, rec Record) (Record, error) {
	var saved Record
	err := s.do(ctx, "save", func(token string) error {
		var err error
		saved, err = s.store.Save(ctx, token, rec)
		return err
	})
	return saved, err
}

// List returns the records of userID. Every failure is returned as a
// *SaveError.
func (s *Saver) List(ctx context.Context, userID string) ([]Record, error) {
	var recs []Record
	err := s.do(ctx, "list", func(token string) error {
		var err error
		recs, err = s.store.List(ctx, token, userID)
		return err
	})
	return recs, err
}

// Get returns the record with the given id. Every failure is returned as a
// *SaveError.
func (s *Saver) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.do(ctx, "get", func(token string) error {
		var err error
		rec, err = s.store.Get(ctx, token, id)
		return err
	})
	return rec, err
}

func (s *Saver) do(ctx context.Context, op string, call func(token string) error) error {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return &SaveError{Op: op, Attempts: 0, Err: err}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.initial
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, s.retries), ctx)

	var (
		attempts  int
		permanent error
	)
	err = backoff.RetryNotify(func() error {
		attempts++
		err := call(token)
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrRejected) || errors.Is(err, ErrNotFound) {
			permanent = err
			return nil
		}
		return err
	}, b, func(err error, wait time.Duration) {
		s.logger.Warn("store call failed, retrying",
			"op", op, "attempt", attempts, "wait", wait, "error", err)
	})
	if err == nil {
		err = permanent
	}
	if err != nil {
		s.logger.Error("store call failed", "op", op, "attempts", attempts, "error", err)
		return &SaveError{Op: op, Attempts: attempts, Err: err}
	}
	return nil
}
