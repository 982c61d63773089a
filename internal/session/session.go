// Package session implements the per-gallery lifecycle state machine
// (SPEC_FULL.md §4.1). Grounded in
// _examples/tomasbasham-har-capture/internal/operation/operation.go: a
// closed Status string type, a Store interface, and a mutex-guarded
// in-memory implementation with a single update(id, fn) helper and
// defensive-copy reads. That file's lifecycle is a flat
// pending->running->complete|failed chain; this one generalizes it to the
// richer 8-state table with explicit, validated transitions.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is one state in the session lifecycle.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusInitializing Status = "initializing"
	StatusDownloading  Status = "downloading"
	StatusPaused       Status = "paused"
	StatusError        Status = "error"
	StatusRetrying     Status = "retrying"
	StatusCompleted    Status = "completed"
	StatusAborted      Status = "aborted"
)

// Action is a requested transition trigger.
type Action string

const (
	ActionStart    Action = "start"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionError    Action = "error"
	ActionRetry    Action = "retry"
	ActionSkip     Action = "skip"
	ActionComplete Action = "complete"
	ActionAbort    Action = "abort"
)

// transitions implements the table in SPEC_FULL.md §4.1.
var transitions = map[Status]map[Action]Status{
	StatusIdle: {
		ActionStart: StatusInitializing,
	},
	StatusInitializing: {
		ActionStart: StatusDownloading,
		ActionError: StatusError,
		ActionAbort: StatusAborted,
	},
	StatusDownloading: {
		ActionPause:    StatusPaused,
		ActionError:    StatusError,
		ActionComplete: StatusCompleted,
		ActionAbort:    StatusAborted,
	},
	StatusPaused: {
		ActionResume: StatusDownloading,
		ActionAbort:  StatusAborted,
	},
	StatusError: {
		ActionRetry:  StatusRetrying,
		ActionSkip:   StatusDownloading,
		ActionResume: StatusDownloading,
		ActionAbort:  StatusAborted,
	},
	StatusRetrying: {
		ActionStart: StatusDownloading,
		ActionError: StatusError,
		ActionAbort: StatusAborted,
	},
	StatusCompleted: {
		ActionStart: StatusInitializing,
	},
	StatusAborted: {
		ActionStart: StatusInitializing,
	},
}

// Session is one gallery's lifecycle record. Fields are copied out by Store
// reads; callers must not mutate a Session obtained from the store.
type Session struct {
	ID        string
	URL       string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrInvalidTransition is returned when an Action is not valid for the
// session's current Status; per §4.1 this is rejected and logged, never
// causes a panic.
type ErrInvalidTransition struct {
	From   Status
	Action Action
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("session: action %q is not valid from state %q", e.Action, e.From)
}

// Store tracks sessions and enforces the transition table under one lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create begins a new IDLE session for url and returns its ID.
func (s *Store) Create(url string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	now := time.Now()
	s.sessions[id] = &Session{ID: id, URL: url, Status: StatusIdle, CreatedAt: now, UpdatedAt: now}
	return id
}

// Get returns a defensive copy of the session, or false if unknown.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Apply attempts the transition for action and returns the resulting
// status, or an *ErrInvalidTransition if the action is not valid from the
// session's current state.
func (s *Store) Apply(id string, action Action) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return "", fmt.Errorf("session: unknown id %q", id)
	}

	next, ok := transitions[sess.Status][action]
	if !ok {
		return sess.Status, &ErrInvalidTransition{From: sess.Status, Action: action}
	}
	sess.Status = next
	sess.UpdatedAt = time.Now()
	return next, nil
}

// ActiveCount returns how many sessions are in a state the orchestrator
// must treat as "occupying the single download slot" — used directly by
// Property 1 in SPEC_FULL.md §8.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		switch sess.Status {
		case StatusInitializing, StatusDownloading, StatusRetrying:
			n++
		}
	}
	return n
}

// Remove deletes a session record. The orchestrator's ClearAll does not
// call it.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}
