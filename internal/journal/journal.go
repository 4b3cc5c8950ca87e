package journal

import (
	"context"
	"errors"
	"time"
)

// Outcome is the lifecycle state a sign-in session ended in.
type Outcome string

const (
	OutcomeStarted   Outcome = "started"
	OutcomeCompleted Outcome = "completed"
	OutcomePreempted Outcome = "preempted"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

var (
	// ErrEmptySessionID indicates a record without a session identifier.
	ErrEmptySessionID = errors.New("journal.empty_session_id")
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the URL scheme.
	ErrUnsupportedDialect = errors.New("journal.unsupported_dialect")
)

// SessionRecord describes one sign-in attempt. Tokens are never part of it.
type SessionRecord struct {
	SessionID  string    `json:"session_id"`
	Port       int       `json:"port"`
	Outcome    Outcome   `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Journal keeps the history of sign-in sessions.
type Journal interface {
	// Record inserts the session or replaces the stored outcome and finish time.
	Record(ctx context.Context, record SessionRecord) error
	// Recent returns up to limit sessions, newest first.
	Recent(ctx context.Context, limit int) ([]SessionRecord, error)
}

// Open returns a database-backed journal for journalURL, or an in-memory one when it is empty.
func Open(ctx context.Context, journalURL string) (Journal, string, error) {
	if journalURL == "" {
		return NewMemoryJournal(), "memory", nil
	}
	store, err := NewDatabaseJournal(ctx, journalURL)
	if err != nil {
		return nil, "", err
	}
	return store, store.Driver(), nil
}
