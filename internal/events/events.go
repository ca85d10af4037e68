package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind names the submit handler that produced an event.
type Kind string

const (
	KindChat  Kind = "chat"
	KindAudio Kind = "audio"
)

// Outcome is how a submission ended.
type Outcome string

const (
	OutcomeAnswered  Outcome = "answered"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"  // missing input, never sent
	OutcomeDiscarded Outcome = "discarded" // resolved after the session was reset
)

// Event records one completed submission.
type Event struct {
	ID          uuid.UUID `json:"id"`
	SessionID   string    `json:"session_id"`
	Kind        Kind      `json:"kind"`
	Outcome     Outcome   `json:"outcome"`
	FailureKind string    `json:"failure_kind,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	At          time.Time `json:"at"`
}

// Publisher fans submission events out to observers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close() error { return nil }
