package session

import (
	"context"
	"errors"
)

// FailureKind classifies why a submission produced no response.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTransport FailureKind = "transport"
	FailureStatus    FailureKind = "status"
	FailureMalformed FailureKind = "malformed"
)

var (
	ErrUnknownProvider = errors.New("unknown session provider")
	// ErrStale is returned by Save when a conditional patch targets a
	// session that was reset after the writer read it.
	ErrStale = errors.New("session was reset")
)

// File is the recording the user picked, held until replaced or reset.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Failure describes the most recent failed submission.
type Failure struct {
	Kind    FailureKind
	Message string
}

// State is one panel's slots. Response is shared by both submit handlers.
type State struct {
	Query    string
	Response string
	File     *File
	Notice   string
	Failure  Failure
	// Generation counts resets. Writers that read it can make their patch
	// conditional on it with Patch.IfGeneration.
	Generation uint64
}

// HasFailure reports whether the failure slot is populated.
func (s State) HasFailure() bool {
	return s.Failure.Kind != FailureNone
}

// Patch names the slots a write touches; nil fields are left alone so
// concurrent writers only clobber the slots they produced.
type Patch struct {
	Query    *string
	Response *string
	File     *File
	Notice   *string
	Failure  *Failure

	// IfGeneration applies the patch only while the session is still at
	// that generation. Save returns ErrStale otherwise.
	IfGeneration *uint64
}

// stale reports whether a conditional patch no longer matches s.
func (s State) stale(p Patch) bool {
	return p.IfGeneration != nil && *p.IfGeneration != s.Generation
}

// Apply returns s with the patched slots replaced.
func (s State) Apply(p Patch) State {
	if p.Query != nil {
		s.Query = *p.Query
	}
	if p.Response != nil {
		s.Response = *p.Response
	}
	if p.File != nil {
		f := *p.File
		s.File = &f
	}
	if p.Notice != nil {
		s.Notice = *p.Notice
	}
	if p.Failure != nil {
		s.Failure = *p.Failure
	}
	return s
}

// Store keeps panel state per session. Unknown sessions load as empty state.
// Reset clears every slot and advances the generation, so conditional
// patches read before the reset are refused.
type Store interface {
	Load(ctx context.Context, id string) (State, error)
	Save(ctx context.Context, id string, p Patch) error
	Reset(ctx context.Context, id string) error
	Close() error
}
