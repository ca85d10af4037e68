// Package panel holds the query panel: the three input/output slots of a
// session and the two submit handlers that fill the shared response slot.
package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"medot/internal/backend"
	"medot/internal/events"
	"medot/internal/session"
)

// MissingFileNotice is shown when the audio submit runs with no file selected.
const MissingFileNotice = "파일을 선택해주세요!"

var (
	ErrNoFileSelected = errors.New("no audio file selected")
	// ErrNotRecorded marks a submission whose outcome never reached the
	// session slots because the store failed. It is joined with the backend
	// error, if any.
	ErrNotRecorded = errors.New("submission outcome not recorded")
)

// Recorded reports whether a submit error left its outcome in the session
// slots, as the missing-file notice or the failure slot.
func Recorded(err error) bool {
	return err == nil || !errors.Is(err, ErrNotRecorded)
}

// Panel runs submissions against the backend and records their outcome in
// the session store. Whichever submission resolves last owns the response.
type Panel struct {
	client   backend.Client
	sessions session.Store
	events   events.Publisher
	log      *slog.Logger
	now      func() time.Time
}

func New(client backend.Client, sessions session.Store, pub events.Publisher, log *slog.Logger) *Panel {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Panel{
		client:   client,
		sessions: sessions,
		events:   pub,
		log:      log,
		now:      time.Now,
	}
}

// View returns the current slots of a session.
func (p *Panel) View(ctx context.Context, sessionID string) (session.State, error) {
	state, err := p.sessions.Load(ctx, sessionID)
	if err != nil {
		return session.State{}, fmt.Errorf("load session: %w", err)
	}
	return state, nil
}

// SetQuery replaces the query text.
func (p *Panel) SetQuery(ctx context.Context, sessionID, query string) error {
	if err := p.sessions.Save(ctx, sessionID, session.Patch{Query: &query}); err != nil {
		return fmt.Errorf("set query: %w", err)
	}
	return nil
}

// SelectFile replaces the selected recording and clears the missing-file notice.
func (p *Panel) SelectFile(ctx context.Context, sessionID string, file session.File) error {
	cleared := ""
	if err := p.sessions.Save(ctx, sessionID, session.Patch{File: &file, Notice: &cleared}); err != nil {
		return fmt.Errorf("select file: %w", err)
	}
	return nil
}

// Reset drops every slot of the session. Submissions still in flight resolve
// into nothing, as a fetch does after a page reload.
func (p *Panel) Reset(ctx context.Context, sessionID string) error {
	if err := p.sessions.Reset(ctx, sessionID); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	return nil
}

// SubmitText sends the query as it stands now to /chat. Edits made while the
// request is in flight do not change what was sent. A failure is recorded in
// the failure slot and returned; the response slot keeps its old value.
func (p *Panel) SubmitText(ctx context.Context, sessionID string) error {
	state, err := p.View(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotRecorded, err)
	}

	start := p.now()
	answer, callErr := p.client.Chat(ctx, state.Query)
	return p.resolve(ctx, sessionID, state.Generation, events.KindChat, start, answer, callErr)
}

// SubmitFile uploads the selected recording to /summarize-audio. With no file
// selected it sets the notice, sends nothing and returns ErrNoFileSelected.
func (p *Panel) SubmitFile(ctx context.Context, sessionID string) error {
	state, err := p.View(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotRecorded, err)
	}
	if state.File == nil {
		return p.reject(ctx, sessionID, state.Generation)
	}

	start := p.now()
	summary, callErr := p.client.SummarizeAudio(ctx, backend.Audio{
		Filename:    state.File.Name,
		ContentType: state.File.ContentType,
		Data:        state.File.Data,
	})
	return p.resolve(ctx, sessionID, state.Generation, events.KindAudio, start, summary, callErr)
}

func (p *Panel) reject(ctx context.Context, sessionID string, gen uint64) error {
	notice := MissingFileNotice
	err := p.sessions.Save(ctx, sessionID, session.Patch{Notice: &notice, IfGeneration: &gen})
	if err != nil && !errors.Is(err, session.ErrStale) {
		return errors.Join(ErrNoFileSelected, fmt.Errorf("%w: save notice: %w", ErrNotRecorded, err))
	}
	p.log.Info("audio submission rejected", "session_id", sessionID, "reason", "no file selected")
	p.publish(ctx, events.Event{
		SessionID: sessionID,
		Kind:      events.KindAudio,
		Outcome:   events.OutcomeRejected,
		At:        p.now().UTC(),
	})
	return ErrNoFileSelected
}

// resolve writes the outcome of a finished backend call. Only the response,
// failure and notice slots are touched, and only while the session is still
// at generation gen.
func (p *Panel) resolve(ctx context.Context, sessionID string, gen uint64, kind events.Kind, start time.Time, text string, callErr error) error {
	elapsed := p.now().Sub(start)
	cleared := ""
	ev := events.Event{
		SessionID:  sessionID,
		Kind:       kind,
		DurationMS: elapsed.Milliseconds(),
		At:         p.now().UTC(),
	}
	log := p.log.With("session_id", sessionID, "kind", kind, "duration_ms", elapsed.Milliseconds())

	patch := session.Patch{Notice: &cleared, IfGeneration: &gen}
	if callErr != nil {
		failure := session.Failure{Kind: classify(callErr), Message: callErr.Error()}
		patch.Failure = &failure
		ev.Outcome = events.OutcomeFailed
		ev.FailureKind = string(failure.Kind)
		log.Warn("submission failed", "failure_kind", failure.Kind, "err", callErr)
	} else {
		patch.Response = &text
		patch.Failure = &session.Failure{}
		ev.Outcome = events.OutcomeAnswered
		log.Info("submission answered", "response_bytes", len(text))
	}

	err := p.sessions.Save(ctx, sessionID, patch)
	switch {
	case errors.Is(err, session.ErrStale):
		log.Info("submission resolved after reset; outcome dropped")
		ev.Outcome = events.OutcomeDiscarded
	case err != nil:
		return errors.Join(callErr, fmt.Errorf("%w: save %s result: %w", ErrNotRecorded, kind, err))
	}
	p.publish(ctx, ev)
	return callErr
}

func (p *Panel) publish(ctx context.Context, ev events.Event) {
	if err := p.events.Publish(ctx, ev); err != nil {
		p.log.Warn("failed to publish panel event", "err", err, "kind", ev.Kind, "outcome", ev.Outcome)
	}
}

// classify maps a backend error onto the failure taxonomy.
func classify(err error) session.FailureKind {
	var statusErr *backend.StatusError
	switch {
	case errors.As(err, &statusErr):
		return session.FailureStatus
	case errors.Is(err, backend.ErrMalformedResponse):
		return session.FailureMalformed
	default:
		return session.FailureTransport
	}
}
