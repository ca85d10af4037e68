package backend

import (
	"context"
	"errors"
	"fmt"
)

// Client talks to the MeDot backend. Both calls expect one buffered JSON reply.
type Client interface {
	// Chat posts the question to /chat and returns the answer field.
	Chat(ctx context.Context, message string) (string, error)
	// SummarizeAudio uploads the recording to /summarize-audio and returns the summary field.
	SummarizeAudio(ctx context.Context, audio Audio) (string, error)
}

// Audio is a recording selected for upload.
type Audio struct {
	Filename    string
	ContentType string
	Data        []byte
}

var (
	// ErrTransport wraps failures to reach the backend or read its reply.
	ErrTransport = errors.New("backend unreachable")
	// ErrMalformedResponse wraps replies that are not the expected JSON document.
	ErrMalformedResponse = errors.New("malformed backend response")
)

// StatusError is returned when the backend replies with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}
