package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medot/internal/config"
	"medot/internal/events"
	"medot/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildInMemory(t *testing.T) {
	t.Setenv("BACKEND_URL", "http://127.0.0.1:8000")
	t.Setenv("SESSION_PROVIDER", "memory")
	t.Setenv("SESSION_CAPACITY", "4")
	t.Setenv("EVENTS_PROVIDER", "none")

	deps, err := BuildTo(context.Background(), io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close() })

	assert.IsType(t, &session.MemoryStore{}, deps.Sessions)
	assert.IsType(t, events.Noop{}, deps.Events)
	assert.NotNil(t, deps.Panel)
	assert.NotNil(t, deps.Backend)
	assert.Equal(t, "http://127.0.0.1:8000", deps.Config.BackendURL)
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	t.Setenv("BACKEND_URL", "http://127.0.0.1:8000")
	t.Setenv("SESSION_PROVIDER", "redis")
	t.Setenv("REDIS_ADDR", "")

	_, err := BuildTo(context.Background(), io.Discard)
	assert.Error(t, err)
}

func TestBuildSessionsUnknownProvider(t *testing.T) {
	_, err := buildSessions(context.Background(), config.Config{SessionProvider: "etcd"}, discardLogger())
	assert.ErrorIs(t, err, session.ErrUnknownProvider)
}

func TestBuildEvents(t *testing.T) {
	pub, err := buildEvents(config.Config{EventsProvider: "none"}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, events.Noop{}, pub)

	_, err = buildEvents(config.Config{EventsProvider: "kafka"}, discardLogger())
	assert.Error(t, err)

	_, err = buildEvents(config.Config{EventsProvider: "nats"}, discardLogger())
	assert.Error(t, err, "NATS_URL is required")
}
