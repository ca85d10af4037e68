package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"medot/internal/backend"
	"medot/internal/config"
	"medot/internal/events"
	"medot/internal/logger"
	"medot/internal/panel"
	"medot/internal/session"
)

// Deps bundles common runtime dependencies for the panel front-ends.
type Deps struct {
	Config   config.Config
	Log      *slog.Logger
	Backend  backend.Client
	Sessions session.Store
	Events   events.Publisher
	Panel    *panel.Panel
}

// Close releases the session store and event publisher.
func (d Deps) Close() error {
	var errs []error
	if d.Events != nil {
		errs = append(errs, d.Events.Close())
	}
	if d.Sessions != nil {
		errs = append(errs, d.Sessions.Close())
	}
	return errors.Join(errs...)
}

// Build loads env, config, and shared components, logging to stdout.
func Build(ctx context.Context) (Deps, error) {
	return BuildTo(ctx, os.Stdout)
}

// BuildTo is Build with logs written to logOut. A missing .env file is not
// an error; configuration may come from the environment alone.
func BuildTo(ctx context.Context, logOut io.Writer) (Deps, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Deps{}, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		return Deps{}, err
	}
	log := logger.NewTo(logOut, cfg.LogLevel)

	client, err := backend.NewHTTPClient(cfg.BackendURL, cfg.BackendTimeout)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize backend client: %w", err)
	}
	log.Info("using backend", "url", cfg.BackendURL, "timeout", cfg.BackendTimeout)

	sessions, err := buildSessions(ctx, cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize session store: %w", err)
	}
	pub, err := buildEvents(cfg, log)
	if err != nil {
		_ = sessions.Close()
		return Deps{}, fmt.Errorf("failed to initialize event publisher: %w", err)
	}

	return Deps{
		Config:   cfg,
		Log:      log,
		Backend:  client,
		Sessions: sessions,
		Events:   pub,
		Panel:    panel.New(client, sessions, pub, log),
	}, nil
}

func buildSessions(ctx context.Context, cfg config.Config, log *slog.Logger) (session.Store, error) {
	switch cfg.SessionProvider {
	case "memory":
		st, err := session.NewMemoryStore(cfg.SessionCapacity)
		if err != nil {
			return nil, err
		}
		log.Info("using in-memory session store", "capacity", cfg.SessionCapacity)
		return st, nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required when SESSION_PROVIDER=redis")
		}
		st, err := session.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.SessionTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		log.Info("using Redis session store", "addr", cfg.RedisAddr, "ttl", cfg.SessionTTL)
		return st, nil
	case "postgres":
		if cfg.DBURL == "" {
			return nil, fmt.Errorf("DB_URL is required when SESSION_PROVIDER=postgres")
		}
		st, err := session.NewPostgres(ctx, cfg.DBURL, cfg.SessionTable)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres: %w", err)
		}
		log.Info("using Postgres session store", "table", cfg.SessionTable)
		return st, nil
	default:
		return nil, fmt.Errorf("%w: %s (valid options: memory, redis, postgres)", session.ErrUnknownProvider, cfg.SessionProvider)
	}
}

func buildEvents(cfg config.Config, log *slog.Logger) (events.Publisher, error) {
	switch cfg.EventsProvider {
	case "none", "":
		return events.Noop{}, nil
	case "nats":
		if cfg.NATSURL == "" {
			return nil, fmt.Errorf("NATS_URL is required when EVENTS_PROVIDER=nats")
		}
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("medot-panel"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		log.Info("publishing panel events to NATS", "subject", cfg.EventsSubject)
		return events.NewNATS(log, nc, cfg.EventsSubject), nil
	default:
		return nil, fmt.Errorf("invalid EVENTS_PROVIDER: %s (valid options: none, nats)", cfg.EventsProvider)
	}
}
