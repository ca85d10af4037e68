package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NewNATS publishes events on subject.<kind>.
func NewNATS(log *slog.Logger, nc *nats.Conn, subject string) Publisher {
	return &natsPublisher{log: log, nc: nc, subject: subject}
}

type natsPublisher struct {
	log     *slog.Logger
	nc      *nats.Conn
	subject string
}

func (p *natsPublisher) Publish(_ context.Context, ev Event) error {
	if ev.Kind == "" {
		return errors.New("event kind required")
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(Subject(p.subject, ev.Kind), body)
}

func (p *natsPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.log.Warn("nats drain failed", "err", err)
		p.nc.Close()
	}
	return nil
}

// Subject returns the NATS subject events of kind are published on.
func Subject(base string, kind Kind) string {
	return base + "." + string(kind)
}
