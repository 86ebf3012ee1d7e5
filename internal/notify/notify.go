// Package notify delivers terminal-state events to the notification
// collaborator over NATS.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/integrationd/internal/integrator"
)

// Config configures the NATS notifier.
type Config struct {
	// URL is the NATS server URL. Default: nats://localhost:4222.
	URL string `koanf:"url"`

	// SubjectPrefix is prepended to the event type to form the publish
	// subject. Default: integrationd.events.
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		c.URL = "nats://localhost:4222"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "integrationd.events"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if strings.ContainsAny(c.SubjectPrefix, " \t") {
		return errors.New("notify: subject_prefix must not contain whitespace")
	}
	return nil
}

// NATS publishes events to a NATS subject per event type.
type NATS struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATS connects to the configured NATS server.
func NewNATS(cfg Config, logger *zap.Logger) (*NATS, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connecting to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info("connected to NATS", zap.String("url", cfg.URL))
	return &NATS{conn: conn, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

// Publish sends the event as JSON on <prefix>.<event type>.
func (n *NATS) Publish(_ context.Context, event integrator.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: encoding event: %w", err)
	}
	subject := subjectFor(n.prefix, event.Type)
	if err := n.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("notify: publishing to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}

func subjectFor(prefix, eventType string) string {
	return prefix + "." + eventType
}

// Nop discards all events. Used when notifications are disabled.
type Nop struct{}

func (Nop) Publish(context.Context, integrator.Event) error { return nil }
