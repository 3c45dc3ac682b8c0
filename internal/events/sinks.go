package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fentz26/taskpilot/internal/models"
)

// LogSink writes change events to a structured log at debug level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Name returns the sink identifier.
func (l *LogSink) Name() string {
	return "log"
}

// Send logs the event.
func (l *LogSink) Send(ctx context.Context, ev models.ChangeEvent) error {
	l.logger.DebugContext(ctx, "change event", "kind", ev.Kind, "entity_id", ev.EntityID, "at", ev.At)
	return nil
}

// ErrSinkClosed is returned when sending on a closed NATS connection.
var ErrSinkClosed = errors.New("event sink closed")

// NATSConfig holds NATS sink settings.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string `yaml:"url" toml:"url"`

	// SubjectPrefix is prepended to the entity kind, e.g. "taskpilot.task".
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`

	// Name is the client name for identification.
	Name string `yaml:"name" toml:"name"`

	// Token for token-based auth.
	Token string `yaml:"token" toml:"token"`

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration `yaml:"reconnect_wait" toml:"reconnect_wait"`

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int `yaml:"max_reconnects" toml:"max_reconnects"`

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "taskpilot",
		Name:           "taskpilot",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// NATSSink publishes change events as JSON on "<prefix>.<kind>".
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink connects to NATS and returns a sink.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return NewNATSSinkFromConn(conn, cfg.SubjectPrefix), nil
}

// NewNATSSinkFromConn creates a sink over an existing connection.
func NewNATSSinkFromConn(conn *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultNATSConfig().SubjectPrefix
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	return opts
}

// Name returns the sink identifier.
func (n *NATSSink) Name() string {
	return "nats"
}

// Send publishes ev.
func (n *NATSSink) Send(_ context.Context, ev models.ChangeEvent) error {
	if n.conn.IsClosed() {
		return ErrSinkClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.conn.Publish(Subject(n.prefix, ev.Kind), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (n *NATSSink) Close() error {
	if n.conn.IsClosed() {
		return nil
	}
	err := n.conn.Flush()
	n.conn.Close()
	return err
}

// Subject returns the NATS subject for an entity kind.
func Subject(prefix string, kind models.EntityKind) string {
	return prefix + "." + string(kind)
}
