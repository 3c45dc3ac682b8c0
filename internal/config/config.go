// Package config loads daemon configuration from YAML or TOML files.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/taskpilot/internal/delivery"
	"github.com/fentz26/taskpilot/internal/delivery/localexec"
	"github.com/fentz26/taskpilot/internal/escalation"
	"github.com/fentz26/taskpilot/internal/events"
	"github.com/fentz26/taskpilot/internal/notify"
	"github.com/fentz26/taskpilot/internal/scheduler"
)

// Delivery modes.
const (
	DeliveryLog  = "log"
	DeliveryExec = "exec"
)

// Event sink names.
const (
	SinkLog  = "log"
	SinkNATS = "nats"
)

// Config is the full daemon configuration.
type Config struct {
	DBPath    string `yaml:"db_path" toml:"db_path"`
	Listen    string `yaml:"listen" toml:"listen"`
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`

	Scheduler     scheduler.Config  `yaml:"scheduler" toml:"scheduler"`
	Escalation    escalation.Config `yaml:"escalation" toml:"escalation"`
	Notifications notify.Config     `yaml:"notifications" toml:"notifications"`
	Delivery      DeliveryConfig    `yaml:"delivery" toml:"delivery"`
	Events        EventsConfig      `yaml:"events" toml:"events"`
}

// DeliveryConfig selects how notifications leave the process.
type DeliveryConfig struct {
	// Mode is "log" or "exec".
	Mode string `yaml:"mode" toml:"mode"`
	// Timeout bounds each delivery attempt.
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
	// Exec maps channels to allowlisted commands when Mode is "exec".
	Exec localexec.Config `yaml:"exec" toml:"exec"`
}

// EventsConfig configures change-event fan-out.
type EventsConfig struct {
	QueueSize int               `yaml:"queue_size" toml:"queue_size"`
	Sinks     []string          `yaml:"sinks" toml:"sinks"`
	NATS      events.NATSConfig `yaml:"nats" toml:"nats"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dbPath := "taskpilot.db"
	if home, err := os.UserHomeDir(); err == nil {
		dbPath = filepath.Join(home, ".taskpilot", "taskpilot.db")
	}
	return &Config{
		DBPath:        dbPath,
		Listen:        "127.0.0.1:7466",
		LogLevel:      "info",
		LogFormat:     "text",
		Scheduler:     *scheduler.DefaultConfig(),
		Escalation:    escalation.DefaultConfig(),
		Notifications: notify.DefaultConfig(),
		Delivery:      DeliveryConfig{Mode: DeliveryLog, Timeout: delivery.DefaultTimeout},
		Events: EventsConfig{
			QueueSize: events.DefaultQueueSize,
			Sinks:     []string{SinkLog},
			NATS:      events.DefaultNATSConfig(),
		},
	}
}

// Load reads the file at path over the defaults. Files ending in .toml are
// parsed as TOML, everything else as YAML. An empty path or a missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	path = ExpandHome(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.DBPath = ExpandHome(cfg.DBPath)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}

	sc := c.Scheduler
	if sc.Planning < 0 || sc.Risk < 0 || sc.Escalation < 0 || sc.Notification < 0 {
		return fmt.Errorf("scheduler intervals must not be negative")
	}

	if c.Escalation.LowConfidenceThreshold < 0 || c.Escalation.LowConfidenceThreshold > 100 {
		return fmt.Errorf("escalation.low_confidence_threshold must be between 0 and 100")
	}
	if c.Escalation.GraceHours < 0 {
		return fmt.Errorf("escalation.grace_hours must not be negative")
	}
	if c.Escalation.StaleAfter <= 0 {
		return fmt.Errorf("escalation.stale_after must be positive")
	}

	if len(c.Notifications.ReminderOffsets) == 0 {
		return fmt.Errorf("notifications.reminder_offsets must not be empty")
	}
	for _, o := range c.Notifications.ReminderOffsets {
		if o <= 0 {
			return fmt.Errorf("notifications.reminder_offsets must be positive, got %d", o)
		}
	}

	switch c.Delivery.Mode {
	case "", DeliveryLog:
	case DeliveryExec:
		if c.Delivery.Exec.Email == nil && c.Delivery.Exec.Desktop == nil {
			return fmt.Errorf("delivery.exec needs at least one command")
		}
	default:
		return fmt.Errorf("delivery.mode must be %s or %s, got %q", DeliveryLog, DeliveryExec, c.Delivery.Mode)
	}

	if c.Delivery.Timeout <= 0 {
		return fmt.Errorf("delivery.timeout must be positive")
	}

	if c.Events.QueueSize < 0 {
		return fmt.Errorf("events.queue_size must not be negative")
	}
	for _, sink := range c.Events.Sinks {
		switch sink {
		case SinkLog:
		case SinkNATS:
			if c.Events.NATS.URL == "" {
				return fmt.Errorf("events.nats.url must be set when the nats sink is enabled")
			}
		default:
			return fmt.Errorf("unknown event sink %q", sink)
		}
	}
	return nil
}

// HasSink reports whether the named event sink is enabled.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Events.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

// Logger builds a slog logger writing to w with the configured level and format.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level must be debug, info, warn or error, got %q", s)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
