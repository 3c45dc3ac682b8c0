// Package localexec delivers notifications by running allowlisted local
// notifier commands, one per channel.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/taskpilot/internal/models"
)

const waitDelay = 2 * time.Second

// allowedCommands defines the strict allowlist of notifier executables.
var allowedCommands = map[string]bool{
	"notify-send": true,
	"osascript":   true,
	"mail":        true,
	"sendmail":    true,
	"logger":      true,
}

// Command describes how one channel is delivered. Args may contain the
// placeholders {message}, {user}, {task}, {type} and {id}.
type Command struct {
	Path  string   `yaml:"path" toml:"path"`
	Args  []string `yaml:"args" toml:"args"`
	Stdin bool     `yaml:"stdin" toml:"stdin"`
}

// Config maps single channels to commands.
type Config struct {
	Email   *Command `yaml:"email" toml:"email"`
	Desktop *Command `yaml:"desktop" toml:"desktop"`
}

// ErrNoCommand is returned when a channel has no configured command.
var ErrNoCommand = errors.New("no command configured for channel")

// LocalExec implements delivery.Transport by running local commands.
type LocalExec struct {
	commands map[models.Channel]*Command
}

// New creates a LocalExec transport. Commands outside the allowlist are rejected.
func New(cfg Config) (*LocalExec, error) {
	l := &LocalExec{commands: make(map[models.Channel]*Command)}
	for ch, c := range map[models.Channel]*Command{models.ChannelEmail: cfg.Email, models.ChannelDesktop: cfg.Desktop} {
		if c == nil {
			continue
		}
		if !IsAllowed(c.Path) {
			return nil, fmt.Errorf("command not allowed for %s: %s", ch, c.Path)
		}
		l.commands[ch] = c
	}
	return l, nil
}

// Name returns the transport identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist.
func IsAllowed(path string) bool {
	return allowedCommands[filepath.Base(path)]
}

// Deliver runs the command for each channel the notification targets.
func (l *LocalExec) Deliver(ctx context.Context, n *models.Notification) error {
	channels := []models.Channel{n.Channel}
	if n.Channel == models.ChannelBoth {
		channels = []models.Channel{models.ChannelEmail, models.ChannelDesktop}
	}

	for _, ch := range channels {
		c, ok := l.commands[ch]
		if !ok {
			return fmt.Errorf("%s: %w", ch, ErrNoCommand)
		}
		if err := run(ctx, c, n); err != nil {
			return fmt.Errorf("%s: %w", ch, err)
		}
	}
	return nil
}

func run(ctx context.Context, c *Command, n *models.Notification) error {
	cmd := exec.CommandContext(ctx, c.Path, ExpandArgs(c.Args, n)...)
	// Children that inherit stderr must not hold Wait open after a kill.
	cmd.WaitDelay = waitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if c.Stdin {
		cmd.Stdin = strings.NewReader(n.Message + "\n")
	}

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited %d: %s", c.Path, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("exec error: %w", err)
	}
	return nil
}

// ExpandArgs substitutes notification fields into args.
func ExpandArgs(args []string, n *models.Notification) []string {
	r := strings.NewReplacer(
		"{message}", n.Message,
		"{user}", n.UserID,
		"{task}", n.TaskID,
		"{type}", string(n.Type),
		"{id}", n.ID,
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}
