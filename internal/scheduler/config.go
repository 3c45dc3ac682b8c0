// Package scheduler runs agents on independent recurring timers.
package scheduler

import "time"

// Config defines agent cadences.
type Config struct {
	Planning     time.Duration `yaml:"planning" toml:"planning"`
	Risk         time.Duration `yaml:"risk" toml:"risk"`
	Escalation   time.Duration `yaml:"escalation" toml:"escalation"`
	Notification time.Duration `yaml:"notification" toml:"notification"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Planning:     5 * time.Minute,
		Risk:         3 * time.Minute,
		Escalation:   10 * time.Minute,
		Notification: 2 * time.Minute,
	}
}

// IntervalFor returns the cadence for a job key. Unset values fall back to
// the defaults.
func (c *Config) IntervalFor(key string) time.Duration {
	if d := c.lookup(key); d > 0 {
		return d
	}
	return DefaultConfig().lookup(key)
}

func (c *Config) lookup(key string) time.Duration {
	switch key {
	case KeyPlanning:
		return c.Planning
	case KeyRisk:
		return c.Risk
	case KeyEscalation:
		return c.Escalation
	case KeyNotification:
		return c.Notification
	}
	return 0
}
