// Package config loads and validates daemon configuration from TOML files.
//
// Configuration covers the bus itself (delta retention, logging) and the
// set of providers mounted on the path tree. A Watcher can monitor the
// config file and trigger reload callbacks on change.
package config

import (
	"fmt"
	"time"

	"github.com/dshills/pathbus/internal/bus/path"
)

// Provider kinds accepted in [[provider]] blocks.
const (
	KindRemote = "remote"
	KindPoll   = "poll"
)

// Duration is a time.Duration that unmarshals from TOML strings like "5s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration document.
type Config struct {
	Bus       BusConfig        `toml:"bus"`
	Log       LogConfig        `toml:"log"`
	Providers []ProviderConfig `toml:"provider"`
}

// BusConfig configures the data bus.
type BusConfig struct {
	// MaxRetainedDeltas bounds the per-path delta buffer.
	MaxRetainedDeltas int `toml:"max_retained_deltas"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`

	// File is an optional log file path. Empty means stderr.
	File string `toml:"file"`
}

// ProviderConfig describes one provider mounted on the bus.
type ProviderConfig struct {
	// Name identifies the provider in logs and errors.
	Name string `toml:"name"`

	// Kind selects the provider implementation: "remote" or "poll".
	Kind string `toml:"kind"`

	// Mount is the path subtree the provider serves, e.g. "cloud/resources".
	Mount string `toml:"mount"`

	// URL is the websocket endpoint for remote providers.
	URL string `toml:"url"`

	// Interval is the fetch interval for poll providers.
	Interval Duration `toml:"interval"`
}

// Default returns the built-in configuration used when no file exists.
func Default() Config {
	return Config{
		Bus: BusConfig{
			MaxRetainedDeltas: 100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for errors. It returns the first
// problem found as a *ValidationError.
func (c *Config) Validate() error {
	if c.Bus.MaxRetainedDeltas < 0 {
		return &ValidationError{
			Field:   "bus.max_retained_deltas",
			Message: "must not be negative",
		}
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return &ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("unknown level %q", c.Log.Level),
		}
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		field := func(name string) string {
			return fmt.Sprintf("provider[%d].%s", i, name)
		}

		if p.Name == "" {
			return &ValidationError{Field: field("name"), Message: "required"}
		}
		if seen[p.Name] {
			return &ValidationError{
				Field:   field("name"),
				Message: fmt.Sprintf("duplicate provider name %q", p.Name),
			}
		}
		seen[p.Name] = true

		mount := path.FromString(p.Mount)
		if !mount.IsValid() || mount.IsRoot() {
			return &ValidationError{
				Field:   field("mount"),
				Message: fmt.Sprintf("invalid mount path %q", p.Mount),
			}
		}

		switch p.Kind {
		case KindRemote:
			if p.URL == "" {
				return &ValidationError{Field: field("url"), Message: "required for remote providers"}
			}
		case KindPoll:
			if p.Interval <= 0 {
				return &ValidationError{Field: field("interval"), Message: "required for poll providers"}
			}
		default:
			return &ValidationError{
				Field:   field("kind"),
				Message: fmt.Sprintf("unknown kind %q", p.Kind),
			}
		}
	}

	return nil
}
