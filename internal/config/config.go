// Package config loads corebridge settings from TOML or YAML files with
// environment overrides, and watches the file for live reload.
//
// Precedence, lowest to highest: Default, the config file, COREBRIDGE_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/corebridge/internal/contract"
	"github.com/dshills/corebridge/internal/logging"
)

// Config is the complete corebridge configuration.
type Config struct {
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
	Queue     QueueConfig     `toml:"queue" yaml:"queue"`
	Render    RenderConfig    `toml:"render" yaml:"render"`
	Contracts ContractsConfig `toml:"contracts" yaml:"contracts"`
	Watch     WatchConfig     `toml:"watch" yaml:"watch"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" yaml:"level"`
}

// QueueConfig configures the core event queue.
type QueueConfig struct {
	// WarnDepth logs a warning when the queue grows past it. 0 disables.
	WarnDepth int `toml:"warn_depth" yaml:"warn_depth"`
}

// RenderConfig configures the render side of the post-render handshake.
type RenderConfig struct {
	// PostRenderWaitWarning logs when the render thread waits longer. 0 disables.
	PostRenderWaitWarning Duration `toml:"post_render_wait_warning" yaml:"post_render_wait_warning"`
	// FPS is the frame rate of the simulated render thread.
	FPS int `toml:"fps" yaml:"fps"`
}

// ContractsConfig selects how contract violations are handled.
type ContractsConfig struct {
	// Strict panics on violations instead of logging and rejecting them.
	Strict bool `toml:"strict" yaml:"strict"`
}

// WatchConfig configures live reload of the config file.
type WatchConfig struct {
	Enabled  bool     `toml:"enabled" yaml:"enabled"`
	Debounce Duration `toml:"debounce" yaml:"debounce"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Queue:   QueueConfig{WarnDepth: 4096},
		Render: RenderConfig{
			PostRenderWaitWarning: Duration(time.Second),
			FPS:                   60,
		},
		Watch: WatchConfig{Debounce: Duration(100 * time.Millisecond)},
	}
}

// Clone returns a copy of c.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// LogLevel returns the parsed logging level, defaulting to info.
func (c *Config) LogLevel() logging.Level {
	if level, ok := logging.ParseLevel(c.Logging.Level); ok {
		return level
	}
	return logging.LevelInfo
}

// ContractPolicy returns the violation policy selected by Contracts.Strict.
func (c *Config) ContractPolicy() contract.Policy {
	if c.Contracts.Strict {
		return contract.PolicyPanic
	}
	return contract.PolicyReport
}

// Validate checks every setting and returns the first *ValidationError.
func (c *Config) Validate() error {
	if _, ok := logging.ParseLevel(c.Logging.Level); !ok {
		return &ValidationError{Field: "logging.level", Value: c.Logging.Level, Message: "must be debug, info, warn or error"}
	}
	if c.Queue.WarnDepth < 0 {
		return &ValidationError{Field: "queue.warn_depth", Value: c.Queue.WarnDepth, Message: "must not be negative"}
	}
	if c.Render.PostRenderWaitWarning < 0 {
		return &ValidationError{Field: "render.post_render_wait_warning", Value: c.Render.PostRenderWaitWarning, Message: "must not be negative"}
	}
	if c.Render.FPS < 1 || c.Render.FPS > 1000 {
		return &ValidationError{Field: "render.fps", Value: c.Render.FPS, Message: "must be between 1 and 1000"}
	}
	if c.Watch.Debounce < 0 {
		return &ValidationError{Field: "watch.debounce", Value: c.Watch.Debounce, Message: "must not be negative"}
	}
	return nil
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the duration in Go syntax.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML accepts duration strings and plain integers (milliseconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.Tag == "!!int" {
		var ms int64
		if err := node.Decode(&ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	return d.UnmarshalText([]byte(node.Value))
}
