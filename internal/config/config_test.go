package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/corebridge/internal/contract"
	"github.com/dshills/corebridge/internal/logging"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.LogLevel() != logging.LevelInfo {
		t.Errorf("LogLevel() = %v, want info", cfg.LogLevel())
	}
	if cfg.ContractPolicy() != contract.PolicyReport {
		t.Errorf("ContractPolicy() = %v, want report", cfg.ContractPolicy())
	}
}

func TestDecode_TOML(t *testing.T) {
	data := `
[logging]
level = "debug"

[queue]
warn_depth = 128

[render]
post_render_wait_warning = "250ms"
fps = 30

[contracts]
strict = true

[watch]
enabled = true
debounce = "50ms"
`
	cfg := Default()
	if err := Decode("corebridge.toml", []byte(data), cfg); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Queue.WarnDepth != 128 {
		t.Errorf("Queue.WarnDepth = %d", cfg.Queue.WarnDepth)
	}
	if cfg.Render.PostRenderWaitWarning.Std() != 250*time.Millisecond {
		t.Errorf("PostRenderWaitWarning = %v", cfg.Render.PostRenderWaitWarning)
	}
	if cfg.Render.FPS != 30 {
		t.Errorf("Render.FPS = %d", cfg.Render.FPS)
	}
	if !cfg.Contracts.Strict || cfg.ContractPolicy() != contract.PolicyPanic {
		t.Error("expected strict contracts")
	}
	if !cfg.Watch.Enabled || cfg.Watch.Debounce.Std() != 50*time.Millisecond {
		t.Errorf("Watch = %+v", cfg.Watch)
	}
}

func TestDecode_YAML(t *testing.T) {
	data := `
logging:
  level: warn
queue:
  warn_depth: 64
render:
  post_render_wait_warning: 2s
  fps: 120
watch:
  debounce: 75
`
	cfg := Default()
	if err := Decode("corebridge.yml", []byte(data), cfg); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if cfg.LogLevel() != logging.LevelWarn {
		t.Errorf("LogLevel() = %v", cfg.LogLevel())
	}
	if cfg.Queue.WarnDepth != 64 {
		t.Errorf("Queue.WarnDepth = %d", cfg.Queue.WarnDepth)
	}
	if cfg.Render.PostRenderWaitWarning.Std() != 2*time.Second {
		t.Errorf("PostRenderWaitWarning = %v", cfg.Render.PostRenderWaitWarning)
	}
	if cfg.Render.FPS != 120 {
		t.Errorf("Render.FPS = %d", cfg.Render.FPS)
	}
	if cfg.Watch.Debounce.Std() != 75*time.Millisecond {
		t.Errorf("integer debounce should be milliseconds, got %v", cfg.Watch.Debounce)
	}
}

func TestDecode_PartialKeepsDefaults(t *testing.T) {
	cfg := Default()
	if err := Decode("c.toml", []byte("[queue]\nwarn_depth = 7\n"), cfg); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Queue.WarnDepth != 7 {
		t.Errorf("WarnDepth = %d", cfg.Queue.WarnDepth)
	}
	if cfg.Render.FPS != 60 || cfg.Logging.Level != "info" {
		t.Errorf("defaults were lost: %+v", cfg)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		path string
		data string
	}{
		{"toml syntax", "c.toml", "[queue\nwarn_depth = 1"},
		{"toml unknown key", "c.toml", "[queue]\nmax_depth = 1\n"},
		{"toml bad duration", "c.toml", "[render]\npost_render_wait_warning = \"soon\"\n"},
		{"yaml unknown key", "c.yaml", "queue:\n  max_depth: 1\n"},
		{"yaml bad duration", "c.yaml", "render:\n  post_render_wait_warning: later\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Decode(tt.path, []byte(tt.data), Default())
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ParseError, got %T: %v", err, err)
			}
			if perr.Path != tt.path {
				t.Errorf("Path = %q", perr.Path)
			}
		})
	}
}

func TestDecode_UnsupportedFormat(t *testing.T) {
	err := Decode("c.json", []byte("{}"), Default())
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"warn depth", func(c *Config) { c.Queue.WarnDepth = -1 }, "queue.warn_depth"},
		{"wait warning", func(c *Config) { c.Render.PostRenderWaitWarning = -1 }, "render.post_render_wait_warning"},
		{"fps low", func(c *Config) { c.Render.FPS = 0 }, "render.fps"},
		{"fps high", func(c *Config) { c.Render.FPS = 5000 }, "render.fps"},
		{"debounce", func(c *Config) { c.Watch.Debounce = -1 }, "watch.debounce"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			var verr *ValidationError
			if err := cfg.Validate(); !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvLogLevel:              "DEBUG",
		EnvQueueWarnDepth:        "10",
		EnvPostRenderWaitWarning: "3s",
		EnvStrictContracts:       "yes",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Queue.WarnDepth != 10 {
		t.Errorf("WarnDepth = %d", cfg.Queue.WarnDepth)
	}
	if cfg.Render.PostRenderWaitWarning.Std() != 3*time.Second {
		t.Errorf("wait warning = %v", cfg.Render.PostRenderWaitWarning)
	}
	if !cfg.Contracts.Strict {
		t.Error("expected strict contracts")
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	for _, name := range []string{EnvQueueWarnDepth, EnvPostRenderWaitWarning, EnvStrictContracts} {
		t.Run(name, func(t *testing.T) {
			lookup := func(k string) (string, bool) {
				if k == name {
					return "garbage", true
				}
				return "", false
			}
			var eerr *EnvError
			if err := ApplyEnv(Default(), lookup); !errors.As(err, &eerr) {
				t.Fatalf("expected *EnvError, got %v", err)
			}
			if eerr.Var != name {
				t.Errorf("Var = %q", eerr.Var)
			}
		})
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeFile(t, "corebridge.toml", "[queue]\nwarn_depth = 32\n[logging]\nlevel = \"warn\"\n")
	t.Setenv(EnvLogLevel, "error")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.WarnDepth != 32 {
		t.Errorf("WarnDepth = %d", cfg.Queue.WarnDepth)
	}
	if cfg.LogLevel() != logging.LevelError {
		t.Errorf("environment should override the file, got %v", cfg.LogLevel())
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	path := writeFile(t, "corebridge.yaml", "render:\n  fps: 0\n")
	_, err := Load(path)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected *ValidationError, got %v", err)
	}
}

func TestLoad_NoPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.Render.FPS != 60 {
		t.Errorf("FPS = %d", cfg.Render.FPS)
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte(" 1m30s ")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if d.Std() != 90*time.Second {
		t.Errorf("d = %v", d)
	}
	text, err := d.MarshalText()
	if err != nil || string(text) != "1m30s" {
		t.Errorf("MarshalText() = %q, %v", text, err)
	}
}
