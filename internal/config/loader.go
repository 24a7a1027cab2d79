package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COREBRIDGE_"

// Environment variables recognized by ApplyEnv.
const (
	EnvLogLevel              = EnvPrefix + "LOG_LEVEL"
	EnvQueueWarnDepth        = EnvPrefix + "QUEUE_WARN_DEPTH"
	EnvPostRenderWaitWarning = EnvPrefix + "POST_RENDER_WAIT_WARNING"
	EnvStrictContracts       = EnvPrefix + "STRICT_CONTRACTS"
)

// Load reads the file at path over Default, applies environment overrides
// and validates the result. An empty path loads only defaults and
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
			}
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := Decode(path, data, cfg); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode decodes data into cfg using the format implied by path's
// extension. Unknown keys are rejected.
func Decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return decodeTOML(path, data, cfg)
	case ".yaml", ".yml":
		return decodeYAML(path, data, cfg)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func decodeTOML(path string, data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		perr := &ParseError{Path: path, Message: err.Error(), Err: err}

		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		var serr *toml.StrictMissingError
		if errors.As(err, &serr) {
			perr.Message = "unknown keys: " + strings.TrimSpace(serr.String())
		}
		return perr
	}
	return nil
}

func decodeYAML(path string, data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return &ParseError{Path: path, Message: err.Error(), Err: err}
	}
	return nil
}

// ApplyEnv overrides cfg from environment variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvLogLevel); ok {
		cfg.Logging.Level = strings.ToLower(strings.TrimSpace(v))
	}

	if v, ok := lookup(EnvQueueWarnDepth); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return &EnvError{Var: EnvQueueWarnDepth, Value: v, Err: err}
		}
		cfg.Queue.WarnDepth = n
	}

	if v, ok := lookup(EnvPostRenderWaitWarning); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return &EnvError{Var: EnvPostRenderWaitWarning, Value: v, Err: err}
		}
		cfg.Render.PostRenderWaitWarning = Duration(d)
	}

	if v, ok := lookup(EnvStrictContracts); ok {
		b, err := parseBool(v)
		if err != nil {
			return &EnvError{Var: EnvStrictContracts, Value: v, Err: err}
		}
		cfg.Contracts.Strict = b
	}

	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("not a boolean")
	}
}
