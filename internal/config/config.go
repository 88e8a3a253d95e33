// Package config loads and validates the worker process configuration.
//
// Configuration is a YAML file unified against an embedded CUE schema:
// YAML supplies the values, CUE supplies the contract (types, ranges,
// allowed enum values). Defaults are applied before validation, so a
// missing file section is fine while a present-but-wrong one is an error.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// schema is the CUE contract every loaded configuration must satisfy.
const schema = `
#Config: {
	max_in_flight: int & >=1 & <=4096
	log: {
		level:  "debug" | "info" | "warn" | "error"
		format: "text" | "json"
	}
	trace: {
		enabled: bool
		path:    string
	}
	backend: {
		vocab_size: int & >=2 & <=1000000
		latency_ms: int & >=0
	}
}
`

// Config is the root worker configuration.
type Config struct {
	// MaxInFlight sizes the placeholder namespace and resolution table.
	MaxInFlight int           `yaml:"max_in_flight" json:"max_in_flight"`
	Log         LogConfig     `yaml:"log" json:"log"`
	Trace       TraceConfig   `yaml:"trace" json:"trace"`
	Backend     BackendConfig `yaml:"backend" json:"backend"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// TraceConfig controls the per-batch execution trace store.
type TraceConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// BackendConfig parameterizes the built-in mock backend used by the demo
// loop. A real deployment replaces the backend wholesale; these knobs only
// exist for the shipped binary.
type BackendConfig struct {
	VocabSize int `yaml:"vocab_size" json:"vocab_size"`
	LatencyMS int `yaml:"latency_ms" json:"latency_ms"`
}

// Default returns the configuration used when no file (or a partial file)
// is supplied.
func Default() Config {
	return Config{
		MaxInFlight: 16,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Trace: TraceConfig{
			Enabled: false,
			Path:    "",
		},
		Backend: BackendConfig{
			VocabSize: 32000,
			LatencyMS: 0,
		},
	}
}

// Load reads a YAML configuration file, overlays it on the defaults, and
// validates the result. An empty path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate unifies the configuration with the embedded CUE schema and
// checks the cross-field constraints CUE does not express.
func (c Config) Validate() error {
	cuectx := cuecontext.New()

	schemaVal := cuectx.CompileString(schema)
	if err := schemaVal.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schemaVal.LookupPath(cue.ParsePath("#Config"))
	if !def.Exists() {
		return fmt.Errorf("config schema missing #Config definition")
	}

	val := cuectx.Encode(c)
	if err := val.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Trace.Enabled && c.Trace.Path == "" {
		return fmt.Errorf("invalid configuration: trace.enabled requires trace.path")
	}

	return nil
}

// SlogLevel maps the configured level to a slog.Level.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Latency returns the configured mock backend latency as a duration.
func (b BackendConfig) Latency() time.Duration {
	return time.Duration(b.LatencyMS) * time.Millisecond
}
