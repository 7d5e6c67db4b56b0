// Package config loads kernel configuration from layered sources:
// global config, project config, an explicit override file, and
// environment variables, in that priority order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/replkit/replkit/internal/protocol"
)

// Duration is a time.Duration that (un)marshals as a string like "30s".
type Duration time.Duration

// UnmarshalJSON accepts "30s"-style strings and bare second counts.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration: %s", data)
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML accepts the same forms as UnmarshalJSON.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration: %s", node.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// HTTPConfig configures the admin HTTP surface.
type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// MCPServer configures one MCP stdio server exposed as a tool provider.
type MCPServer struct {
	Command []string          `json:"command" yaml:"command"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Config holds every kernel option.
type Config struct {
	// InterpreterOverride forces a specific launcher command; it beats
	// every other candidate.
	InterpreterOverride string `json:"interpreter_override,omitempty" yaml:"interpreter_override,omitempty"`
	// SandboxConfig, when set, wraps each launcher candidate with the
	// sandbox command to restrict syscalls.
	SandboxConfig string `json:"sandbox_config,omitempty" yaml:"sandbox_config,omitempty"`

	InitTimeout  Duration `json:"init_timeout,omitempty" yaml:"init_timeout,omitempty"`
	FrameSizeCap int      `json:"frame_size_cap,omitempty" yaml:"frame_size_cap,omitempty"`
	ShutdownGrace   Duration `json:"shutdown_grace,omitempty" yaml:"shutdown_grace,omitempty"`
	IdleTTL         Duration `json:"idle_ttl,omitempty" yaml:"idle_ttl,omitempty"`
	ReapInterval    Duration `json:"reap_interval,omitempty" yaml:"reap_interval,omitempty"`
	MaxSessions     int      `json:"max_sessions,omitempty" yaml:"max_sessions,omitempty"`
	TakeDeadline    Duration `json:"take_deadline,omitempty" yaml:"take_deadline,omitempty"`
	// ToolTimeout bounds a single tool dispatch; zero means unbounded.
	ToolTimeout Duration `json:"tool_timeout,omitempty" yaml:"tool_timeout,omitempty"`

	WorkingDir string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	LogLevel string               `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	HTTP     HTTPConfig           `json:"http,omitempty" yaml:"http,omitempty"`
	MCP      map[string]MCPServer `json:"mcp,omitempty" yaml:"mcp,omitempty"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		InitTimeout:   Duration(30 * time.Second),
		FrameSizeCap:  protocol.DefaultFrameSizeCap,
		ShutdownGrace: Duration(2 * time.Second),
		IdleTTL:       Duration(15 * time.Minute),
		ReapInterval:  Duration(60 * time.Second),
		MaxSessions:   8,
		TakeDeadline:  Duration(30 * time.Second),
		LogLevel:      "info",
		HTTP:          HTTPConfig{Addr: "127.0.0.1:7077"},
		MCP:           map[string]MCPServer{},
	}
}

// Load builds the effective configuration for a working directory.
// Sources, lowest priority first: defaults, ~/.config/replkit/,
// <directory>/replkit.{json,jsonc,yaml}, the REPLKIT_CONFIG file, and
// environment variables.
func Load(directory string) (*Config, error) {
	cfg := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			return
		}
		if loadFile(path, cfg) == nil {
			loaded[abs] = true
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		global := filepath.Join(home, ".config", "replkit")
		loadOnce(filepath.Join(global, "replkit.json"))
		loadOnce(filepath.Join(global, "replkit.jsonc"))
		loadOnce(filepath.Join(global, "replkit.yaml"))
	}

	if directory != "" {
		loadOnce(filepath.Join(directory, "replkit.json"))
		loadOnce(filepath.Join(directory, "replkit.jsonc"))
		loadOnce(filepath.Join(directory, "replkit.yaml"))
	}

	if path := os.Getenv("REPLKIT_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("REPLKIT_CONFIG %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// loadFile merges a single config file into cfg.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(jsonc.ToJSON(data), cfg)
	}
}

// applyEnvOverrides applies REPLKIT_* environment variables, which win
// over every file source.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REPLKIT_INTERPRETER"); v != "" {
		cfg.InterpreterOverride = v
	}
	if v := os.Getenv("REPLKIT_SANDBOX_CONFIG"); v != "" {
		cfg.SandboxConfig = v
	}
	if v := os.Getenv("REPLKIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REPLKIT_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("REPLKIT_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("REPLKIT_IDLE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.IdleTTL = Duration(d)
		}
	}
}
