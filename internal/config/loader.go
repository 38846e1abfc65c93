package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FACTORY_"

// sections are the nested config keys, longest first so domain_tools wins
// over a hypothetical "domain" section.
var sections = []string{
	"domain_tools", "telemetry", "database", "pipeline", "logging", "notify", "server", "agent",
}

// Load reads the YAML file at path, applies FACTORY_* environment overrides
// and fills in defaults. An empty path searches the standard locations; a
// missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = findDefault()
	}
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parsing config YAML %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyDefaults(&cfg)
	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %w", errs[0])
	}
	return &cfg, nil
}

// Default returns a config holding only defaults.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// findDefault returns the first existing config in ./factory.yaml or
// ~/.factory/config.yaml, or "".
func findDefault() string {
	candidates := []string{"factory.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".factory", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envKey maps FACTORY_AGENT_MAX_TURNS to agent.max_turns and
// FACTORY_DATA_DIR to data_dir.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, sec := range sections {
		if strings.HasPrefix(lower, sec+"_") {
			return sec + "." + strings.TrimPrefix(lower, sec+"_")
		}
	}
	return lower
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".factory")
		} else {
			cfg.DataDir = ".factory"
		}
	}

	a := &cfg.Agent
	if a.Binary == "" {
		a.Binary = "claude"
	}
	if a.Model == "" {
		a.Model = "sonnet"
	}
	if a.MaxTurns == 0 {
		a.MaxTurns = 500
	}

	p := &cfg.Pipeline
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Mode == "" {
		p.Mode = ModePhased
	}
	if p.ResultTruncate == 0 {
		p.ResultTruncate = 2000
	}

	d := &cfg.DomainTools
	if d.Timeout == 0 {
		d.Timeout = Duration(2 * time.Minute)
	}
	if len(d.Tools) == 0 {
		d.Tools = []string{"browser_navigate", "browser_check", "browser_screenshot"}
	}

	if cfg.Notify.Subject == "" {
		cfg.Notify.Subject = "factory.input"
	}

	s := &cfg.Server
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if s.Port == 0 {
		s.Port = 8484
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "featurefactory"
	}
}
