package config

import "fmt"

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	validModes   = map[string]bool{ModePhased: true, ModeAgent: true}
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"json": true, "console": true}
)

// Validate checks a defaulted Config. It returns every problem found.
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Agent.MaxTurns < 1 {
		add("agent.max_turns", "must be at least 1, got %d", cfg.Agent.MaxTurns)
	}
	if cfg.Pipeline.MaxAttempts < 1 {
		add("pipeline.max_attempts", "must be at least 1, got %d", cfg.Pipeline.MaxAttempts)
	}
	if !validModes[cfg.Pipeline.Mode] {
		add("pipeline.mode", "unknown mode %q (want phased or agent)", cfg.Pipeline.Mode)
	}
	if cfg.Pipeline.ResultTruncate < 0 {
		add("pipeline.result_truncate", "cannot be negative")
	}
	if cfg.Pipeline.EnableTesting && cfg.DomainTools.URL == "" {
		add("domain_tools.url", "is required when pipeline.enable_testing is set")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		add("server.port", "out of range: %d", cfg.Server.Port)
	}
	if !validLevels[cfg.Logging.Level] {
		add("logging.level", "unknown level %q", cfg.Logging.Level)
	}
	if !validFormats[cfg.Logging.Format] {
		add("logging.format", "unknown format %q", cfg.Logging.Format)
	}
	return errs
}
