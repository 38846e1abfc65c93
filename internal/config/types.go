package config

import (
	"fmt"
	"time"
)

// Config is the top-level factory configuration.
type Config struct {
	DataDir     string            `koanf:"data_dir" yaml:"data_dir"`
	Agent       AgentConfig       `koanf:"agent" yaml:"agent"`
	Pipeline    PipelineConfig    `koanf:"pipeline" yaml:"pipeline"`
	DomainTools DomainToolsConfig `koanf:"domain_tools" yaml:"domain_tools"`
	Notify      NotifyConfig      `koanf:"notify" yaml:"notify"`
	Database    DatabaseConfig    `koanf:"database" yaml:"database"`
	Server      ServerConfig      `koanf:"server" yaml:"server"`
	Logging     LoggingConfig     `koanf:"logging" yaml:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry" yaml:"telemetry"`
}

// AgentConfig controls how agent sessions are launched.
type AgentConfig struct {
	Binary       string   `koanf:"binary" yaml:"binary"`
	Model        string   `koanf:"model" yaml:"model"`
	MaxTurns     int      `koanf:"max_turns" yaml:"max_turns"`
	SystemPrompt string   `koanf:"system_prompt" yaml:"system_prompt,omitempty"`
	ExtraArgs    []string `koanf:"extra_args" yaml:"extra_args,omitempty"`
}

// Pipeline modes.
const (
	ModePhased = "phased"
	ModeAgent  = "agent"
)

// PipelineConfig controls the run loop.
type PipelineConfig struct {
	// MaxAttempts is the total number of explore/plan/execute/test attempts
	// per requirement.
	MaxAttempts    int    `koanf:"max_attempts" yaml:"max_attempts"`
	Mode           string `koanf:"mode" yaml:"mode"`
	EnableTesting  bool   `koanf:"enable_testing" yaml:"enable_testing"`
	ResultTruncate int    `koanf:"result_truncate" yaml:"result_truncate"`
	TemplatesDir   string `koanf:"templates_dir" yaml:"templates_dir,omitempty"`
}

// DomainToolsConfig points at the browser automation service.
type DomainToolsConfig struct {
	URL     string   `koanf:"url" yaml:"url,omitempty"`
	Timeout Duration `koanf:"timeout" yaml:"timeout"`
	Tools   []string `koanf:"tools" yaml:"tools"`
}

// NotifyConfig configures operator notifications.
type NotifyConfig struct {
	NATSURL string `koanf:"nats_url" yaml:"nats_url,omitempty"`
	Subject string `koanf:"subject" yaml:"subject"`
}

// DatabaseConfig configures the optional Postgres event mirror.
type DatabaseConfig struct {
	URL Secret `koanf:"url" yaml:"url,omitempty"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Host            string   `koanf:"host" yaml:"host"`
	Port            int      `koanf:"port" yaml:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// TelemetryConfig configures OpenTelemetry tracing. Tracing is off when
// OTLPEndpoint is empty.
type TelemetryConfig struct {
	OTLPEndpoint string `koanf:"otlp_endpoint" yaml:"otlp_endpoint,omitempty"`
	ServiceName  string `koanf:"service_name" yaml:"service_name"`
	Insecure     bool   `koanf:"insecure" yaml:"insecure"`
}

// Duration wraps time.Duration so it reads and renders as "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret is a string redacted whenever it is printed or rendered.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalText implements encoding.TextMarshaler.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Value returns the secret itself.
func (s Secret) Value() string {
	return string(s)
}
