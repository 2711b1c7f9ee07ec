// Package config handles loading, validating, and applying
// configuration for freeroute. Configuration is read from a YAML file,
// then overridden by environment variables and finally by CLI flags.
package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/freeroute/internal/buildinfo"
	"github.com/terrpan/freeroute/internal/engine"
	"github.com/terrpan/freeroute/internal/engine/docker"
	"github.com/terrpan/freeroute/internal/freerouting"
	"github.com/terrpan/freeroute/internal/health"
	"github.com/terrpan/freeroute/internal/orchestrator"
	"github.com/terrpan/freeroute/internal/otel"
)

// Environment variables read by ApplyEnv.
const (
	EnvProfileID   = "FREEROUTING_PROFILE_ID"
	EnvHost        = "FREEROUTING_HOST" // Freerouting-Environment-Host header
	EnvServiceHost = "FREEROUTING_SERVICE_HOST"
	EnvImage       = "FREEROUTING_IMAGE"
)

// DefaultImage is the routing service image used when none is configured.
const DefaultImage = "ghcr.io/tscircuit/freerouting:master"

// DefaultPort is the port the routing service listens on inside its image.
const DefaultPort = 37864

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Container ContainerConfig `yaml:"container"`
	Service   ServiceConfig   `yaml:"service"`
	Readiness ReadinessConfig `yaml:"readiness"`
	Job       JobConfig       `yaml:"job"`
	Logging   LoggingConfig   `yaml:"logging"`
	OTel      OTelConfig      `yaml:"otel"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ---------------------------------------------------------------------------
// Container
// ---------------------------------------------------------------------------

// ContainerConfig describes the service container.
type ContainerConfig struct {
	// Image is the routing service image.
	// Default: "ghcr.io/tscircuit/freerouting:master"
	Image string `yaml:"image"`

	// HostPort is the loopback port the service is published on. Nil means
	// the default (37864); 0 picks a free port from the dynamic range.
	HostPort *int `yaml:"host_port"`

	// ContainerPort is the port the service listens on inside the
	// container. Default: 37864.
	ContainerPort int `yaml:"container_port"`

	// Pull is the image pull policy: missing, always, never.
	// Default: missing.
	Pull string `yaml:"pull"`

	// StopTimeout is the grace period before the container is killed.
	// Default: 10s.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

// ServiceConfig controls how the routing service is addressed.
type ServiceConfig struct {
	// Host is the address the published port is reached on.
	// Default: "localhost".
	Host string `yaml:"host"`

	// ProfileID is sent as Freerouting-Profile-ID when set.
	ProfileID string `yaml:"profile_id"`

	// EnvironmentHost is sent as Freerouting-Environment-Host.
	// Default: "freeroute/<version>".
	EnvironmentHost string `yaml:"environment_host"`

	// RequestTimeout bounds every protocol request. Default: 30s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ReadinessConfig bounds the readiness probe.
type ReadinessConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// ---------------------------------------------------------------------------
// Job
// ---------------------------------------------------------------------------

// JobConfig controls the routing job.
type JobConfig struct {
	// Name is the job name. Default: the input file base name.
	Name string `yaml:"name"`

	// Priority is the queue priority. Default: NORMAL.
	Priority string `yaml:"priority"`

	// PollInterval is the delay between status polls. Default: 5s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Timeout bounds the polling phase. Default: 30m.
	Timeout time.Duration `yaml:"timeout"`

	// MaxPolls bounds the number of status polls; 0 means unbounded.
	MaxPolls int `yaml:"max_polls"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics (for debugging).
	StdOut bool `yaml:"stdout"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	// Port serves /metrics when > 0.  Default: 0 (disabled).
	Port int `yaml:"port"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// A missing file is not an error; defaults and overrides supply everything.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyEnv merges the FREEROUTING_* environment variables into c. lookup
// is normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvProfileID); ok && v != "" {
		c.Service.ProfileID = v
	}
	if v, ok := lookup(EnvHost); ok && v != "" {
		c.Service.EnvironmentHost = v
	}
	if v, ok := lookup(EnvServiceHost); ok && v != "" {
		c.Service.Host = v
	}
	if v, ok := lookup(EnvImage); ok && v != "" {
		c.Container.Image = v
	}
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Container.Image == "" {
		c.Container.Image = DefaultImage
	}
	if c.Container.HostPort == nil {
		p := DefaultPort
		c.Container.HostPort = &p
	}
	if c.Container.ContainerPort == 0 {
		c.Container.ContainerPort = DefaultPort
	}
	if c.Container.Pull == "" {
		c.Container.Pull = docker.PullMissing
	}
	if c.Container.StopTimeout == 0 {
		c.Container.StopTimeout = 10 * time.Second
	}
	if c.Service.Host == "" {
		c.Service.Host = "localhost"
	}
	if c.Service.EnvironmentHost == "" {
		c.Service.EnvironmentHost = buildinfo.UserAgent()
	}
	if c.Service.RequestTimeout == 0 {
		c.Service.RequestTimeout = 30 * time.Second
	}
	if c.Readiness.Timeout == 0 {
		c.Readiness.Timeout = 30 * time.Second
	}
	if c.Readiness.InitialInterval == 0 {
		c.Readiness.InitialInterval = 250 * time.Millisecond
	}
	if c.Readiness.MaxInterval == 0 {
		c.Readiness.MaxInterval = 2 * time.Second
	}
	if c.Job.Priority == "" {
		c.Job.Priority = freerouting.DefaultPriority
	}
	if c.Job.PollInterval == 0 {
		c.Job.PollInterval = 5 * time.Second
	}
	if c.Job.Timeout == 0 {
		c.Job.Timeout = 30 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if !c.OTel.Enabled && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
}

// Validate checks that all fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if hp := *c.Container.HostPort; hp < 0 || hp > 65535 {
		return fmt.Errorf("container.host_port %d is out of range (0-65535)", hp)
	}
	if cp := c.Container.ContainerPort; cp < 1 || cp > 65535 {
		return fmt.Errorf("container.container_port %d is out of range (1-65535)", cp)
	}
	switch c.Container.Pull {
	case docker.PullMissing, docker.PullAlways, docker.PullNever:
	default:
		return fmt.Errorf("container.pull %q is not supported (supported: missing, always, never)", c.Container.Pull)
	}
	if c.Container.StopTimeout < 0 {
		return fmt.Errorf("container.stop_timeout must not be negative")
	}
	if c.Service.RequestTimeout < 0 {
		return fmt.Errorf("service.request_timeout must not be negative")
	}
	if c.Readiness.Timeout < 0 || c.Readiness.InitialInterval < 0 {
		return fmt.Errorf("readiness durations must not be negative")
	}
	if c.Readiness.MaxInterval < c.Readiness.InitialInterval {
		return fmt.Errorf("readiness.max_interval (%s) < readiness.initial_interval (%s)",
			c.Readiness.MaxInterval, c.Readiness.InitialInterval)
	}
	if c.Job.PollInterval <= 0 {
		return fmt.Errorf("job.poll_interval must be positive")
	}
	if c.Job.Timeout < 0 {
		return fmt.Errorf("job.timeout must not be negative")
	}
	if c.Job.MaxPolls < 0 {
		return fmt.Errorf("job.max_polls must not be negative")
	}
	if strings.TrimSpace(c.Job.Priority) == "" {
		return fmt.Errorf("job.priority is empty")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port %d is out of range (0-65535)", c.Metrics.Port)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration. Logs
// go to w (normally os.Stderr) so they never mix with command output.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
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

// NewEngine connects to the Docker daemon.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	return docker.New(ctx, docker.Config{
		Pull:        c.Container.Pull,
		StopTimeout: c.Container.StopTimeout,
	}, logger.WithGroup("engine.docker"))
}

// NewClientFactory returns a factory for routing clients carrying the
// configured headers and timeout.
func (c *Config) NewClientFactory() orchestrator.ClientFactory {
	svc := c.Service
	return func(baseURL string) (orchestrator.Client, error) {
		return freerouting.New(freerouting.Config{
			BaseURL:         baseURL,
			ProfileID:       svc.ProfileID,
			EnvironmentHost: svc.EnvironmentHost,
			Timeout:         svc.RequestTimeout,
		})
	}
}

// OrchestratorConfig assembles the orchestrator settings around eng.
func (c *Config) OrchestratorConfig(eng engine.Engine, logger *slog.Logger) orchestrator.Config {
	return orchestrator.Config{
		Image:         c.Container.Image,
		HostPort:      *c.Container.HostPort,
		ContainerPort: c.Container.ContainerPort,
		ServiceHost:   c.Service.Host,
		JobName:       c.Job.Name,
		Priority:      c.Job.Priority,
		PollInterval:  c.Job.PollInterval,
		JobTimeout:    c.Job.Timeout,
		MaxPolls:      c.Job.MaxPolls,
		Readiness: health.Config{
			Timeout:         c.Readiness.Timeout,
			InitialInterval: c.Readiness.InitialInterval,
			MaxInterval:     c.Readiness.MaxInterval,
		},
		CleanupTimeout: c.Container.StopTimeout + 20*time.Second,
		Engine:         eng,
		NewClient:      c.NewClientFactory(),
		Logger:         logger.WithGroup("orchestrator"),
	}
}

// TelemetryConfig converts the telemetry settings for otel.Setup.
func (c *Config) TelemetryConfig() otel.Config {
	return otel.Config{
		Enabled:        c.OTel.Enabled,
		Endpoint:       c.OTel.Endpoint,
		Insecure:       c.OTel.Insecure,
		StdOut:         c.OTel.StdOut,
		PrometheusPort: c.Metrics.Port,
	}
}
