package realize

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/openfroyo/realize/pkg/engine"
	"github.com/openfroyo/realize/pkg/report"
	"github.com/openfroyo/realize/pkg/telemetry"
)

// Config contains everything Apply needs besides the configure routine.
type Config struct {
	// Engine controls parallelism, fail-fast, dry-run and timeouts.
	Engine engine.Options

	// Report selects the report format and what it shows.
	Report report.Options

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry *telemetry.Config

	// Policy configures admission policies.
	Policy PolicyConfig

	// History configures the run history database.
	History HistoryConfig

	// Sources names the configuration files the run is built from. They
	// are recorded with the run history.
	Sources []string

	// Stdout receives the report. Defaults to os.Stdout.
	Stdout io.Writer
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	// Enabled runs the built-in policies and any loaded from Paths.
	Enabled bool

	// Paths are .rego or .json files, or directories containing them.
	Paths []string

	// ProtectedPaths and EssentialPaths extend the built-in lists.
	ProtectedPaths []string
	EssentialPaths []string

	// Environment is exposed to policies as input.context.environment.
	Environment string
}

// HistoryConfig configures the run history database.
type HistoryConfig struct {
	// Enabled records every run.
	Enabled bool

	// Path is the SQLite database file.
	Path string

	// Retention keeps only the newest runs; zero keeps everything.
	Retention int
}

// DefaultConfig returns the configuration used by Main.
func DefaultConfig() *Config {
	tel := telemetry.DefaultConfig()
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		tel.Logging.Level = lvl
	}
	return &Config{
		Engine: engine.Options{
			Parallelism: runtime.GOMAXPROCS(0),
		},
		Report:    report.DefaultOptions(),
		Telemetry: tel,
		Policy: PolicyConfig{
			Enabled: true,
		},
		History: HistoryConfig{
			Enabled:   false,
			Path:      "/var/lib/realize/history.db",
			Retention: 100,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Telemetry == nil {
		return fmt.Errorf("telemetry configuration is required")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	if c.Engine.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative, got: %d", c.Engine.Parallelism)
	}
	if c.Engine.ResourceTimeout < 0 {
		return fmt.Errorf("resource timeout must not be negative, got: %s", c.Engine.ResourceTimeout)
	}

	if c.Report.Format != "" {
		if err := c.Report.Format.Validate(); err != nil {
			return err
		}
	}

	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history path is required when history is enabled")
	}
	if c.History.Retention < 0 {
		return fmt.Errorf("history retention must not be negative, got: %d", c.History.Retention)
	}

	return nil
}
