package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openfroyo/realize/pkg/config"
	"github.com/openfroyo/realize/pkg/realize"
	"github.com/openfroyo/realize/pkg/report"
)

// envPrefix namespaces environment overrides, e.g. REALIZE_PARALLELISM or
// REALIZE_HISTORY_PATH.
const envPrefix = "REALIZE"

// flagKeys maps command line flags to settings keys.
var flagKeys = map[string]string{
	"log-level":        "log.level",
	"log-format":       "log.format",
	"json":             "report.json",
	"no-color":         "report.no_color",
	"verbose":          "report.verbose",
	"diff":             "report.diff",
	"parallelism":      "parallelism",
	"fail-fast":        "fail_fast",
	"timeout":          "timeout",
	"skip-verify":      "skip_verify",
	"policy":           "policy.enabled",
	"policy-path":      "policy.paths",
	"environment":      "policy.environment",
	"history":          "history.enabled",
	"history-path":     "history.path",
	"metrics-listen":   "metrics.listen",
	"metrics-textfile": "metrics.textfile",
	"trace":            "tracing.exporter",
	"trace-endpoint":   "tracing.endpoint",
	"var":              "vars",
}

// newSettings returns settings holding the defaults. Flags, environment and
// the settings file are layered on by loadSettings.
func newSettings() *viper.Viper {
	d := realize.DefaultConfig()
	v := viper.New()

	v.SetDefault("log.level", d.Telemetry.Logging.Level)
	v.SetDefault("log.format", d.Telemetry.Logging.Format)
	v.SetDefault("report.json", false)
	v.SetDefault("report.no_color", false)
	v.SetDefault("report.verbose", false)
	v.SetDefault("report.diff", d.Report.ShowDiff)
	v.SetDefault("report.max_diff_lines", d.Report.MaxDiffLines)
	v.SetDefault("parallelism", d.Engine.Parallelism)
	v.SetDefault("fail_fast", false)
	v.SetDefault("timeout", time.Duration(0))
	v.SetDefault("skip_verify", false)
	v.SetDefault("starlark.timeout", config.DefaultStarlarkTimeout)
	v.SetDefault("policy.enabled", d.Policy.Enabled)
	v.SetDefault("policy.paths", []string{})
	v.SetDefault("policy.protected_paths", []string{})
	v.SetDefault("policy.essential_paths", []string{})
	v.SetDefault("policy.environment", "")
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.path", d.History.Path)
	v.SetDefault("history.retention", d.History.Retention)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("vars", map[string]string{})
	v.SetDefault("watch.debounce", 500*time.Millisecond)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return v
}

// loadSettings binds the flags of cmd and reads the settings file.
// Precedence is flags, then environment, then the settings file.
func (a *app) loadSettings(cmd *cobra.Command) error {
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := a.settings.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", flag, err)
			}
		}
	}

	if a.settingsFile != "" {
		a.settings.SetConfigFile(a.settingsFile)
		if err := a.settings.ReadInConfig(); err != nil {
			return &exitError{code: report.ExitAborted, err: fmt.Errorf("failed to read settings: %w", err)}
		}
		log.Debug().Str("settings", a.settingsFile).Msg("Settings loaded")
	}

	a.setupLogging()
	return nil
}

// setupLogging applies the log settings to the global logger used by the
// commands themselves.
func (a *app) setupLogging() {
	if lvl, err := zerolog.ParseLevel(a.settings.GetString("log.level")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if a.settings.GetString("log.format") == "json" {
		log.Logger = zerolog.New(a.errOut).With().Timestamp().Logger()
	}
}

// runConfig builds the realize configuration from the settings.
func (a *app) runConfig(dryRun bool, sources []string) (*realize.Config, error) {
	v := a.settings
	cfg := realize.DefaultConfig()

	cfg.Engine.Parallelism = v.GetInt("parallelism")
	cfg.Engine.FailFast = v.GetBool("fail_fast")
	cfg.Engine.DryRun = dryRun
	cfg.Engine.ResourceTimeout = v.GetDuration("timeout")
	cfg.Engine.SkipVerify = v.GetBool("skip_verify")

	tel := cfg.Telemetry
	tel.Logging.Level = v.GetString("log.level")
	tel.Logging.Format = v.GetString("log.format")
	tel.Logging.NoColor = v.GetBool("report.no_color")
	tel.Metrics.ListenAddress = v.GetString("metrics.listen")
	tel.Metrics.TextfilePath = v.GetString("metrics.textfile")
	if exporter := v.GetString("tracing.exporter"); exporter != "" && exporter != "none" {
		tel.Tracing.Enabled = true
		tel.Tracing.Exporter = exporter
		tel.Tracing.Endpoint = v.GetString("tracing.endpoint")
	}

	if v.GetBool("report.json") {
		cfg.Report.Format = report.FormatJSON
	}
	cfg.Report.Color = !v.GetBool("report.no_color")
	cfg.Report.Verbose = v.GetBool("report.verbose")
	cfg.Report.ShowDiff = v.GetBool("report.diff")
	cfg.Report.MaxDiffLines = v.GetInt("report.max_diff_lines")

	cfg.Policy.Enabled = v.GetBool("policy.enabled")
	cfg.Policy.Paths = v.GetStringSlice("policy.paths")
	cfg.Policy.ProtectedPaths = v.GetStringSlice("policy.protected_paths")
	cfg.Policy.EssentialPaths = v.GetStringSlice("policy.essential_paths")
	cfg.Policy.Environment = v.GetString("policy.environment")

	cfg.History.Enabled = v.GetBool("history.enabled")
	cfg.History.Path = v.GetString("history.path")
	cfg.History.Retention = v.GetInt("history.retention")

	cfg.Sources = sources
	cfg.Stdout = a.out

	if err := cfg.Validate(); err != nil {
		return nil, &exitError{code: report.ExitAborted, err: err}
	}
	return cfg, nil
}

// loadDocument loads declarations from paths, defaulting to the current
// directory. Load errors abort with ExitAborted.
func (a *app) loadDocument(ctx context.Context, paths []string) (*config.Document, error) {
	if len(paths) == 0 {
		paths = []string{"."}
	}

	vars := make(map[string]any)
	for k, val := range a.settings.GetStringMapString("vars") {
		vars[k] = val
	}

	loader := config.NewLoader(
		config.WithLogger(log.Logger),
		config.WithVars(vars),
		config.WithStarlarkTimeout(a.settings.GetDuration("starlark.timeout")),
	)
	doc, err := loader.Load(ctx, paths...)
	if err != nil {
		return nil, &exitError{code: report.ExitAborted, err: err}
	}
	return doc, nil
}

// addRunFlags adds the flags shared by apply, plan and watch.
func addRunFlags(cmd *cobra.Command) {
	d := realize.DefaultConfig()
	f := cmd.Flags()
	f.IntP("parallelism", "p", d.Engine.Parallelism, "max resources converged at once")
	f.Bool("fail-fast", false, "stop starting new resources after the first failure")
	f.Duration("timeout", 0, "timeout for each resource's probe and apply (0 = none)")
	f.Bool("skip-verify", false, "skip the post-apply probe")
	f.Bool("diff", true, "show content diffs of changed files")
	f.Bool("policy", true, "evaluate admission policies")
	f.StringSlice("policy-path", nil, "policy files or directories (.rego, .json)")
	f.String("environment", "", "environment name passed to policies")
	f.Bool("history", false, "record the run in the history database")
	f.String("history-path", "", "history database path")
	f.String("metrics-listen", "", "serve Prometheus metrics on this address")
	f.String("metrics-textfile", "", "write Prometheus metrics to this file after the run")
	f.String("trace", "none", "trace exporter (none, stdout, otlp)")
	f.String("trace-endpoint", "", "OTLP collector address")
	f.StringToString("var", nil, "variables for Starlark scripts (key=value)")
}
