package realize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/realize/pkg/engine"
	"github.com/openfroyo/realize/pkg/policy"
	"github.com/openfroyo/realize/pkg/report"
	"github.com/openfroyo/realize/pkg/stores"
	"github.com/openfroyo/realize/pkg/telemetry"
)

// Runner owns the long-lived parts of a realize process: telemetry, the
// policy engine and the history store. One Runner may execute many runs.
type Runner struct {
	cfg       *Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	policy    *policy.Engine
	store     *stores.SQLiteStore
	recorder  *stores.Recorder
	engine    *engine.Engine
	reporter  *report.Reporter
}

// NewRunner validates cfg and builds a Runner. The caller must Close it.
func NewRunner(ctx context.Context, cfg *Config) (*Runner, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, engine.NewValidationError("invalid configuration", err)
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	r := &Runner{
		cfg:       cfg,
		telemetry: tel,
		logger:    tel.Logger.NewComponentLogger("realize").Zerolog(),
	}
	tel.Metrics.StartMetricsServer(ctx, tel.Logger)

	options := tel.EngineOptions()

	if cfg.Policy.Enabled {
		pe, err := policy.NewEngine(tel.Logger.Zerolog(), policy.Options{
			ProtectedPaths: cfg.Policy.ProtectedPaths,
			EssentialPaths: cfg.Policy.EssentialPaths,
			Environment:    cfg.Policy.Environment,
			DryRun:         cfg.Engine.DryRun,
		})
		if err != nil {
			_ = r.Close(ctx)
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := pe.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				_ = r.Close(ctx)
				return nil, engine.NewPolicyError("failed to load policies", err)
			}
		}
		r.policy = pe
		options = append(options, engine.WithAdmitter(pe))
	}

	// history is an audit log; a run proceeds without it
	if cfg.History.Enabled {
		if err := r.openHistory(ctx); err != nil {
			r.logger.Warn().Err(err).Str("path", cfg.History.Path).Msg("Run history disabled")
		} else {
			options = append(options, engine.WithObserver(r.recorder))
		}
	}

	r.engine = engine.New(cfg.Engine, options...)

	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	r.reporter = report.New(stdout, cfg.Report)

	return r, nil
}

func (r *Runner) openHistory(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(stores.Config{Path: r.cfg.History.Path})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return err
	}
	r.store = store
	r.recorder = stores.NewRecorder(store, r.telemetry.Logger.Zerolog(),
		stores.WithSources(r.cfg.Sources...),
		stores.WithRetention(r.cfg.History.Retention),
	)
	return nil
}

// Engine returns the configured engine.
func (r *Runner) Engine() *engine.Engine { return r.engine }

// Policy returns the policy engine, nil when policies are disabled.
func (r *Runner) Policy() *policy.Engine { return r.policy }

// History returns the history store, nil when history is disabled.
func (r *Runner) History() *stores.SQLiteStore { return r.store }

// Logger returns the process logger.
func (r *Runner) Logger() zerolog.Logger { return r.logger }

// Run executes one reconciliation, renders its report and returns the exit
// status.
func (r *Runner) Run(ctx context.Context, configure engine.ConfigureFunc) (*engine.RunResult, int) {
	ctx = r.telemetry.WithContext(ctx)
	ctx, span := r.telemetry.Tracer.Start(ctx, "realize.apply",
		attribute.Bool("dry_run", r.cfg.Engine.DryRun),
		attribute.StringSlice("sources", r.cfg.Sources),
	)
	defer span.End()

	result, err := r.engine.Run(ctx, configure)
	if err != nil {
		telemetry.RecordError(span, err)
		if !engine.IsPreExecution(err) && !engine.IsCancelled(err) {
			r.logger.Error().Err(err).Str("trace_id", telemetry.TraceID(ctx)).Msg("Run failed")
		}
	}

	if err := r.reporter.Render(result); err != nil {
		r.logger.Error().Err(err).Msg("Failed to render report")
	}
	if r.recorder != nil {
		if err := r.recorder.Err(); err != nil {
			r.logger.Warn().Err(err).Msg("Run was not recorded")
		}
	}

	return result, report.ExitCode(result)
}

// Plan builds and admits the graph without probing anything.
func (r *Runner) Plan(ctx context.Context, configure engine.ConfigureFunc) (*engine.Graph, error) {
	graph, err := r.engine.Plan(ctx, configure)
	if err != nil {
		return nil, err
	}
	if err := r.engine.Admit(ctx, graph); err != nil {
		return graph, err
	}
	return graph, nil
}

// Close flushes telemetry and closes the history store.
func (r *Runner) Close(ctx context.Context) error {
	var errs []error
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if r.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		errs = append(errs, r.telemetry.Shutdown(shutdownCtx))
	}
	return errors.Join(errs...)
}

// Apply runs configure once against the live machine and returns the process
// exit status: 0 when every resource is unchanged or changed, 1 when any
// resource failed or was blocked, 2 when the run was aborted before any
// probe and 130 when it was cancelled.
func Apply(ctx context.Context, cfg *Config, configure engine.ConfigureFunc) int {
	runner, err := NewRunner(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "realize: %v\n", err)
		return report.ExitAborted
	}
	defer func() {
		if err := runner.Close(ctx); err != nil {
			runner.logger.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()

	_, code := runner.Run(ctx, configure)
	return code
}

// Main is the entry point for programs that declare their resources in Go.
// It applies configure with the default configuration, cancels the run on
// SIGINT or SIGTERM and exits the process with Apply's status.
//
//	func main() {
//	    realize.Main(func(r *engine.Reality) error {
//	        return r.Ensure(fs.File("/etc/motd").ContainsString("hello\n"))
//	    })
//	}
func Main(configure engine.ConfigureFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Apply(ctx, DefaultConfig(), configure)
	stop()
	os.Exit(code)
}
