package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/realize/pkg/config"
	"github.com/openfroyo/realize/pkg/fswatch"
	"github.com/openfroyo/realize/pkg/realize"
	"github.com/openfroyo/realize/pkg/report"
)

func (a *app) newWatchCommand() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch [path...]",
		Short: "Apply, then re-apply whenever the declarations change",
		Long: `Watch applies the declarations once and keeps running. Every change to a
declaration file triggers a new run. With --interval the machine is also
re-converged periodically, which repairs drift made by hand.

Policy files given with --policy-path are reloaded when they change.
Interrupt with Ctrl-C to stop.`,
		Example: `  # Re-apply on every edit
  realize watch ./site

  # Also repair drift every five minutes and keep a history
  realize watch --interval 5m --history ./site`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd.Context(), args, interval)
		},
	}

	addRunFlags(cmd)
	cmd.Flags().DurationVar(&interval, "interval", 0, "also re-apply on this interval (0 = only on changes)")

	return cmd
}

func (a *app) watch(ctx context.Context, paths []string, interval time.Duration) error {
	if len(paths) == 0 {
		paths = []string{"."}
	}

	// the runner outlives every run so metrics, policies and history are
	// shared between them
	doc, err := a.loadDocument(ctx, paths)
	if err != nil {
		return err
	}
	cfg, err := a.runConfig(false, doc.SourceFiles)
	if err != nil {
		return err
	}
	runner, err := realize.NewRunner(ctx, cfg)
	if err != nil {
		return &exitError{code: report.ExitAborted, err: err}
	}
	defer func() {
		if err := runner.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()

	if pe := runner.Policy(); pe != nil && len(cfg.Policy.Paths) > 0 {
		if err := pe.WatchPolicies(ctx, cfg.Policy.Paths); err != nil {
			log.Warn().Err(err).Msg("Policy reload disabled")
		}
	}

	watcher, err := fswatch.New(paths,
		fswatch.WithMatch(config.Supported),
		fswatch.WithDebounce(a.settings.GetDuration("watch.debounce")),
		fswatch.WithLogger(log.Logger),
	)
	if err != nil {
		return err
	}
	go watcher.Run(ctx)

	apply := func(reason string) {
		doc, err := a.loadDocument(ctx, paths)
		if err != nil {
			log.Error().Err(err).Str("trigger", reason).Msg("Declarations not applied")
			return
		}
		_, code := runner.Run(ctx, doc.Configure)
		log.Info().Str("trigger", reason).Int("exit_code", code).Msg("Run finished")
	}

	apply("start")

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Watch stopped")
			return nil
		case <-watcher.C:
			apply("change")
		case <-tick:
			apply("interval")
		}
	}
}
