package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/realize/pkg/engine"
	"github.com/openfroyo/realize/pkg/report"
	"github.com/openfroyo/realize/pkg/stores"
)

func (a *app) newHistoryCommand() *cobra.Command {
	var (
		limit    int
		resource string
		events   bool
		prune    int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `History reads the run history database written by apply --history.

Without arguments it lists the newest runs. With a run ID it shows every
resource outcome of that run, and with --events its transition timeline.
--resource lists the outcomes of one path across runs.`,
		Example: `  # List the last 20 runs
  realize history --history-path ./history.db

  # Show one run with its events
  realize history --events 0f8c2a3e-...

  # When did /etc/motd last change?
  realize history --resource /etc/motd`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := a.openHistory(ctx)
			if err != nil {
				return &exitError{code: report.ExitAborted, err: err}
			}
			defer store.Close()

			h := historyView{store: store, out: a.out, json: a.settings.GetBool("report.json")}
			switch {
			case prune > 0:
				return h.prune(ctx, prune)
			case resource != "":
				return h.resource(ctx, resource, limit)
			case len(args) == 1:
				return h.run(ctx, args[0], events)
			default:
				return h.list(ctx, limit)
			}
		},
	}

	f := cmd.Flags()
	f.IntVarP(&limit, "limit", "n", 20, "number of runs or outcomes to show")
	f.StringVar(&resource, "resource", "", "show the history of one path")
	f.BoolVar(&events, "events", false, "include the event timeline of the run")
	f.IntVar(&prune, "prune", 0, "delete all but the newest N runs")
	f.String("history-path", "", "history database path")

	return cmd
}

func (a *app) openHistory(ctx context.Context) (*stores.SQLiteStore, error) {
	path := a.settings.GetString("history.path")
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", path, err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

type historyView struct {
	store stores.Store
	out   io.Writer
	json  bool
}

func (h historyView) encode(v any) error {
	enc := json.NewEncoder(h.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (h historyView) list(ctx context.Context, limit int) error {
	runs, err := h.store.ListRuns(ctx, limit, 0)
	if err != nil {
		return err
	}
	if h.json {
		return h.encode(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(h.out, "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(h.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tCHANGED\tFAILED\tBLOCKED\tDURATION")
	for _, r := range runs {
		status := r.Status
		if r.DryRun {
			status += " (dry run)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), status,
			r.Changed, r.Failed, r.Blocked, r.Duration.Round(time.Millisecond))
	}
	return w.Flush()
}

func (h historyView) run(ctx context.Context, id string, withEvents bool) error {
	run, err := h.store.GetRun(ctx, id)
	if errors.Is(err, stores.ErrNotFound) {
		return &exitError{code: report.ExitFailed, err: fmt.Errorf("run %s not found", id)}
	}
	if err != nil {
		return err
	}
	outcomes, err := h.store.ListOutcomes(ctx, id)
	if err != nil {
		return err
	}
	var evs []*stores.Event
	if withEvents {
		if evs, err = h.store.GetEvents(ctx, id, -1, 0); err != nil {
			return err
		}
	}

	if h.json {
		return h.encode(struct {
			Run      *stores.Run       `json:"run"`
			Outcomes []*stores.Outcome `json:"outcomes"`
			Events   []*stores.Event   `json:"events,omitempty"`
		}{run, outcomes, evs})
	}

	fmt.Fprintf(h.out, "Run %s on %s: %s\n", run.ID, run.Hostname, run.Status)
	fmt.Fprintf(h.out, "  started  %s (%s)\n", run.StartedAt.Local().Format(time.DateTime), run.Duration.Round(time.Millisecond))
	if len(run.Sources) > 0 {
		fmt.Fprintf(h.out, "  sources  %s\n", strings.Join(run.Sources, ", "))
	}
	if run.Error != nil {
		fmt.Fprintf(h.out, "  error    %s (%s)\n", *run.Error, run.ErrorClass)
	}
	fmt.Fprintln(h.out)

	w := tabwriter.NewWriter(h.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE\tOUTCOME\tDETAIL")
	for _, o := range outcomes {
		fmt.Fprintf(w, "%s\t%s\t%s\n", o.Description, o.Outcome, outcomeDetail(o))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(evs) > 0 {
		fmt.Fprintln(h.out)
		w = tabwriter.NewWriter(h.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tLEVEL\tEVENT\tMESSAGE")
		for _, e := range evs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				e.Timestamp.Local().Format("15:04:05.000"), e.Level, e.Type, e.Message)
		}
		return w.Flush()
	}
	return nil
}

func (h historyView) resource(ctx context.Context, path string, limit int) error {
	id := engine.PathIdentity(path)
	outcomes, err := h.store.ResourceHistory(ctx, id.Kind, id.Key, limit)
	if err != nil {
		return err
	}
	if h.json {
		return h.encode(outcomes)
	}
	if len(outcomes) == 0 {
		fmt.Fprintf(h.out, "No history for %s.\n", id.Key)
		return nil
	}

	w := tabwriter.NewWriter(h.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tCOMPLETED\tOUTCOME\tDETAIL")
	for _, o := range outcomes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			o.RunID, o.CompletedAt.Local().Format(time.DateTime), o.Outcome, outcomeDetail(o))
	}
	return w.Flush()
}

func (h historyView) prune(ctx context.Context, keep int) error {
	n, err := h.store.PruneRuns(ctx, keep)
	if err != nil {
		return err
	}
	if h.json {
		return h.encode(map[string]int64{"deleted": n})
	}
	fmt.Fprintf(h.out, "Deleted %d run(s).\n", n)
	return nil
}

func outcomeDetail(o *stores.Outcome) string {
	switch {
	case o.Error != nil:
		return *o.Error
	case len(o.BlockedBy) > 0:
		return "blocked by " + strings.Join(o.BlockedBy, ", ")
	case o.Summary != "":
		return o.Summary
	default:
		return o.Reason
	}
}
