// Package report renders run results for people and machines and maps them
// to a process exit status.
package report

import (
	"fmt"
	"io"

	"github.com/openfroyo/realize/pkg/engine"
)

// Exit statuses returned by ExitCode.
const (
	ExitOK        = 0
	ExitFailed    = 1
	ExitAborted   = 2
	ExitCancelled = 130
)

// Format selects a renderer.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Validate checks that the format is known.
func (f Format) Validate() error {
	switch f {
	case FormatText, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid report format: %s", f)
	}
}

// Options configures a Reporter.
type Options struct {
	Format Format

	// Color enables terminal styling in text output.
	Color bool

	// ShowUnchanged lists resources that needed no change. Implicit
	// resources that needed no change are listed only when Verbose is set.
	ShowUnchanged bool
	Verbose       bool

	// ShowDiff renders unified content diffs for textual changes.
	ShowDiff bool

	// MaxDiffLines truncates each rendered diff; zero means no limit.
	MaxDiffLines int
}

// DefaultOptions returns the options used by the command line.
func DefaultOptions() Options {
	return Options{
		Format:        FormatText,
		ShowUnchanged: true,
		ShowDiff:      true,
		MaxDiffLines:  200,
	}
}

// Reporter writes run reports.
type Reporter struct {
	w    io.Writer
	opts Options
	text *textRenderer
}

// New creates a reporter writing to w.
func New(w io.Writer, opts Options) *Reporter {
	if opts.Format == "" {
		opts.Format = FormatText
	}
	return &Reporter{
		w:    w,
		opts: opts,
		text: newTextRenderer(w, opts),
	}
}

// Render writes the report for one run.
func (r *Reporter) Render(result *engine.RunResult) error {
	if result == nil {
		return fmt.Errorf("no run result to render")
	}
	switch r.opts.Format {
	case FormatJSON:
		return renderJSON(r.w, result)
	default:
		return r.text.render(result)
	}
}

// RenderPlan writes the ordered graph without reconciling anything.
func (r *Reporter) RenderPlan(graph *engine.Graph) error {
	if r.opts.Format == FormatJSON {
		return renderPlanJSON(r.w, graph)
	}
	return r.text.renderPlan(graph)
}

// ExitCode maps a run to a process exit status: ExitOK when every resource
// is unchanged or changed, ExitAborted when a pre-execution error stopped the
// run, ExitCancelled on interruption and ExitFailed otherwise.
func ExitCode(result *engine.RunResult) int {
	if result == nil {
		return ExitAborted
	}
	switch {
	case result.Status == engine.RunStatusAborted || engine.IsPreExecution(result.Err):
		return ExitAborted
	case result.Status == engine.RunStatusCancelled:
		return ExitCancelled
	case result.Status == engine.RunStatusSucceeded && result.Summary.OK():
		return ExitOK
	default:
		return ExitFailed
	}
}
