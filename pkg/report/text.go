package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/openfroyo/realize/pkg/engine"
)

// Status glyphs, one per outcome kind.
const (
	GlyphUnchanged = "✓"
	GlyphChanged   = "~"
	GlyphBlocked   = "!"
	GlyphFailed    = "✗"
)

// Colour palette.
const (
	colorMuted   = lipgloss.Color("#6B7280")
	colorSuccess = lipgloss.Color("#10B981")
	colorChanged = lipgloss.Color("#3B82F6")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
)

type styles struct {
	unchanged lipgloss.Style
	changed   lipgloss.Style
	blocked   lipgloss.Style
	failed    lipgloss.Style
	muted     lipgloss.Style
	title     lipgloss.Style
	added     lipgloss.Style
	removed   lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		unchanged: r.NewStyle().Foreground(colorSuccess),
		changed:   r.NewStyle().Foreground(colorChanged),
		blocked:   r.NewStyle().Foreground(colorWarning),
		failed:    r.NewStyle().Bold(true).Foreground(colorError),
		muted:     r.NewStyle().Foreground(colorMuted),
		title:     r.NewStyle().Bold(true),
		added:     r.NewStyle().Foreground(colorSuccess),
		removed:   r.NewStyle().Foreground(colorError),
	}
}

type textRenderer struct {
	w      io.Writer
	opts   Options
	styles styles
}

func newTextRenderer(w io.Writer, opts Options) *textRenderer {
	r := lipgloss.NewRenderer(w)
	if !opts.Color {
		r.SetColorProfile(termenv.Ascii)
	}
	return &textRenderer{w: w, opts: opts, styles: newStyles(r)}
}

func (t *textRenderer) render(result *engine.RunResult) error {
	var b strings.Builder

	if result.Status == engine.RunStatusAborted {
		t.writeAbort(&b, result.Err)
		_, err := io.WriteString(t.w, b.String())
		return err
	}

	width := 0
	for _, o := range result.Outcomes {
		if t.visible(o) && len(o.Identity.String()) > width {
			width = len(o.Identity.String())
		}
	}

	for _, o := range result.Outcomes {
		if t.visible(o) {
			t.writeOutcome(&b, o, width)
		}
	}

	if len(result.Outcomes) > 0 {
		b.WriteString("\n")
	}
	t.writeSummary(&b, result)

	_, err := io.WriteString(t.w, b.String())
	return err
}

func (t *textRenderer) visible(o engine.Outcome) bool {
	if o.Kind != engine.OutcomeUnchanged {
		return true
	}
	if o.Implicit {
		return t.opts.Verbose
	}
	return t.opts.ShowUnchanged || t.opts.Verbose
}

func (t *textRenderer) writeOutcome(b *strings.Builder, o engine.Outcome, width int) {
	glyph, style := t.glyph(o.Kind)
	name := fmt.Sprintf("%-*s", width, o.Identity.String())

	fmt.Fprintf(b, "%s %s  %s", style.Render(glyph), name, style.Render(t.label(o)))
	if detail := detail(o); detail != "" {
		fmt.Fprintf(b, " %s", t.styles.muted.Render(detail))
	}
	b.WriteString("\n")

	if o.Kind == engine.OutcomeFailed && o.Err != nil {
		fmt.Fprintf(b, "    %s\n", t.styles.failed.Render(o.Err.Error()))
	}
	if o.Kind == engine.OutcomeChanged && t.opts.ShowDiff && o.Change != nil && o.Change.Textual {
		t.writeDiff(b, o.Identity.String(), o.Change.Before, o.Change.After)
	}
}

func (t *textRenderer) glyph(kind engine.OutcomeKind) (string, lipgloss.Style) {
	switch kind {
	case engine.OutcomeUnchanged:
		return GlyphUnchanged, t.styles.unchanged
	case engine.OutcomeChanged:
		return GlyphChanged, t.styles.changed
	case engine.OutcomeBlocked:
		return GlyphBlocked, t.styles.blocked
	default:
		return GlyphFailed, t.styles.failed
	}
}

func (t *textRenderer) label(o engine.Outcome) string {
	if o.Kind == engine.OutcomeChanged && o.DryRun {
		return "would change"
	}
	return string(o.Kind)
}

// detail is the parenthesised text after the status label.
func detail(o engine.Outcome) string {
	switch o.Kind {
	case engine.OutcomeChanged:
		if o.Change != nil && o.Change.Summary != "" {
			return "(" + o.Change.Summary + ")"
		}
	case engine.OutcomeBlocked:
		if len(o.BlockedBy) > 0 {
			return fmt.Sprintf("(%s: %s)", o.Reason, joinIdentities(o.BlockedBy))
		}
		if o.Reason != "" {
			return "(" + o.Reason + ")"
		}
	case engine.OutcomeUnchanged:
		if o.Implicit {
			return "(implied)"
		}
	}
	return ""
}

func (t *textRenderer) writeDiff(b *strings.Builder, name, before, after string) {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: name + " (current)",
		ToFile:   name + " (desired)",
		Context:  3,
	})
	if err != nil || text == "" {
		return
	}

	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	truncated := 0
	if t.opts.MaxDiffLines > 0 && len(lines) > t.opts.MaxDiffLines {
		truncated = len(lines) - t.opts.MaxDiffLines
		lines = lines[:t.opts.MaxDiffLines]
	}

	for _, line := range lines {
		style := t.styles.muted
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			style = t.styles.title
		case strings.HasPrefix(line, "+"):
			style = t.styles.added
		case strings.HasPrefix(line, "-"):
			style = t.styles.removed
		}
		fmt.Fprintf(b, "    %s\n", style.Render(line))
	}
	if truncated > 0 {
		fmt.Fprintf(b, "    %s\n", t.styles.muted.Render(fmt.Sprintf("... %d more lines", truncated)))
	}
}

func (t *textRenderer) writeSummary(b *strings.Builder, result *engine.RunResult) {
	s := result.Summary
	line := fmt.Sprintf("%d unchanged, %d changed, %d blocked, %d failed",
		s.Unchanged, s.Changed, s.Blocked, s.Failed)
	if result.DryRun {
		line += " (dry run)"
	}

	switch {
	case result.Status == engine.RunStatusCancelled:
		line += " " + t.styles.blocked.Render("[cancelled]")
	case s.Failed > 0:
		line = t.styles.failed.Render(line)
	case s.Blocked > 0:
		line = t.styles.blocked.Render(line)
	default:
		line = t.styles.title.Render(line)
	}
	b.WriteString(line)
	b.WriteString("\n")
}

func (t *textRenderer) writeAbort(b *strings.Builder, err error) {
	header := "run aborted before any change"
	switch {
	case engine.IsConflict(err):
		header = "conflicting declarations, nothing was changed"
	case engine.IsCycle(err):
		header = "dependency cycle, nothing was changed"
	case engine.IsPolicy(err):
		header = "rejected by policy, nothing was changed"
	}
	fmt.Fprintf(b, "%s %s\n", t.styles.failed.Render(GlyphFailed), t.styles.failed.Render(header))

	for _, c := range engine.ConflictsOf(err) {
		fmt.Fprintf(b, "    %s\n", c.Identity)
		fmt.Fprintf(b, "      %s\n", t.styles.muted.Render("declared as "+c.First))
		fmt.Fprintf(b, "      %s\n", t.styles.muted.Render("and as "+c.Second))
	}
	if cycle := engine.CyclePath(err); len(cycle) > 0 {
		fmt.Fprintf(b, "    %s\n", joinIdentitiesWith(cycle, " -> "))
	}
	if len(engine.ConflictsOf(err)) == 0 && len(engine.CyclePath(err)) == 0 && err != nil {
		fmt.Fprintf(b, "    %s\n", err.Error())
	}
}

func (t *textRenderer) renderPlan(graph *engine.Graph) error {
	var b strings.Builder
	if graph == nil || graph.Len() == 0 {
		b.WriteString("nothing declared\n")
		_, err := io.WriteString(t.w, b.String())
		return err
	}

	for level, ids := range graph.Levels {
		fmt.Fprintf(&b, "%s\n", t.styles.title.Render(fmt.Sprintf("level %d", level)))
		for _, id := range ids {
			node, _ := graph.Node(id)
			line := fmt.Sprintf("  %s", engine.Describe(node.Resource))
			if node.Implicit {
				line += " " + t.styles.muted.Render("(implied)")
			}
			if len(node.Dependencies) > 0 {
				line += " " + t.styles.muted.Render("after "+joinIdentities(node.Dependencies))
			}
			b.WriteString(line + "\n")
		}
	}
	fmt.Fprintf(&b, "\n%d resources in %d levels\n", graph.Len(), len(graph.Levels))

	_, err := io.WriteString(t.w, b.String())
	return err
}

func joinIdentities(ids []engine.Identity) string {
	return joinIdentitiesWith(ids, ", ")
}

func joinIdentitiesWith(ids []engine.Identity, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, sep)
}
