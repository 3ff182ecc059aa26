package report

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/openfroyo/realize/pkg/engine"
)

type jsonOutcome struct {
	Identity    string             `json:"identity"`
	Kind        engine.OutcomeKind `json:"kind"`
	State       string             `json:"state"`
	Description string             `json:"description,omitempty"`
	Implicit    bool               `json:"implicit,omitempty"`
	DryRun      bool               `json:"dry_run,omitempty"`
	Operation   string             `json:"operation,omitempty"`
	Summary     string             `json:"summary,omitempty"`
	Error       string             `json:"error,omitempty"`
	Code        string             `json:"code,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	BlockedBy   []string           `json:"blocked_by,omitempty"`
	DurationMS  int64              `json:"duration_ms"`
}

type jsonRun struct {
	ID          string              `json:"id"`
	Status      engine.RunStatus    `json:"status"`
	ExitCode    int                 `json:"exit_code"`
	DryRun      bool                `json:"dry_run,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt time.Time           `json:"completed_at"`
	DurationMS  int64               `json:"duration_ms"`
	Summary     engine.RunSummary   `json:"summary"`
	Outcomes    []jsonOutcome       `json:"outcomes"`
	Error       *engine.EngineError `json:"error,omitempty"`
	ErrorText   string              `json:"error_text,omitempty"`
}

func renderJSON(w io.Writer, result *engine.RunResult) error {
	run := jsonRun{
		ID:          result.ID,
		Status:      result.Status,
		ExitCode:    ExitCode(result),
		DryRun:      result.DryRun,
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
		DurationMS:  result.Duration.Milliseconds(),
		Summary:     result.Summary,
		Outcomes:    make([]jsonOutcome, 0, len(result.Outcomes)),
	}
	if result.Err != nil {
		run.ErrorText = result.Err.Error()
		run.Error = asEngineError(result.Err)
	}

	for _, o := range result.Outcomes {
		out := jsonOutcome{
			Identity:    o.Identity.String(),
			Kind:        o.Kind,
			State:       string(o.State),
			Description: o.Description,
			Implicit:    o.Implicit,
			DryRun:      o.DryRun,
			Reason:      o.Reason,
			DurationMS:  o.Duration.Milliseconds(),
		}
		if o.Change != nil {
			out.Operation = string(o.Change.Operation)
			out.Summary = o.Change.Summary
		}
		if o.Err != nil {
			out.Error = o.Err.Error()
			if ee := asEngineError(o.Err); ee != nil {
				out.Code = ee.Code
			}
		}
		for _, id := range o.BlockedBy {
			out.BlockedBy = append(out.BlockedBy, id.String())
		}
		run.Outcomes = append(run.Outcomes, out)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}

type jsonNode struct {
	Identity     string   `json:"identity"`
	Description  string   `json:"description"`
	Implicit     bool     `json:"implicit,omitempty"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies,omitempty"`
}

func renderPlanJSON(w io.Writer, graph *engine.Graph) error {
	nodes := make([]jsonNode, 0)
	if graph != nil {
		for _, id := range graph.Order {
			node, _ := graph.Node(id)
			n := jsonNode{
				Identity:    id.String(),
				Description: engine.Describe(node.Resource),
				Implicit:    node.Implicit,
				Level:       node.Level,
			}
			for _, dep := range node.Dependencies {
				n.Dependencies = append(n.Dependencies, dep.String())
			}
			nodes = append(nodes, n)
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"resources": nodes})
}

func asEngineError(err error) *engine.EngineError {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return nil
}
