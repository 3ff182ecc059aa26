package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/realize/pkg/engine"
	"github.com/openfroyo/realize/pkg/resources/fs"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func plan(t *testing.T, entries ...fs.Entry) *engine.Graph {
	t.Helper()
	graph, err := engine.New(engine.Options{}).Plan(context.Background(), func(r *engine.Reality) error {
		for _, e := range entries {
			if err := r.Ensure(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	return graph
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t, Options{})

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	if got := strings.Join(names, ","); got != "essential-paths,protected-paths,relative-symlink" {
		t.Errorf("Unexpected built-in policies: %s", got)
	}

	if eng := newTestEngine(t, Options{DisableBuiltins: true}); len(eng.ListPolicies()) != 0 {
		t.Error("Expected no policies with built-ins disabled")
	}
}

func TestAdmit_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t, Options{})

	tests := []struct {
		name      string
		entries   []fs.Entry
		wantDeny  bool
		wantInErr string
	}{
		{
			name:    "ordinary file",
			entries: []fs.Entry{fs.File("/tmp/realize/x").ContainsString("x")},
		},
		{
			name:      "file under /proc",
			entries:   []fs.Entry{fs.File("/proc/sys/kernel/hostname").ContainsString("x")},
			wantDeny:  true,
			wantInErr: "/proc/sys/kernel/hostname is inside protected path /proc",
		},
		{
			name:      "protected root itself",
			entries:   []fs.Entry{fs.File("/dev").IsDir()},
			wantDeny:  true,
			wantInErr: "protected path /dev",
		},
		{
			name:    "sibling with protected prefix",
			entries: []fs.Entry{fs.File("/devices/x").IsFile()},
		},
		{
			name:      "removing root",
			entries:   []fs.Entry{fs.File("/").IsAbsent()},
			wantDeny:  true,
			wantInErr: "refusing to remove /",
		},
		{
			name:      "removing /etc",
			entries:   []fs.Entry{fs.File("/etc/").IsAbsent()},
			wantDeny:  true,
			wantInErr: "refusing to remove /etc",
		},
		{
			name:    "removing a file under /etc",
			entries: []fs.Entry{fs.File("/etc/old.conf").IsAbsent()},
		},
		{
			name:    "relative symlink only warns",
			entries: []fs.Entry{fs.File("/srv/current").PointsTo("releases/1")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eng.Admit(context.Background(), plan(t, tt.entries...))

			if !tt.wantDeny {
				if err != nil {
					t.Fatalf("Expected admission, got %v", err)
				}
				return
			}
			if !engine.IsPolicy(err) {
				t.Fatalf("Expected policy error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantInErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantInErr, err.Error())
			}
		})
	}
}

func TestEvaluate_Warnings(t *testing.T) {
	eng := newTestEngine(t, Options{})

	result, err := eng.Evaluate(context.Background(), plan(t, fs.File("/srv/current").PointsTo("releases/1")))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected warnings not to block, got %+v", result.Violations)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("Expected 1 warning, got %+v", result.Warnings)
	}

	w := result.Warnings[0]
	if w.Policy != "relative-symlink" || w.Resource != "/srv/current" || w.Severity != SeverityWarning {
		t.Errorf("Unexpected warning: %+v", w)
	}
	if w.Remediation == "" {
		t.Error("Expected remediation on warning")
	}
	if len(result.EvaluatedPolicies) != 3 {
		t.Errorf("Expected 3 evaluated policies, got %v", result.EvaluatedPolicies)
	}
}

func TestOptions_ExtraPaths(t *testing.T) {
	eng := newTestEngine(t, Options{
		ProtectedPaths: []string{"/srv/vault/"},
		EssentialPaths: []string{"/srv"},
	})

	if err := eng.Admit(context.Background(), plan(t, fs.File("/srv/vault/key").ContainsString("k"))); !engine.IsPolicy(err) {
		t.Errorf("Expected extra protected path to deny, got %v", err)
	}
	if err := eng.Admit(context.Background(), plan(t, fs.File("/srv").IsAbsent())); !engine.IsPolicy(err) {
		t.Errorf("Expected extra essential path to deny removal, got %v", err)
	}
	if err := eng.Admit(context.Background(), plan(t, fs.File("/srv/app").IsDir())); err != nil {
		t.Errorf("Expected /srv/app to be admitted, got %v", err)
	}
}

func TestAddPolicy_Custom(t *testing.T) {
	eng := newTestEngine(t, Options{Environment: "production", DisableBuiltins: true})

	err := eng.AddPolicy(context.Background(), Policy{
		Name:     "no-changes-in-production",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.prod

import rego.v1

deny contains msg if {
	input.context.environment == "production"
	some r in input.resources
	not r.implicit
	msg := sprintf("%s declared in production", [r.identity])
}
`,
	})
	if err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}

	graph := plan(t, fs.File("/opt/app.conf").ContainsString("x"))
	result, err := eng.Evaluate(context.Background(), graph)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed || len(result.Violations) != 1 {
		t.Fatalf("Expected one violation, got %+v", result)
	}
	if got := result.Violations[0].Message; got != "/opt/app.conf declared in production" {
		t.Errorf("Unexpected message: %q", got)
	}

	if err := eng.DisablePolicy("no-changes-in-production"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	if err := eng.Admit(context.Background(), graph); err != nil {
		t.Errorf("Expected disabled policy to be skipped, got %v", err)
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error enabling unknown policy")
	}
}

func TestAddPolicy_Invalid(t *testing.T) {
	eng := newTestEngine(t, Options{})

	err := eng.AddPolicy(context.Background(), Policy{Name: "broken", Rego: "package broken\n\ndeny contains"})
	if err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("Broken policy must not be registered")
	}
}

func TestReplacePolicies_KeepsBuiltins(t *testing.T) {
	eng := newTestEngine(t, Options{})
	ctx := context.Background()

	custom := Policy{Name: "custom", Rego: regoModule("custom"), Enabled: true, Severity: SeverityError, Source: "custom.rego"}
	if err := eng.ReplacePolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("ReplacePolicies() error = %v", err)
	}
	if len(eng.ListPolicies()) != 4 {
		t.Fatalf("Expected 4 policies, got %d", len(eng.ListPolicies()))
	}

	if err := eng.ReplacePolicies(ctx, nil); err != nil {
		t.Fatalf("ReplacePolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("custom"); err == nil {
		t.Error("Expected custom policy to be removed")
	}
	if _, err := eng.GetPolicy("protected-paths"); err != nil {
		t.Errorf("Expected built-in to survive: %v", err)
	}

	broken := Policy{Name: "broken", Rego: "package", Source: "broken.rego"}
	if err := eng.ReplacePolicies(ctx, []Policy{broken}); err == nil {
		t.Error("Expected compile error")
	}
	if len(eng.ListPolicies()) != 3 {
		t.Errorf("Expected previous set to be kept, got %d", len(eng.ListPolicies()))
	}
}

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t, Options{DisableBuiltins: true})
	dir := t.TempDir()
	deny := `package local.deny_all

import rego.v1

deny contains "everything is denied" if {
	count(input.resources) > 0
}
`
	if err := os.WriteFile(filepath.Join(dir, "deny-all.rego"), []byte(deny), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	err := eng.Admit(context.Background(), plan(t, fs.File("/opt/x").IsFile()))
	if !engine.IsPolicy(err) || !strings.Contains(err.Error(), "deny-all: everything is denied") {
		t.Errorf("Expected loaded policy to deny, got %v", err)
	}
}

func TestBuildInput(t *testing.T) {
	graph := plan(t, fs.File("/opt/app/app.conf").ContainsString("x").Mode(0o600))

	input, err := BuildInput(graph, &PolicyContext{DryRun: true})
	if err != nil {
		t.Fatalf("BuildInput() error = %v", err)
	}

	resources, ok := input["resources"].([]any)
	if !ok || len(resources) != 3 {
		t.Fatalf("Expected 3 resources (file and implied parents), got %v", input["resources"])
	}

	last := resources[len(resources)-1].(map[string]any)
	if last["key"] != "/opt/app/app.conf" || last["implicit"] != false {
		t.Errorf("Unexpected last resource: %v", last)
	}
	desired := last["desired"].(map[string]any)
	if desired["type"] != "file" || desired["mode"] != float64(0o600) {
		t.Errorf("Unexpected desired state: %v", desired)
	}
	if deps := last["dependencies"].([]any); len(deps) != 1 || deps[0] != "/opt/app" {
		t.Errorf("Expected dependency on /opt/app, got %v", deps)
	}

	first := resources[0].(map[string]any)
	if first["key"] != "/opt" || first["implicit"] != true {
		t.Errorf("Expected implicit /opt first, got %v", first)
	}

	if ctx := input["context"].(map[string]any); ctx["dry_run"] != true {
		t.Errorf("Expected dry_run in context, got %v", ctx)
	}
}

// A denied graph aborts the run before anything touches the disk.
func TestEngine_AdmitterAbortsRun(t *testing.T) {
	dir := t.TempDir()
	pe := newTestEngine(t, Options{ProtectedPaths: []string{dir}})
	target := filepath.Join(dir, "x")

	eng := engine.New(engine.Options{}, engine.WithAdmitter(pe))
	result, err := eng.Run(context.Background(), func(r *engine.Reality) error {
		return r.Ensure(fs.File(target).ContainsString("x"))
	})
	if !engine.IsPolicy(err) {
		t.Fatalf("Expected policy error, got %v", err)
	}
	if result.Status != engine.RunStatusAborted {
		t.Errorf("Expected aborted run, got %s", result.Status)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("Expected %s to be untouched, got %v", target, err)
	}
}
