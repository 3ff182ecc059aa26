package realize

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/openfroyo/realize/pkg/engine"
	"github.com/openfroyo/realize/pkg/report"
	"github.com/openfroyo/realize/pkg/resources/fs"
	"github.com/openfroyo/realize/pkg/stores"
)

func testConfig(t *testing.T, out *bytes.Buffer) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Telemetry.Logging.Level = "error"
	cfg.Telemetry.Logging.Output = filepath.Join(t.TempDir(), "realize.log")
	cfg.Report.Color = false
	cfg.Stdout = out
	return cfg
}

// brokenResource fails every probe.
type brokenResource struct {
	id engine.Identity
}

func (b brokenResource) Identity() engine.Identity { return b.id }
func (b brokenResource) Desired() any              { return "broken" }
func (b brokenResource) Probe(context.Context) (engine.ProbeResult, error) {
	return engine.ProbeResult{}, errors.New("device not ready")
}
func (b brokenResource) Diff(engine.ProbeResult) *engine.Change            { return nil }
func (b brokenResource) Apply(context.Context, *engine.Change) error { return nil }

func TestApply_TwoRunsConverge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x")
	configure := func(r *engine.Reality) error {
		return r.Ensure(fs.File(path).ContainsString("hello"))
	}

	var first bytes.Buffer
	if code := Apply(context.Background(), testConfig(t, &first), configure); code != report.ExitOK {
		t.Fatalf("first run exit = %d, output:\n%s", code, first.String())
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "hello" {
		t.Fatalf("expected %s to contain hello, got %q (%v)", path, got, err)
	}
	if !strings.Contains(first.String(), "1 changed") {
		t.Errorf("expected one change in first report:\n%s", first.String())
	}

	var second bytes.Buffer
	if code := Apply(context.Background(), testConfig(t, &second), configure); code != report.ExitOK {
		t.Fatalf("second run exit = %d, output:\n%s", code, second.String())
	}
	if !strings.Contains(second.String(), "0 changed") {
		t.Errorf("expected no changes in second report:\n%s", second.String())
	}
}

func TestApply_ExitCodes(t *testing.T) {
	tests := []struct {
		name      string
		configure func(dir string) engine.ConfigureFunc
		setup     func(cfg *Config, dir string)
		ctx       func() context.Context
		want      int
		untouched string
	}{
		{
			name: "conflict aborts",
			configure: func(dir string) engine.ConfigureFunc {
				return func(r *engine.Reality) error {
					p := filepath.Join(dir, "x")
					if err := r.Ensure(fs.File(p).ContainsString("a")); err != nil {
						return err
					}
					return r.Ensure(fs.File(p).IsAbsent())
				}
			},
			want:      report.ExitAborted,
			untouched: "x",
		},
		{
			name: "cycle aborts",
			configure: func(dir string) engine.ConfigureFunc {
				return func(r *engine.Reality) error {
					a, b := filepath.Join(dir, "a"), filepath.Join(dir, "b")
					if err := r.Ensure(fs.File(a).IsFile(), engine.After(engine.PathIdentity(b))); err != nil {
						return err
					}
					return r.Ensure(fs.File(b).IsFile(), engine.After(engine.PathIdentity(a)))
				}
			},
			want:      report.ExitAborted,
			untouched: "a",
		},
		{
			name: "policy aborts",
			configure: func(dir string) engine.ConfigureFunc {
				return func(r *engine.Reality) error {
					return r.Ensure(fs.File(filepath.Join(dir, "secret")).ContainsString("s"))
				}
			},
			setup: func(cfg *Config, dir string) {
				cfg.Policy.ProtectedPaths = []string{dir}
			},
			want:      report.ExitAborted,
			untouched: "secret",
		},
		{
			name: "configure error aborts",
			configure: func(string) engine.ConfigureFunc {
				return func(*engine.Reality) error { return errors.New("boom") }
			},
			want: report.ExitAborted,
		},
		{
			name: "resource failure",
			configure: func(dir string) engine.ConfigureFunc {
				return func(r *engine.Reality) error {
					if err := r.Ensure(brokenResource{id: engine.NameIdentity("device", "sda")}); err != nil {
						return err
					}
					return r.Ensure(fs.File(filepath.Join(dir, "ok")).IsFile())
				}
			},
			want: report.ExitFailed,
		},
		{
			name: "cancelled",
			configure: func(dir string) engine.ConfigureFunc {
				return func(r *engine.Reality) error {
					return r.Ensure(fs.File(filepath.Join(dir, "late")).IsFile())
				}
			},
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			want:      report.ExitCancelled,
			untouched: "late",
		},
		{
			name: "invalid configuration",
			configure: func(string) engine.ConfigureFunc {
				return func(*engine.Reality) error { return nil }
			},
			setup: func(cfg *Config, _ string) {
				cfg.Engine.Parallelism = -1
			},
			want: report.ExitAborted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			var out bytes.Buffer
			cfg := testConfig(t, &out)
			if tt.setup != nil {
				tt.setup(cfg, dir)
			}
			ctx := context.Background()
			if tt.ctx != nil {
				ctx = tt.ctx()
			}

			if code := Apply(ctx, cfg, tt.configure(dir)); code != tt.want {
				t.Errorf("exit = %d, want %d, output:\n%s", code, tt.want, out.String())
			}
			if tt.untouched != "" {
				if _, err := os.Lstat(filepath.Join(dir, tt.untouched)); !os.IsNotExist(err) {
					t.Errorf("expected %s not to be created", tt.untouched)
				}
			}
		})
	}
}

func TestApply_History(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	cfg := testConfig(t, &out)
	cfg.History.Enabled = true
	cfg.History.Path = filepath.Join(dir, "history.db")
	cfg.Sources = []string{"site.yaml"}

	configure := func(r *engine.Reality) error {
		return r.Ensure(fs.File(filepath.Join(dir, "motd")).ContainsString("hi\n"))
	}
	for i := 0; i < 2; i++ {
		if code := Apply(context.Background(), cfg, configure); code != report.ExitOK {
			t.Fatalf("run %d exit = %d, output:\n%s", i, code, out.String())
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.History.Path})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 recorded runs, got %d", len(runs))
	}
	if runs[0].Changed != 0 || runs[1].Changed != 1 {
		t.Errorf("expected newest run unchanged and oldest changed, got %d and %d", runs[0].Changed, runs[1].Changed)
	}
	if len(runs[0].Sources) != 1 || runs[0].Sources[0] != "site.yaml" {
		t.Errorf("unexpected sources: %v", runs[0].Sources)
	}
}

func TestApply_HistoryUnavailable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cfg := testConfig(t, &out)
	cfg.History.Enabled = true
	cfg.History.Path = filepath.Join(blocker, "history.db")

	code := Apply(context.Background(), cfg, func(r *engine.Reality) error {
		return r.Ensure(fs.File(filepath.Join(dir, "x")).IsFile())
	})
	if code != report.ExitOK {
		t.Errorf("a broken history database must not fail the run, exit = %d", code)
	}
}

func TestRunner_Plan(t *testing.T) {
	var out bytes.Buffer
	runner, err := NewRunner(context.Background(), testConfig(t, &out))
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	defer runner.Close(context.Background())

	if runner.Policy() == nil {
		t.Error("expected policies to be enabled by default")
	}
	if runner.History() != nil {
		t.Error("expected history to be disabled by default")
	}

	graph, err := runner.Plan(context.Background(), func(r *engine.Reality) error {
		return r.Ensure(fs.File("/opt/app/app.conf").ContainsString("x"))
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if graph.Len() != 3 {
		t.Errorf("expected 3 nodes, got %d", graph.Len())
	}

	_, err = runner.Plan(context.Background(), func(r *engine.Reality) error {
		return r.Ensure(fs.File("/sys/kernel/x").ContainsString("1"))
	})
	if !engine.IsPolicy(err) {
		t.Errorf("expected policy error, got %v", err)
	}
}

func TestDefaultConfig_ParallelismFollowsGOMAXPROCS(t *testing.T) {
	cfg := DefaultConfig()

	if want := runtime.GOMAXPROCS(0); cfg.Engine.Parallelism != want {
		t.Errorf("Expected parallelism %d, got %d", want, cfg.Engine.Parallelism)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default", func(*Config) {}, ""},
		{"no telemetry", func(c *Config) { c.Telemetry = nil }, "telemetry configuration is required"},
		{"bad log level", func(c *Config) { c.Telemetry.Logging.Level = "loud" }, "invalid log level"},
		{"negative parallelism", func(c *Config) { c.Engine.Parallelism = -2 }, "parallelism"},
		{"negative timeout", func(c *Config) { c.Engine.ResourceTimeout = -1 }, "resource timeout"},
		{"bad format", func(c *Config) { c.Report.Format = "xml" }, "invalid report format"},
		{"history without path", func(c *Config) { c.History.Enabled = true; c.History.Path = "" }, "history path"},
		{"negative retention", func(c *Config) { c.History.Retention = -1 }, "retention"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
