package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoader_LoadYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "files", "motd"), "welcome\n")
	file := writeFile(t, filepath.Join(dir, "site.yaml"), `
resources:
  - path: /etc/motd
    source: files/motd
    mode: "0644"
  - path: /srv/app
    type: directory
  - path: /srv/current
    type: symlink
    target: /srv/app
    after: [/srv/app]
---
resources:
  - path: /tmp/stale
    type: absent
`)

	doc, err := NewLoader().Load(context.Background(), file)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if doc.Len() != 4 {
		t.Fatalf("expected 4 declarations, got %d", doc.Len())
	}

	motd := doc.Declarations[0]
	if motd.Content == nil || *motd.Content != "welcome\n" {
		t.Errorf("expected source resolved to file contents, got %v", motd.Content)
	}
	if motd.Source != filepath.Join(dir, "files", "motd") {
		t.Errorf("expected absolute source, got %q", motd.Source)
	}
	if motd.Location() != file+":3" {
		t.Errorf("expected location %s:3, got %s", file, motd.Location())
	}
	if got := doc.Declarations[2].After; len(got) != 1 || got[0] != "/srv/app" {
		t.Errorf("unexpected after: %v", got)
	}
	if doc.Declarations[3].Type != TypeAbsent {
		t.Errorf("expected second document to be loaded, got %+v", doc.Declarations[3])
	}
}

func TestLoader_LoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "resources:\n  - path: /a\n")
	writeFile(t, filepath.Join(dir, "b.cue"), `resources: [{path: "/b"}]`)
	writeFile(t, filepath.Join(dir, "c.star"), `file("/c", content = vars["greeting"])`)
	writeFile(t, filepath.Join(dir, "nested", "d.yml"), "resources:\n  - path: /d\n")
	writeFile(t, filepath.Join(dir, ".git", "e.yaml"), "resources:\n  - path: /e\n")
	writeFile(t, filepath.Join(dir, "README.md"), "# not configuration\n")

	loader := NewLoader(WithVars(map[string]any{"greeting": "hi"}))
	doc, err := loader.Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var paths []string
	for _, d := range doc.Declarations {
		paths = append(paths, d.Path)
	}
	if got := strings.Join(paths, ","); got != "/a,/b,/c,/d" {
		t.Errorf("expected /a,/b,/c,/d, got %s", got)
	}
	if len(doc.SourceFiles) != 4 {
		t.Errorf("expected 4 source files, got %v", doc.SourceFiles)
	}
	if c := doc.Declarations[2].Content; c == nil || *c != "hi" {
		t.Errorf("expected vars to reach the script, got %v", c)
	}
}

func TestLoader_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "relative path",
			content: "resources:\n  - path: etc/motd\n",
			wantErr: `resources[0].path: "etc/motd" is not an absolute path`,
		},
		{
			name:    "missing path",
			content: "resources:\n  - type: directory\n",
			wantErr: "resources[0].path: is required",
		},
		{
			name:    "symlink without target",
			content: "resources:\n  - path: /x\n    type: symlink\n",
			wantErr: "resources[0].target: is required for symlinks",
		},
		{
			name:    "unknown type",
			content: "resources:\n  - path: /x\n    type: fifo\n",
			wantErr: `"fifo" is not one of file, directory, symlink, absent`,
		},
		{
			name:    "bad mode",
			content: "resources:\n  - path: /x\n    mode: \"999\"\n",
			wantErr: "is not an octal permission",
		},
		{
			name:    "content and source",
			content: "resources:\n  - path: /x\n    content: a\n    source: b\n",
			wantErr: "resources[0].content: cannot be combined with source",
		},
		{
			name:    "content on directory",
			content: "resources:\n  - path: /x\n    type: directory\n    content: a\n",
			wantErr: "contents are only valid for files",
		},
		{
			name:    "mode on symlink",
			content: "resources:\n  - path: /x\n    type: symlink\n    target: /y\n    mode: \"0644\"\n",
			wantErr: "mode is not valid for symlink",
		},
		{
			name:    "relative after",
			content: "resources:\n  - path: /x\n    after: [y]\n",
			wantErr: `resources[0].after[0]: "y" is not an absolute path`,
		},
		{
			name:    "missing source",
			content: "resources:\n  - path: /x\n    source: nowhere\n",
			wantErr: "failed to read source",
		},
		{
			name:    "resources not a list",
			content: "resources: /x\n",
			wantErr: "resources: must be a list",
		},
		{
			name:    "not a mapping",
			content: "- path: /x\n",
			wantErr: "expected a mapping",
		},
		{
			name:    "syntax error",
			content: "resources:\n  - path: [\n",
			wantErr: "site.yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := writeFile(t, filepath.Join(t.TempDir(), "site.yaml"), tt.content)

			_, err := NewLoader().Load(context.Background(), file)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			var loadErr *LoadError
			if !errors.As(err, &loadErr) {
				t.Fatalf("expected *LoadError, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestLoader_CollectsErrorsAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "resources:\n  - path: rel\n")
	writeFile(t, filepath.Join(dir, "b.cue"), `resources: [{path: "also-rel"}]`)
	writeFile(t, filepath.Join(dir, "c.yaml"), "resources:\n  - path: /fine\n")

	_, err := NewLoader().Load(context.Background(), dir)
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected *LoadError, got %v", err)
	}
	if len(loadErr.Errors) < 2 {
		t.Errorf("expected errors from both files, got %d: %v", len(loadErr.Errors), loadErr)
	}
	msg := err.Error()
	if !strings.Contains(msg, "a.yaml") || !strings.Contains(msg, "b.cue") {
		t.Errorf("expected both files in message, got %s", msg)
	}
}

func TestLoader_BadPaths(t *testing.T) {
	dir := t.TempDir()
	unsupported := writeFile(t, filepath.Join(dir, "site.json"), "{}")
	empty := filepath.Join(dir, "empty")
	if err := os.Mkdir(empty, 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		paths   []string
		wantErr string
	}{
		{"no paths", nil, "no configuration paths"},
		{"missing", []string{filepath.Join(dir, "nope.yaml")}, "failed to stat"},
		{"unsupported", []string{unsupported}, "unsupported file type"},
		{"empty directory", []string{empty}, "no declaration files"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Load(context.Background(), tt.paths...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoader_Cancelled(t *testing.T) {
	file := writeFile(t, filepath.Join(t.TempDir(), "site.yaml"), "resources:\n  - path: /x\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewLoader().Load(ctx, file); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSupported(t *testing.T) {
	for path, want := range map[string]bool{
		"a.yaml":   true,
		"a.YML":    true,
		"a.cue":    true,
		"a.star":   true,
		"a.json":   false,
		"Makefile": false,
	} {
		if got := Supported(path); got != want {
			t.Errorf("Supported(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestLoader_LoadFile(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, filepath.Join(dir, "good.yaml"), "resources:\n  - path: /srv/app\n    type: directory\n")
	bad := writeFile(t, filepath.Join(dir, "bad.yaml"), "resources:\n  - path: srv\n")

	decls, err := NewLoader().LoadFile(context.Background(), good)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(decls) != 1 || decls[0].EffectiveType() != TypeDirectory {
		t.Errorf("unexpected declarations: %+v", decls)
	}

	_, err = NewLoader().LoadFile(context.Background(), bad)
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected *LoadError, got %v", err)
	}
}
