package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/realize/pkg/engine"
)

func probe(t *testing.T, e Entry) engine.ProbeResult {
	t.Helper()
	result, err := e.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe(%s) failed: %v", e, err)
	}
	return result
}

// converge runs probe, diff and apply once and checks that a second probe
// reports no difference.
func converge(t *testing.T, e Entry) *engine.Change {
	t.Helper()
	change := e.Diff(probe(t, e))
	if change == nil {
		return nil
	}
	if err := e.Apply(context.Background(), change); err != nil {
		t.Fatalf("Apply(%s) failed: %v", e, err)
	}
	if again := e.Diff(probe(t, e)); again != nil {
		t.Fatalf("Expected %s to be satisfied after apply, still: %s", e, again.Summary)
	}
	return change
}

func TestEntry_String(t *testing.T) {
	tests := []struct {
		entry Entry
		want  string
	}{
		{File("/tmp/x").ContainsString("hello"), `file "/tmp/x" with sha256 2cf24dba`},
		{File("/tmp/x"), `file "/tmp/x"`},
		{File("/srv").IsDir().Mode(0o750), `directory "/srv" mode 0750`},
		{File("/bin/sh").PointsTo("dash"), `symlink "/bin/sh" with target "dash"`},
		{File("/tmp/old").IsAbsent(), `absent "/tmp/old"`},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.entry.String(); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestEntry_IdentityIsCleanedPath(t *testing.T) {
	a := File("/tmp//x/")
	b := File("/tmp/x").IsAbsent()

	if a.Identity() != b.Identity() {
		t.Errorf("Expected one identity for all variants of a path, got %s and %s", a.Identity(), b.Identity())
	}
	if a.Identity().Key != "/tmp/x" {
		t.Errorf("Expected cleaned key, got %s", a.Identity().Key)
	}
}

func TestEntry_Desired(t *testing.T) {
	contents := []byte("hello")
	a := File("/x").Contains(contents)
	contents[0] = 'j'
	b := File("/x").ContainsString("hello")

	if a.Spec().Type != TypeFile || string(a.Spec().Contents) != "hello" {
		t.Errorf("Expected builder to copy contents, got %q", a.Spec().Contents)
	}
	if !equalDesired(a, b) {
		t.Error("Identical declarations must have equal desired state")
	}
	if equalDesired(a, File("/x").ContainsString("bye")) {
		t.Error("Different contents must differ")
	}
	if equalDesired(a, File("/x").IsAbsent()) {
		t.Error("Contains and absent must differ")
	}
}

func equalDesired(a, b Entry) bool {
	sa, sb := a.Desired().(Spec), b.Desired().(Spec)
	return sa.Path == sb.Path && sa.Type == sb.Type && sa.HasContents == sb.HasContents &&
		string(sa.Contents) == string(sb.Contents) && sa.Mode == sb.Mode && sa.Target == sb.Target
}

func TestEntry_Implied(t *testing.T) {
	implied := File("/etc/app/config").ContainsString("x").Implied()
	if len(implied) != 1 {
		t.Fatalf("Expected 1 implied resource, got %d", len(implied))
	}
	parent := implied[0].(Entry)
	if parent.Spec().Path != "/etc/app" || parent.Spec().Type != TypeDir {
		t.Errorf("Expected implied directory /etc/app, got %s", parent)
	}

	if got := File("/etc").IsDir().Implied(); len(got) != 0 {
		t.Errorf("Root must not be implied, got %v", got)
	}
	if got := File("/etc/x").IsAbsent().Implied(); len(got) != 0 {
		t.Errorf("Absent entries imply nothing, got %v", got)
	}
}

func TestEntry_Subsumes(t *testing.T) {
	explicit := File("/srv").IsDir().Mode(0o700)
	implied := File("/srv").IsDir()

	if !explicit.Subsumes(implied) {
		t.Error("Explicit directory must subsume implied one")
	}
	if File("/srv").IsAbsent().Subsumes(implied) {
		t.Error("Absent must not subsume a directory")
	}
	if explicit.Subsumes(File("/other").IsDir()) {
		t.Error("Different paths must not subsume")
	}
}

func TestEntry_CreateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	e := File(path).ContainsString("hello")

	change := converge(t, e)

	if change == nil || change.Operation != engine.OperationCreate {
		t.Fatalf("Expected create change, got %+v", change)
	}
	if change.Summary != "create file (5 bytes)" {
		t.Errorf("Unexpected summary %q", change.Summary)
	}
	if !change.Textual || change.After != "hello" || change.Before != "" {
		t.Errorf("Expected textual diff from empty to hello, got %+v", change)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "hello" {
		t.Errorf("Expected file to contain hello, got %q", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != DefaultFileMode {
		t.Errorf("Expected default mode, got %v", info.Mode().Perm())
	}

	if again := converge(t, e); again != nil {
		t.Errorf("Second convergence must be a no-op, got %s", again.Summary)
	}
}

func TestEntry_DiffIsPure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	e := File(path).ContainsString("hello")
	observed := probe(t, e)

	first := e.Diff(observed)
	second := e.Diff(observed)

	if first.Summary != second.Summary || first.Operation != second.Operation {
		t.Error("Diff must be deterministic")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Probe and diff must not create the file")
	}
}

func TestEntry_UpdateContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	if err := os.WriteFile(path, []byte("old\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	change := converge(t, File(path).ContainsString("new\n"))

	if change.Operation != engine.OperationUpdate {
		t.Errorf("Expected update, got %s", change.Operation)
	}
	if change.Before != "old\n" || change.After != "new\n" {
		t.Errorf("Expected before/after contents, got %q / %q", change.Before, change.After)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected existing mode to be kept, got %v", info.Mode().Perm())
	}
}

func TestEntry_Mode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	if err := os.WriteFile(path, []byte("same"), 0o644); err != nil {
		t.Fatal(err)
	}

	change := converge(t, File(path).ContainsString("same").Mode(0o600))

	if change == nil || !strings.Contains(change.Summary, "chmod 0644 -> 0600") {
		t.Fatalf("Expected chmod change, got %+v", change)
	}
	if strings.Contains(change.Summary, "contents") {
		t.Errorf("Contents are already correct, got %q", change.Summary)
	}
}

func TestEntry_IsFileAcceptsAnyContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	if err := os.WriteFile(path, []byte("whatever"), 0o644); err != nil {
		t.Fatal(err)
	}

	if change := File(path).IsFile().Diff(probe(t, File(path))); change != nil {
		t.Errorf("Expected existing file to satisfy IsFile, got %s", change.Summary)
	}

	missing := filepath.Join(t.TempDir(), "empty")
	converge(t, File(missing).IsFile())
	if info, err := os.Stat(missing); err != nil || info.Size() != 0 {
		t.Errorf("Expected empty file to be created, got %v", err)
	}
}

func TestEntry_Directory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d")

	change := converge(t, File(path).IsDir().Mode(0o700))

	if change.Summary != "create directory" {
		t.Errorf("Unexpected summary %q", change.Summary)
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		t.Fatalf("Expected directory, got %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("Expected mode 0700, got %v", info.Mode().Perm())
	}
}

func TestEntry_Symlink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "link")

	change := converge(t, File(path).PointsTo("target-a"))
	if change.Operation != engine.OperationCreate {
		t.Errorf("Expected create, got %s", change.Operation)
	}

	change = converge(t, File(path).PointsTo("target-b"))
	if change.Operation != engine.OperationUpdate || change.Before != "target-a" || change.After != "target-b" {
		t.Errorf("Expected retarget, got %+v", change)
	}
	target, _ := os.Readlink(path)
	if target != "target-b" {
		t.Errorf("Expected target-b, got %s", target)
	}
}

func TestEntry_Recreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	if err := os.WriteFile(path, []byte("file"), 0o644); err != nil {
		t.Fatal(err)
	}

	change := converge(t, File(path).IsDir())

	if change.Operation != engine.OperationRecreate || !change.Operation.IsDestructive() {
		t.Errorf("Expected recreate, got %s", change.Operation)
	}
	if change.Summary != "replace file with directory" {
		t.Errorf("Unexpected summary %q", change.Summary)
	}
}

func TestEntry_Absent(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	change := converge(t, File(file).IsAbsent())
	if change.Operation != engine.OperationDelete || change.Summary != "remove file" {
		t.Errorf("Expected file removal, got %+v", change)
	}
	if again := converge(t, File(file).IsAbsent()); again != nil {
		t.Error("Absent path must be satisfied")
	}

	full := filepath.Join(dir, "full")
	if err := os.MkdirAll(filepath.Join(full, "child"), 0o755); err != nil {
		t.Fatal(err)
	}
	e := File(full).IsAbsent()
	if err := e.Apply(context.Background(), e.Diff(probe(t, e))); err == nil {
		t.Error("Non-empty directories must not be removed")
	}
}

func TestEntry_ProbeThroughNonDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := File(filepath.Join(file, "child")).Probe(context.Background())

	var pathErr *PathError
	if !errors.As(err, &pathErr) {
		t.Fatalf("Expected PathError, got %v", err)
	}
	if pathErr.ErrorCode() != engine.ErrCodeNotDirectory {
		t.Errorf("Expected %s, got %s", engine.ErrCodeNotDirectory, pathErr.ErrorCode())
	}
}

func TestEntry_DirectoryThroughSymlink(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "real"), 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink("real", link); err != nil {
		t.Fatal(err)
	}

	if change := File(link).IsDir().Diff(probe(t, File(link).IsDir())); change != nil {
		t.Errorf("Expected a link to a directory to satisfy a directory, got %s", change.Summary)
	}

	// explicit symlink and absent declarations still see the link itself
	if obs := probe(t, File(link).PointsTo("real")).State.(Observation); obs.Type != TypeSymlink {
		t.Errorf("Expected symlink, got %s", obs.Type)
	}
	change := converge(t, File(link).IsAbsent())
	if change == nil || change.Summary != "remove symlink" {
		t.Errorf("Expected symlink removal, got %+v", change)
	}
	if _, err := os.Stat(filepath.Join(dir, "real")); err != nil {
		t.Errorf("Link target must survive: %v", err)
	}
}

func TestEntry_ErrorNamesPathOnce(t *testing.T) {
	full := filepath.Join(t.TempDir(), "full")
	if err := os.MkdirAll(filepath.Join(full, "child"), 0o755); err != nil {
		t.Fatal(err)
	}
	e := File(full).IsAbsent()

	err := e.Apply(context.Background(), e.Diff(probe(t, e)))
	if err == nil {
		t.Fatal("Expected error removing a non-empty directory")
	}
	if n := strings.Count(err.Error(), full); n != 1 {
		t.Errorf("Expected the path once in %q, got %d", err, n)
	}
	if !strings.HasPrefix(err.Error(), "remove "+full+": ") {
		t.Errorf("Unexpected message %q", err)
	}
}

func TestEntry_ApplyWithoutPlan(t *testing.T) {
	e := File(filepath.Join(t.TempDir(), "x"))
	if err := e.Apply(context.Background(), &engine.Change{Operation: engine.OperationCreate}); err == nil {
		t.Error("Expected error for change without plan")
	}
}

func TestEntry_BinaryContentsNotTextual(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bin")
	e := File(path).Contains([]byte{0x00, 0xff, 0x10})

	change := e.Diff(probe(t, e))
	if change.Textual {
		t.Error("Binary contents must not be rendered as text")
	}
}
