// Package fs provides filesystem resources: regular files, directories,
// symlinks and absent paths.
//
// An entry is declared with a builder:
//
//	fs.File("/etc/motd").ContainsString("hello\n")
//	fs.File("/srv/app").IsDir().Mode(0o750)
//	fs.File("/usr/local/bin/tool").PointsTo("/opt/tool/bin/tool")
//	fs.File("/tmp/stale").IsAbsent()
//
// Every entry is identified by its cleaned path, so two declarations of one
// path with different types or contents conflict. Present entries imply their
// parent directory.
package fs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/realize/pkg/engine"
)

// Type is the kind of filesystem entry.
type Type string

const (
	TypeFile    Type = "file"
	TypeDir     Type = "directory"
	TypeSymlink Type = "symlink"
	TypeAbsent  Type = "absent"

	// TypeOther is observed for sockets, devices and pipes. It is never declared.
	TypeOther Type = "other"
)

// Default permissions for created entries when no mode is declared.
const (
	DefaultFileMode os.FileMode = 0o644
	DefaultDirMode  os.FileMode = 0o755
)

// Spec is the declared desired state of a path.
type Spec struct {
	Path string `json:"path"`
	Type Type   `json:"type"`

	// HasContents is false when any contents are acceptable.
	HasContents bool   `json:"has_contents,omitempty"`
	Contents    []byte `json:"contents,omitempty"`

	// Mode is the permission bits to enforce; zero leaves them unmanaged.
	Mode os.FileMode `json:"mode,omitempty"`

	Target string `json:"target,omitempty"`
}

// Entry is a filesystem resource. Builder methods return modified copies.
type Entry struct {
	spec Spec
}

var (
	_ engine.Resource = Entry{}
	_ engine.Implier  = Entry{}
	_ engine.Subsumer = Entry{}
	_ engine.Remover  = Entry{}
)

// File starts a declaration about path. By itself it only ensures that a
// regular file exists, with any contents.
func File(path string) Entry {
	return Entry{spec: Spec{
		Path: engine.PathIdentity(path).Key,
		Type: TypeFile,
	}}
}

// Contains declares the exact byte contents of a regular file.
func (e Entry) Contains(contents []byte) Entry {
	e.spec.Type = TypeFile
	e.spec.HasContents = true
	e.spec.Contents = append(make([]byte, 0, len(contents)), contents...)
	e.spec.Target = ""
	return e
}

// ContainsString declares the contents of a regular file as UTF-8 text.
func (e Entry) ContainsString(contents string) Entry {
	return e.Contains([]byte(contents))
}

// IsFile declares a regular file with any contents.
func (e Entry) IsFile() Entry {
	e.spec.Type = TypeFile
	e.spec.HasContents = false
	e.spec.Contents = nil
	e.spec.Target = ""
	return e
}

// IsDir declares a directory.
func (e Entry) IsDir() Entry {
	e.spec.Type = TypeDir
	e.spec.HasContents = false
	e.spec.Contents = nil
	e.spec.Target = ""
	return e
}

// PointsTo declares a symlink with the given target. The target is stored
// verbatim and may be relative.
func (e Entry) PointsTo(target string) Entry {
	e.spec.Type = TypeSymlink
	e.spec.HasContents = false
	e.spec.Contents = nil
	e.spec.Target = target
	e.spec.Mode = 0
	return e
}

// IsAbsent declares that nothing exists at the path.
func (e Entry) IsAbsent() Entry {
	e.spec = Spec{Path: e.spec.Path, Type: TypeAbsent}
	return e
}

// Mode declares the permission bits of a file or directory.
func (e Entry) Mode(perm os.FileMode) Entry {
	if e.spec.Type == TypeFile || e.spec.Type == TypeDir {
		e.spec.Mode = perm.Perm()
	}
	return e
}

// Spec returns a copy of the declared state.
func (e Entry) Spec() Spec {
	s := e.spec
	if s.Contents != nil {
		s.Contents = append([]byte(nil), s.Contents...)
	}
	return s
}

// Identity implements engine.Resource.
func (e Entry) Identity() engine.Identity {
	return engine.PathIdentity(e.spec.Path)
}

// Desired implements engine.Resource.
func (e Entry) Desired() any {
	return e.spec
}

// Implied returns the parent directory of present entries. The filesystem
// root is never implied.
func (e Entry) Implied() []engine.Resource {
	if e.spec.Type == TypeAbsent {
		return nil
	}
	parent := filepath.Dir(e.spec.Path)
	if parent == e.spec.Path || parent == string(filepath.Separator) {
		return nil
	}
	return []engine.Resource{File(parent).IsDir()}
}

// Removes reports whether e declares the path absent.
func (e Entry) Removes() bool { return e.spec.Type == TypeAbsent }

// Subsumes reports whether e can stand in for an implied declaration: any
// directory declaration covers an implied bare directory.
func (e Entry) Subsumes(implied engine.Resource) bool {
	other, ok := implied.(Entry)
	if !ok {
		return false
	}
	return e.spec.Type == TypeDir && other.spec.Type == TypeDir &&
		other.spec.Mode == 0 && other.spec.Path == e.spec.Path
}

// String renders the declaration, e.g. `file "/tmp/x" with sha256 2cf24dba`.
func (e Entry) String() string {
	s := fmt.Sprintf("%s %q", e.spec.Type, e.spec.Path)
	switch {
	case e.spec.Type == TypeFile && e.spec.HasContents:
		s += " with sha256 " + digest(e.spec.Contents)[:8]
	case e.spec.Type == TypeSymlink:
		s += fmt.Sprintf(" with target %q", e.spec.Target)
	}
	if e.spec.Mode != 0 {
		s += fmt.Sprintf(" mode %04o", e.spec.Mode)
	}
	return s
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
