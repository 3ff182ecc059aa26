package engine

import (
	"path/filepath"
	"strings"
)

// KindPath is the identity kind for filesystem paths. Path identities are the
// only ones with a structural (ancestor/descendant) relation.
const KindPath = "path"

// Identity uniquely names a resource target within a run.
// It is comparable and totally ordered by (Kind, Key).
type Identity struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

// PathIdentity returns the identity of a filesystem path.
// Relative paths are resolved against the working directory and the result is cleaned,
// so "/tmp/x/" and "/tmp//x" name the same target.
func PathIdentity(path string) Identity {
	return Identity{Kind: KindPath, Key: normalizePath(path)}
}

// NameIdentity returns a non-structural identity in the given kind namespace.
func NameIdentity(kind, name string) Identity {
	return Identity{Kind: kind, Key: name}
}

func normalizePath(path string) string {
	if path == "" {
		return ""
	}
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			return abs
		}
	}
	return filepath.Clean(path)
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.Kind == "" || id.Key == ""
}

// IsPath reports whether the identity names a filesystem path.
func (id Identity) IsPath() bool {
	return id.Kind == KindPath
}

// String returns the display form: the bare path for path identities, kind:key otherwise.
func (id Identity) String() string {
	if id.IsPath() {
		return id.Key
	}
	return id.Kind + ":" + id.Key
}

// Compare orders identities by kind, then key.
func (id Identity) Compare(other Identity) int {
	if c := strings.Compare(id.Kind, other.Kind); c != 0 {
		return c
	}
	return strings.Compare(id.Key, other.Key)
}

// Less reports whether id sorts before other.
func (id Identity) Less(other Identity) bool {
	return id.Compare(other) < 0
}

// Contains reports whether other is a strict structural descendant of id.
func (id Identity) Contains(other Identity) bool {
	if !id.IsPath() || !other.IsPath() || id.Key == other.Key {
		return false
	}
	if id.Key == string(filepath.Separator) {
		return strings.HasPrefix(other.Key, id.Key)
	}
	return strings.HasPrefix(other.Key, id.Key+string(filepath.Separator))
}

// Parent returns the enclosing directory identity.
// The second result is false for the filesystem root and for non-path identities.
func (id Identity) Parent() (Identity, bool) {
	if !id.IsPath() {
		return Identity{}, false
	}
	dir := filepath.Dir(id.Key)
	if dir == id.Key {
		return Identity{}, false
	}
	return Identity{Kind: KindPath, Key: dir}, true
}
