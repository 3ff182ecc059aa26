package fs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/openfroyo/realize/pkg/engine"
)

// plan is the Change payload: the steps Apply has to take.
type plan struct {
	remove  bool
	create  bool
	write   bool
	chmod   bool
	relink  bool
	current Type
}

// Diff implements engine.Resource.
func (e Entry) Diff(observed engine.ProbeResult) *engine.Change {
	obs, ok := observed.State.(Observation)
	if !ok {
		obs = Observation{Type: TypeAbsent}
	}
	s := e.spec

	if s.Type == TypeAbsent {
		if !obs.Exists {
			return nil
		}
		return e.change(engine.OperationDelete, fmt.Sprintf("remove %s", obs.Type),
			plan{remove: true, current: obs.Type}, obs)
	}

	if !obs.Exists {
		return e.change(engine.OperationCreate, e.createSummary(), plan{create: true}, obs)
	}

	if obs.Type != s.Type {
		return e.change(engine.OperationRecreate,
			fmt.Sprintf("replace %s with %s", obs.Type, s.Type),
			plan{remove: true, create: true, current: obs.Type}, obs)
	}

	var p plan
	var parts []string
	switch s.Type {
	case TypeFile:
		if s.HasContents && obs.Digest != digest(s.Contents) {
			p.write = true
			parts = append(parts, fmt.Sprintf("update contents (%d -> %d bytes)", obs.Size, len(s.Contents)))
		}
	case TypeSymlink:
		if obs.Target != s.Target {
			p.relink = true
			parts = append(parts, fmt.Sprintf("retarget %s -> %s", obs.Target, s.Target))
		}
	}
	if s.Mode != 0 && obs.Mode != s.Mode {
		p.chmod = true
		parts = append(parts, fmt.Sprintf("chmod %04o -> %04o", obs.Mode, s.Mode))
	}

	if len(parts) == 0 {
		return nil
	}
	p.current = obs.Type
	return e.change(engine.OperationUpdate, strings.Join(parts, ", "), p, obs)
}

func (e Entry) createSummary() string {
	switch e.spec.Type {
	case TypeFile:
		if e.spec.HasContents {
			return fmt.Sprintf("create file (%d bytes)", len(e.spec.Contents))
		}
		return "create empty file"
	case TypeSymlink:
		return fmt.Sprintf("create symlink -> %s", e.spec.Target)
	default:
		return "create directory"
	}
}

func (e Entry) change(op engine.OperationType, summary string, p plan, obs Observation) *engine.Change {
	c := &engine.Change{
		Identity:  e.Identity(),
		Operation: op,
		Summary:   summary,
		Payload:   p,
	}

	switch {
	case e.spec.Type == TypeFile && e.spec.HasContents:
		c.After = string(e.spec.Contents)
		if obs.Type == TypeFile {
			c.Before = string(obs.Contents)
		}
		c.Textual = isText(e.spec.Contents) && isText(obs.Contents) &&
			(obs.Type != TypeFile || obs.Contents != nil || obs.Size == 0)
	case e.spec.Type == TypeSymlink:
		c.Before = obs.Target
		c.After = e.spec.Target
	}
	return c
}

// isText reports whether b can be shown as a line diff.
func isText(b []byte) bool {
	return utf8.Valid(b) && !bytes.ContainsRune(b, 0)
}

// Apply implements engine.Resource.
func (e Entry) Apply(ctx context.Context, change *engine.Change) error {
	if change == nil {
		return nil
	}
	p, ok := change.Payload.(plan)
	if !ok {
		return fmt.Errorf("change for %s carries no filesystem plan", e.spec.Path)
	}
	s := e.spec

	if p.remove {
		if err := remove(s.Path); err != nil {
			return err
		}
	}

	if p.create {
		switch s.Type {
		case TypeDir:
			if err := mkdir(s.Path, s.Mode); err != nil {
				return err
			}
		case TypeFile:
			if err := writeFile(s.Path, s.Contents, s.Mode); err != nil {
				return err
			}
		case TypeSymlink:
			if err := os.Symlink(s.Target, s.Path); err != nil {
				return pathError("symlink", s.Path, err)
			}
		}
		return nil
	}

	if p.write {
		if err := writeFile(s.Path, s.Contents, s.Mode); err != nil {
			return err
		}
	}
	if p.relink {
		if err := relink(s.Path, s.Target); err != nil {
			return err
		}
	}
	if p.chmod {
		if err := os.Chmod(s.Path, s.Mode); err != nil {
			return pathError("chmod", s.Path, err)
		}
	}
	return nil
}

// remove deletes a file, symlink or empty directory. Non-empty directories
// are never removed recursively.
func remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return pathError("remove", path, err)
	}
	return nil
}

func mkdir(path string, mode os.FileMode) error {
	perm := mode
	if perm == 0 {
		perm = DefaultDirMode
	}
	if err := os.Mkdir(path, perm); err != nil {
		return pathError("mkdir", path, err)
	}
	// Mkdir is subject to the umask.
	if mode != 0 {
		if err := os.Chmod(path, mode); err != nil {
			return pathError("chmod", path, err)
		}
	}
	return nil
}

// writeFile replaces path atomically: contents go to a temporary file in the
// same directory which is then renamed over the target. An existing file
// keeps its permissions unless a mode is declared.
func writeFile(path string, contents []byte, mode os.FileMode) error {
	perm := mode
	if perm == 0 {
		perm = DefaultFileMode
		if info, err := os.Lstat(path); err == nil && info.Mode().IsRegular() {
			perm = info.Mode().Perm()
		}
	}

	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+".realize-*")
	if err != nil {
		return pathError("create", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		cleanup()
		return pathError("write", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		cleanup()
		return pathError("chmod", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return pathError("sync", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return pathError("close", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return pathError("rename", path, err)
	}
	return nil
}

func relink(path, target string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return pathError("remove", path, err)
	}
	if err := os.Symlink(target, path); err != nil {
		return pathError("symlink", path, err)
	}
	return nil
}
