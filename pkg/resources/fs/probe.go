package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"syscall"
	"time"

	"github.com/openfroyo/realize/pkg/engine"
)

// maxInlineBytes bounds how much of a file is kept in an observation for
// rendering content diffs. Larger files are compared by digest only.
const maxInlineBytes = 1 << 20

// Observation is the probed state of a path.
type Observation struct {
	Exists bool        `json:"exists"`
	Type   Type        `json:"type"`
	Mode   os.FileMode `json:"mode,omitempty"`
	Size   int64       `json:"size,omitempty"`

	// Digest is the sha256 of a regular file's contents. It is only
	// computed when the declaration manages contents.
	Digest string `json:"digest,omitempty"`

	// Contents holds the file contents when they were read and are small.
	Contents []byte `json:"-"`

	Target string `json:"target,omitempty"`
}

// PathError is a typed probe or apply failure.
type PathError struct {
	Op   string
	Path string
	Code string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// ErrorCode implements engine.CodedError.
func (e *PathError) ErrorCode() string { return e.Code }

func pathError(op, path string, err error) *PathError {
	// the os error already names op and path
	var pe *iofs.PathError
	if errors.As(err, &pe) {
		err = pe.Err
	}

	code := ""
	switch {
	case errors.Is(err, iofs.ErrPermission):
		code = engine.ErrCodePermissionDenied
	case errors.Is(err, syscall.ENOTDIR):
		code = engine.ErrCodeNotDirectory
	case errors.Is(err, iofs.ErrNotExist):
		code = engine.ErrCodeNotFound
	}
	return &PathError{Op: op, Path: path, Code: code, Err: err}
}

// Probe implements engine.Resource. The final symlink is only followed for
// directories, so a link to a directory satisfies a directory declaration.
func (e Entry) Probe(ctx context.Context) (engine.ProbeResult, error) {
	obs, err := observe(e.spec.Path, e.spec.Type == TypeFile && e.spec.HasContents, e.spec.Type == TypeDir)
	if err != nil {
		return engine.ProbeResult{}, err
	}
	return engine.ProbeResult{
		Identity:   e.Identity(),
		ObservedAt: time.Now(),
		State:      obs,
	}, nil
}

func observe(path string, readContents, followDir bool) (Observation, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return Observation{Exists: false, Type: TypeAbsent}, nil
		}
		return Observation{}, pathError("lstat", path, err)
	}

	obs := Observation{
		Exists: true,
		Mode:   info.Mode().Perm(),
		Size:   info.Size(),
	}

	switch mode := info.Mode(); {
	case mode.IsRegular():
		obs.Type = TypeFile
		if readContents {
			if err := hashFile(path, &obs); err != nil {
				return Observation{}, err
			}
		}
	case mode.IsDir():
		obs.Type = TypeDir
	case mode&os.ModeSymlink != 0:
		if followDir {
			if target, err := os.Stat(path); err == nil && target.IsDir() {
				obs.Type = TypeDir
				obs.Mode = target.Mode().Perm()
				obs.Size = target.Size()
				break
			}
		}
		obs.Type = TypeSymlink
		obs.Mode = 0
		target, err := os.Readlink(path)
		if err != nil {
			return Observation{}, pathError("readlink", path, err)
		}
		obs.Target = target
	default:
		obs.Type = TypeOther
	}

	return obs, nil
}

func hashFile(path string, obs *Observation) error {
	f, err := os.Open(path)
	if err != nil {
		return pathError("open", path, err)
	}
	defer f.Close()

	if obs.Size <= maxInlineBytes {
		contents, err := io.ReadAll(f)
		if err != nil {
			return pathError("read", path, err)
		}
		obs.Contents = contents
		obs.Digest = digest(contents)
		return nil
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return pathError("read", path, err)
	}
	obs.Digest = hex.EncodeToString(h.Sum(nil))
	return nil
}
