package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/openfroyo/realize/pkg/engine"
	fsres "github.com/openfroyo/realize/pkg/resources/fs"
)

// ParseMode parses an octal permission string such as "0644" or "755".
func ParseMode(s string) (os.FileMode, error) {
	if !modePattern.MatchString(s) {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	return os.FileMode(m), nil
}

// Entry converts the declaration into a filesystem resource. Source must
// already be resolved into Content.
func (d Declaration) Entry() (fsres.Entry, error) {
	e := fsres.File(d.Path)

	switch d.EffectiveType() {
	case TypeFile:
		if d.Content != nil {
			e = e.ContainsString(*d.Content)
		} else {
			if d.Source != "" {
				return e, fmt.Errorf("%s: source %s was not resolved", d.Location(), d.Source)
			}
			e = e.IsFile()
		}
	case TypeDirectory:
		e = e.IsDir()
	case TypeSymlink:
		e = e.PointsTo(d.Target)
	case TypeAbsent:
		e = e.IsAbsent()
	default:
		return e, fmt.Errorf("%s: unknown type %q", d.Location(), d.Type)
	}

	if d.Mode != "" {
		m, err := ParseMode(d.Mode)
		if err != nil {
			return e, fmt.Errorf("%s: %w", d.Location(), err)
		}
		e = e.Mode(m)
	}
	return e, nil
}

// Configure ensures every declaration in the reality. It has the shape of
// an engine.ConfigureFunc.
func (doc *Document) Configure(r *engine.Reality) error {
	for _, d := range doc.Declarations {
		entry, err := d.Entry()
		if err != nil {
			return engine.NewValidationError("invalid declaration", err).
				WithResource(engine.PathIdentity(d.Path).String())
		}

		after := make([]engine.Identity, 0, len(d.After))
		for _, p := range d.After {
			after = append(after, engine.PathIdentity(p))
		}
		if err := r.Ensure(entry, engine.After(after...)); err != nil {
			return fmt.Errorf("%s: %w", d.Location(), err)
		}
	}
	return nil
}

// Len returns the number of declarations.
func (doc *Document) Len() int {
	return len(doc.Declarations)
}
