package config

import (
	"fmt"
	"strings"
)

// Declaration types. An empty type means TypeFile.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
	TypeSymlink   = "symlink"
	TypeAbsent    = "absent"
)

// Declaration is one desired filesystem entry as written in a
// configuration file.
type Declaration struct {
	// Path is the absolute path of the entry.
	Path string `json:"path" yaml:"path" validate:"required,abspath"`

	// Type is file, directory, symlink or absent.
	Type string `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=file directory symlink absent"`

	// Content is the literal file contents. Nil leaves contents unmanaged.
	Content *string `json:"content,omitempty" yaml:"content,omitempty" validate:"excluded_with=Source"`

	// Source names a file whose bytes become the contents. Relative
	// sources are resolved against the declaring file's directory.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// Mode is an octal permission string such as "0644".
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,filemode"`

	// Target is the symlink target.
	Target string `json:"target,omitempty" yaml:"target,omitempty" validate:"required_if=Type symlink"`

	// After lists paths that must be reconciled first.
	After []string `json:"after,omitempty" yaml:"after,omitempty" validate:"dive,abspath"`

	// File and Line locate the declaration in its configuration file.
	File string `json:"-" yaml:"-"`
	Line int    `json:"-" yaml:"-"`
}

// Location returns "file:line" for messages.
func (d Declaration) Location() string {
	switch {
	case d.File == "":
		return d.Path
	case d.Line > 0:
		return fmt.Sprintf("%s:%d", d.File, d.Line)
	default:
		return d.File
	}
}

// EffectiveType returns the declared type, defaulting to file.
func (d Declaration) EffectiveType() string {
	if d.Type == "" {
		return TypeFile
	}
	return d.Type
}

// Document is the set of declarations loaded from one or more files.
type Document struct {
	Declarations []Declaration
	SourceFiles  []string
}

// ValidationError describes one problem found while loading configuration.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ValidationError) String() string {
	var sb strings.Builder
	if e.File != "" {
		sb.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&sb, ":%d", e.Line)
			if e.Column > 0 {
				fmt.Fprintf(&sb, ":%d", e.Column)
			}
		}
		sb.WriteString(": ")
	}
	if e.Path != "" {
		sb.WriteString(e.Path)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	return sb.String()
}

// LoadError collects every problem found in a load.
type LoadError struct {
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].String()
	}
	parts := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		parts[i] = ve.String()
	}
	return fmt.Sprintf("%d configuration errors:\n  %s", len(e.Errors), strings.Join(parts, "\n  "))
}
