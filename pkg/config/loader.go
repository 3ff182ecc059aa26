package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Supported declaration file extensions.
var extensions = map[string]string{
	".yaml": "yaml",
	".yml":  "yaml",
	".cue":  "cue",
	".star": "starlark",
}

// Supported reports whether path has a declaration file extension.
func Supported(path string) bool {
	_, ok := extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Loader reads declaration files and turns them into a Document.
type Loader struct {
	cue      *CUEParser
	starlark *StarlarkEvaluator
	validate *validator.Validate
	vars     map[string]any
	logger   zerolog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(logger zerolog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithVars exposes values to Starlark scripts as the "vars" dict.
func WithVars(vars map[string]any) LoaderOption {
	return func(l *Loader) {
		l.vars = vars
	}
}

// WithStarlarkTimeout bounds each script evaluation.
func WithStarlarkTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.starlark.timeout = d
	}
}

// NewLoader creates a loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		cue:      NewCUEParser(),
		starlark: NewStarlarkEvaluator(DefaultStarlarkTimeout, zerolog.Nop()),
		validate: newValidator(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With().Str("component", "config").Logger()
	l.starlark.logger = l.logger
	return l
}

// Load reads every path, which may be a declaration file or a directory
// searched recursively for declaration files. All problems are collected
// into a single *LoadError.
func (l *Loader) Load(ctx context.Context, paths ...string) (*Document, error) {
	if len(paths) == 0 {
		return nil, errors.New("no configuration paths given")
	}

	files, err := expand(paths)
	if err != nil {
		return nil, err
	}

	doc := &Document{SourceFiles: files}
	var problems []ValidationError
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		decls, errs := l.loadFile(ctx, file)
		problems = append(problems, errs...)
		doc.Declarations = append(doc.Declarations, decls...)
	}

	if len(problems) > 0 {
		return nil, &LoadError{Errors: problems}
	}

	l.logger.Debug().
		Int("files", len(files)).
		Int("declarations", len(doc.Declarations)).
		Msg("Loaded configuration")
	return doc, nil
}

// LoadFile loads a single declaration file.
func (l *Loader) LoadFile(ctx context.Context, file string) ([]Declaration, error) {
	decls, errs := l.loadFile(ctx, file)
	if len(errs) > 0 {
		return nil, &LoadError{Errors: errs}
	}
	return decls, nil
}

func (l *Loader) loadFile(ctx context.Context, file string) ([]Declaration, []ValidationError) {
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, []ValidationError{{File: file, Message: fmt.Sprintf("failed to read file: %v", err), Severity: "error"}}
	}

	var (
		decls []Declaration
		errs  []ValidationError
	)
	switch extensions[strings.ToLower(filepath.Ext(file))] {
	case "yaml":
		decls, errs = parseYAML(file, src)
	case "cue":
		decls, errs = l.cue.Parse(file, src)
	case "starlark":
		decls, errs = l.starlark.Evaluate(ctx, file, src, l.vars)
	default:
		return nil, []ValidationError{{File: file, Message: "unsupported file type", Severity: "error"}}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	out := make([]Declaration, 0, len(decls))
	for i, d := range decls {
		if verrs := l.check(i, d); len(verrs) > 0 {
			errs = append(errs, verrs...)
			continue
		}
		resolved, err := resolveSource(d)
		if err != nil {
			errs = append(errs, ValidationError{
				File:     d.File,
				Line:     d.Line,
				Path:     fmt.Sprintf("resources[%d].source", i),
				Message:  err.Error(),
				Severity: "error",
			})
			continue
		}
		out = append(out, resolved)
	}
	return out, errs
}

// check validates a declaration's fields and their combination.
func (l *Loader) check(idx int, d Declaration) []ValidationError {
	prefix := fmt.Sprintf("resources[%d]", idx)
	problem := func(field, msg string) ValidationError {
		path := prefix
		if field != "" {
			path += "." + field
		}
		return ValidationError{File: d.File, Line: d.Line, Path: path, Message: msg, Severity: "error"}
	}

	var out []ValidationError
	if err := l.validate.Struct(d); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return []ValidationError{problem("", err.Error())}
		}
		for _, fe := range fieldErrs {
			out = append(out, problem(fieldPath(fe), fieldMessage(fe)))
		}
		return out
	}

	typ := d.EffectiveType()
	if typ != TypeFile && (d.Content != nil || d.Source != "") {
		out = append(out, problem("content", fmt.Sprintf("contents are only valid for files, not %s", typ)))
	}
	if typ != TypeSymlink && d.Target != "" {
		out = append(out, problem("target", fmt.Sprintf("target is only valid for symlinks, not %s", typ)))
	}
	if (typ == TypeSymlink || typ == TypeAbsent) && d.Mode != "" {
		out = append(out, problem("mode", fmt.Sprintf("mode is not valid for %s", typ)))
	}
	return out
}

// resolveSource replaces Source with the bytes it names. Relative sources
// are read from the declaring file's directory.
func resolveSource(d Declaration) (Declaration, error) {
	if d.Source == "" {
		return d, nil
	}

	path := d.Source
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(d.File), path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return d, fmt.Errorf("failed to read source: %w", err)
	}
	s := string(b)
	d.Content = &s
	d.Source = path
	return d, nil
}

// expand turns paths into declaration files, directories walked in lexical
// order.
func expand(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	add := func(f string) {
		if !seen[f] {
			seen[f] = true
			files = append(files, f)
		}
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if !info.IsDir() {
			if !Supported(p) {
				return nil, fmt.Errorf("%s: unsupported file type %q", p, filepath.Ext(p))
			}
			add(p)
			continue
		}

		err = filepath.WalkDir(p, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry.IsDir() {
				if path != p && strings.HasPrefix(entry.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if Supported(path) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", p, err)
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no declaration files found in %s", strings.Join(paths, ", "))
	}
	return files, nil
}

var modePattern = regexp.MustCompile(`^0?[0-7]{3}$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("filemode", func(fl validator.FieldLevel) bool {
		return modePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("abspath", func(fl validator.FieldLevel) bool {
		return filepath.IsAbs(fl.Field().String())
	})
	return v
}

// fieldPath strips the struct name from a validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return "is required for symlinks"
	case "abspath":
		return fmt.Sprintf("%q is not an absolute path", fe.Value())
	case "filemode":
		return fmt.Sprintf("%q is not an octal permission such as 0644", fe.Value())
	case "oneof":
		return fmt.Sprintf("%q is not one of %s", fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "excluded_with":
		return "cannot be combined with source"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
