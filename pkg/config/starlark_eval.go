package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// DefaultStarlarkTimeout bounds a single script evaluation.
const DefaultStarlarkTimeout = 30 * time.Second

// StarlarkEvaluator runs configuration scripts. Scripts declare entries with
// the file, directory, symlink and absent builtins; each returns the declared
// path so it can be passed to another call's after list.
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
	logger   zerolog.Logger
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration, logger zerolog.Logger) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultStarlarkTimeout
	}
	return &StarlarkEvaluator{
		timeout: timeout,
		logger:  logger,
	}
}

// SetMaxSteps limits the number of execution steps. Zero means unlimited.
func (se *StarlarkEvaluator) SetMaxSteps(n uint64) {
	se.maxSteps = n
}

// Evaluate executes src and returns the declarations it made. vars is exposed
// to the script as a read-only dict named "vars".
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, file string, src []byte, vars map[string]any) ([]Declaration, []ValidationError) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "realize",
		Print: func(_ *starlark.Thread, msg string) {
			se.logger.Info().Str("file", file).Msg(msg)
		},
	}
	if se.maxSteps > 0 {
		thread.SetMaxExecutionSteps(se.maxSteps)
	}

	varsVal, err := toStarlarkValue(vars)
	if err != nil {
		return nil, []ValidationError{{File: file, Message: fmt.Sprintf("invalid vars: %v", err), Severity: "error"}}
	}
	if dict, ok := varsVal.(*starlark.Dict); ok {
		dict.Freeze()
	}

	c := &collector{file: file}
	predeclared := starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"vars":      varsVal,
		"file":      starlark.NewBuiltin("file", c.file),
		"directory": starlark.NewBuiltin("directory", c.directory),
		"symlink":   starlark.NewBuiltin("symlink", c.symlink),
		"absent":    starlark.NewBuiltin("absent", c.absent),
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(fmt.Sprintf("evaluation aborted: %v", evalCtx.Err()))
		case <-done:
		}
	}()

	start := time.Now()
	_, err = starlark.ExecFile(thread, file, src, predeclared)
	se.logger.Debug().
		Str("file", file).
		Dur("duration", time.Since(start)).
		Int("declarations", len(c.decls)).
		Msg("Evaluated script")
	if err != nil {
		return nil, []ValidationError{starlarkError(file, err)}
	}
	return c.decls, nil
}

// collector accumulates declarations made by builtins.
type collector struct {
	file  string
	decls []Declaration
}

func (c *collector) add(thread *starlark.Thread, d Declaration, after starlark.Value) (starlark.Value, error) {
	deps, err := stringList(after)
	if err != nil {
		return nil, fmt.Errorf("after: %w", err)
	}
	d.After = deps
	d.File = c.file
	d.Line = int(thread.CallFrame(1).Pos.Line)
	c.decls = append(c.decls, d)
	return starlark.String(d.Path), nil
}

func (c *collector) file(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		path    string
		source  string
		content starlark.Value = starlark.None
		mode    starlark.Value = starlark.None
		after   starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"path", &path, "content?", &content, "source?", &source, "mode?", &mode, "after?", &after); err != nil {
		return nil, err
	}

	d := Declaration{Path: path, Type: TypeFile, Source: source}
	if content != starlark.None {
		s, ok := starlark.AsString(content)
		if !ok {
			return nil, fmt.Errorf("%s: content must be a string, got %s", b.Name(), content.Type())
		}
		d.Content = &s
	}
	m, err := modeString(mode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	d.Mode = m
	return c.add(thread, d, after)
}

func (c *collector) directory(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		path  string
		mode  starlark.Value = starlark.None
		after starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "mode?", &mode, "after?", &after); err != nil {
		return nil, err
	}
	m, err := modeString(mode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return c.add(thread, Declaration{Path: path, Type: TypeDirectory, Mode: m}, after)
}

func (c *collector) symlink(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		path   string
		target string
		after  starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "target", &target, "after?", &after); err != nil {
		return nil, err
	}
	return c.add(thread, Declaration{Path: path, Type: TypeSymlink, Target: target}, after)
}

func (c *collector) absent(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		path  string
		after starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "after?", &after); err != nil {
		return nil, err
	}
	return c.add(thread, Declaration{Path: path, Type: TypeAbsent}, after)
}

// modeString accepts an int such as 0o644 or an octal string.
func modeString(v starlark.Value) (string, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return "", nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok || i < 0 || i > 0o777 {
			return "", fmt.Errorf("mode %s out of range", val)
		}
		return fmt.Sprintf("%04o", i), nil
	case starlark.String:
		return string(val), nil
	default:
		return "", fmt.Errorf("mode must be an int or string, got %s", v.Type())
	}
}

// stringList accepts None, a single string, or an iterable of strings.
func stringList(v starlark.Value) ([]string, error) {
	if v == starlark.None {
		return nil, nil
	}
	if s, ok := starlark.AsString(v); ok {
		return []string{s}, nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("want string or list of strings, got %s", v.Type())
	}

	var out []string
	iter := iterable.Iterate()
	defer iter.Done()
	var item starlark.Value
	for iter.Next(&item) {
		s, ok := starlark.AsString(item)
		if !ok {
			return nil, fmt.Errorf("want string, got %s", item.Type())
		}
		out = append(out, s)
	}
	return out, nil
}

// starlarkError locates err in file when Starlark reports a position.
func starlarkError(file string, err error) ValidationError {
	ve := ValidationError{File: file, Message: err.Error(), Severity: "error"}

	var syntaxErr syntax.Error
	if errors.As(err, &syntaxErr) {
		ve.Line = int(syntaxErr.Pos.Line)
		ve.Column = int(syntaxErr.Pos.Col)
		ve.Message = syntaxErr.Msg
		return ve
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		ve.Message = evalErr.Msg
		for i := len(evalErr.CallStack) - 1; i >= 0; i-- {
			pos := evalErr.CallStack[i].Pos
			if pos.Filename() == file {
				ve.Line = int(pos.Line)
				ve.Column = int(pos.Col)
				break
			}
		}
	}
	return ve
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return toStarlarkValue(m)
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
