package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// CUEParser parses CUE declaration files. Each file is unified with the
// declarations schema before its resources list is decoded.
type CUEParser struct {
	ctx     *cue.Context
	schemas *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:     ctx,
		schemas: NewSchemaRegistry(ctx),
	}
}

// Schemas returns the parser's schema registry.
func (cp *CUEParser) Schemas() *SchemaRegistry {
	return cp.schemas
}

// Parse compiles src and returns its declarations. file names the source
// in error positions.
func (cp *CUEParser) Parse(file string, src []byte) ([]Declaration, []ValidationError) {
	val := cp.ctx.CompileBytes(src, cue.Filename(file))
	if err := val.Err(); err != nil {
		return nil, cp.convertCUEErrors(file, err)
	}

	unified, err := cp.schemas.Unify(SchemaDeclarations, val)
	if err != nil {
		return nil, cp.convertCUEErrors(file, err)
	}

	resources := unified.LookupPath(cue.ParsePath("resources"))
	if !resources.Exists() {
		return nil, nil
	}

	iter, err := resources.List()
	if err != nil {
		return nil, cp.convertCUEErrors(file, err)
	}

	var (
		decls []Declaration
		errs  []ValidationError
	)
	for idx := 0; iter.Next(); idx++ {
		item := iter.Value()
		// Positions come from the file itself, not the schema.
		line := val.LookupPath(cue.MakePath(cue.Str("resources"), cue.Index(idx))).Pos().Line()

		var d Declaration
		if err := item.Decode(&d); err != nil {
			errs = append(errs, ValidationError{
				File:     file,
				Line:     line,
				Path:     fmt.Sprintf("resources[%d]", idx),
				Message:  fmt.Sprintf("failed to decode declaration: %v", err),
				Severity: "error",
			})
			continue
		}
		d.File = file
		d.Line = line
		decls = append(decls, d)
	}
	return decls, errs
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(file string, err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			File:     file,
			Message:  errors.Details(e, nil),
			Severity: "error",
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			if pos[0].Filename() != "" {
				ve.File = pos[0].Filename()
			}
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Message:  err.Error(),
			Severity: "error",
		})
	}
	return validationErrors
}
