package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
)

// SchemaDeclarations is the name of the built-in declaration file schema.
const SchemaDeclarations = "declarations"

// SchemaRegistry manages CUE schemas. Schemas are compiled in the caller's
// context so they can be unified with values from the same runtime.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in schemas.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaDeclarations, builtinDeclarationSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles and registers a CUE schema under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema and checks that the result is
// concrete.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema encodes data and validates it against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data any) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinDeclarationSchema = `
#Declaration: {
	// Absolute path of the entry.
	path: string & =~"^/"

	type: *"file" | "directory" | "symlink" | "absent"

	content?: string
	source?:  string

	// Octal permissions, e.g. "0644".
	mode?: string & =~"^0?[0-7]{3}$"

	target?: string

	// Paths reconciled before this one.
	after?: [...string & =~"^/"]
}

resources?: [...#Declaration]
`
