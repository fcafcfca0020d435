package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Schema names registered by NewSchemaRegistry.
const (
	SchemaEquipment = "equipment"
	SchemaCatalog   = "catalog"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants; a compile failure is a programming error.
	if err := sr.RegisterSchema(SchemaEquipment, builtinEquipmentSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaCatalog, builtinEquipmentSchema+builtinCatalogSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename("schema:"+name))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

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

// Definition returns a definition (e.g. "#Equipment") from a named schema.
func (sr *SchemaRegistry) Definition(schemaName, def string) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	v := schema.LookupPath(cue.ParsePath(def))
	if !v.Exists() {
		return cue.Value{}, fmt.Errorf("definition %s not found in schema %s", def, schemaName)
	}
	return v, nil
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ValidateEntry validates a single catalog entry against #Equipment.
func (sr *SchemaRegistry) ValidateEntry(entry interface{}) error {
	def, err := sr.Definition(SchemaEquipment, "#Equipment")
	if err != nil {
		return err
	}

	unified := def.Unify(sr.ctx.Encode(entry))
	if err := unified.Validate(cue.Concrete(true)); err != nil {
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

// Built-in schema definitions

// Descriptor and assembly are optional here: an incomplete entry is still a catalog
// entry, it just cannot be placed.
const builtinEquipmentSchema = `
#Equipment: {
	// canonical_name names destination folders; it must be usable as a folder name
	canonical_name: string & =~"^[^/\\\\:*?\"<>|]+$"

	// display_name is shown to users
	display_name: string & !=""

	// repository_path is rooted at the repository root "$/"
	repository_path: string & =~"^\\$/"

	// descriptor is the library project descriptor file
	descriptor?: string & =~"(?i)\\.ipj$"

	// assembly is the primary assembly file
	assembly?: string & =~"(?i)\\.iam$"
}
`

const builtinCatalogSchema = `
#Catalog: {
	equipment: [...#Equipment]
}
`
