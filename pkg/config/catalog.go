package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/equiplace/equiplace/pkg/engine"
)

// CatalogParser parses and validates CUE equipment catalogs.
type CatalogParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCatalogParser creates a new catalog parser.
func NewCatalogParser() *CatalogParser {
	ctx := cuecontext.New()
	return &CatalogParser{
		ctx:            ctx,
		schemaRegistry: newSchemaRegistry(ctx),
		validator:      validator.New(),
	}
}

// LoadCatalog reads and parses a catalog file. Read failures are returned as errors;
// content problems are reported in Catalog.Errors.
func (cp *CatalogParser) LoadCatalog(path string) (*Catalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return cp.Parse(path, content), nil
}

// Parse parses catalog source. filename is used for error positions.
func (cp *CatalogParser) Parse(filename string, content []byte) *Catalog {
	catalog := &Catalog{
		SourceFile: filename,
		ParsedAt:   time.Now(),
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		catalog.Errors = cp.convertCUEErrors(filename, err)
		return catalog
	}

	schema, err := cp.schemaRegistry.Definition(SchemaCatalog, "#Catalog")
	if err != nil {
		catalog.Errors = []ValidationError{{File: filename, Message: err.Error(), Severity: "error"}}
		return catalog
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		catalog.Errors = cp.convertCUEErrors(filename, err)
		return catalog
	}

	list := unified.LookupPath(cue.ParsePath("equipment"))
	if err := list.Decode(&catalog.Entries); err != nil {
		catalog.Errors = cp.convertCUEErrors(filename, err)
		return catalog
	}

	catalog.Errors = append(catalog.Errors, cp.checkEntries(filename, list, catalog.Entries)...)
	return catalog
}

// checkEntries applies struct-tag validation and uniqueness rules.
func (cp *CatalogParser) checkEntries(filename string, list cue.Value, entries []engine.CatalogEntry) []ValidationError {
	var verrs []ValidationError

	seenCanonical := make(map[string]int)
	seenDisplay := make(map[string]int)

	for i, entry := range entries {
		path := fmt.Sprintf("equipment.%d", i)
		line, column := cp.position(list, i)

		if err := cp.validator.Struct(entry); err != nil {
			verrs = append(verrs, ValidationError{
				File:     filename,
				Line:     line,
				Column:   column,
				Path:     path,
				Message:  fmt.Sprintf("validation failed: %v", err),
				Severity: "error",
			})
		}

		canonical := strings.ToLower(entry.CanonicalName)
		if prev, ok := seenCanonical[canonical]; ok {
			verrs = append(verrs, ValidationError{
				File:     filename,
				Line:     line,
				Column:   column,
				Path:     path + ".canonical_name",
				Message:  fmt.Sprintf("duplicate canonical name %q (first defined at equipment.%d)", entry.CanonicalName, prev),
				Severity: "error",
			})
		} else {
			seenCanonical[canonical] = i
		}

		display := strings.ToLower(entry.DisplayName)
		if prev, ok := seenDisplay[display]; ok {
			verrs = append(verrs, ValidationError{
				File:     filename,
				Line:     line,
				Column:   column,
				Path:     path + ".display_name",
				Message:  fmt.Sprintf("duplicate display name %q (first defined at equipment.%d)", entry.DisplayName, prev),
				Severity: "error",
			})
		} else {
			seenDisplay[display] = i
		}

		if entry.Descriptor == "" || entry.Assembly == "" {
			verrs = append(verrs, ValidationError{
				File:     filename,
				Line:     line,
				Column:   column,
				Path:     path,
				Message:  fmt.Sprintf("%s has no descriptor or assembly and cannot be placed", entry.DisplayName),
				Severity: "warning",
			})
		}
	}

	return verrs
}

func (cp *CatalogParser) position(list cue.Value, i int) (int, int) {
	v := list.LookupPath(cue.MakePath(cue.Index(i)))
	pos := v.Pos()
	if !pos.IsValid() {
		return 0, 0
	}
	return pos.Line(), pos.Column()
}

// convertCUEErrors converts CUE errors to ValidationError slice. Positions inside
// filename are preferred over positions inside the built-in schema.
func (cp *CatalogParser) convertCUEErrors(filename string, err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		best := -1
		for i, p := range pos {
			if p.Filename() == filename {
				best = i
				break
			}
		}
		if best < 0 && len(pos) > 0 {
			best = 0
		}
		if best >= 0 {
			file = pos[best].Filename()
			line = pos[best].Line()
			column = pos[best].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(errors.Path(e), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// Blocking returns only error-severity entries.
func Blocking(errs []ValidationError) []ValidationError {
	var out []ValidationError
	for _, e := range errs {
		if e.Severity == "error" {
			out = append(out, e)
		}
	}
	return out
}

// LoadCatalog parses path and fails when the catalog has any error-severity finding.
func LoadCatalog(path string) (*Catalog, error) {
	catalog, err := NewCatalogParser().LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	if blocking := Blocking(catalog.Errors); len(blocking) > 0 {
		return catalog, fmt.Errorf("catalog %s has %d error(s): %s", path, len(blocking), blocking[0])
	}
	return catalog, nil
}

// String formats the error as file:line:column: message.
func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}
