package config

import (
	"testing"

	"github.com/equiplace/equiplace/pkg/engine"
)

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	for _, name := range []string{SchemaCatalog, SchemaEquipment} {
		schema, ok := sr.GetSchema(name)
		if !ok {
			t.Fatalf("built-in schema %s not found", name)
		}
		if schema.Err() != nil {
			t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
		}
	}

	names := sr.ListSchemas()
	if len(names) != 2 || names[0] != SchemaCatalog {
		t.Errorf("Expected sorted built-in schemas, got %v", names)
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("site", `#Site: { name: string }`); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	if _, err := sr.Definition("site", "#Site"); err != nil {
		t.Errorf("Expected #Site definition: %v", err)
	}

	if err := sr.RegisterSchema("broken", `#Broken: { name: }`); err == nil {
		t.Error("Expected compile error for broken schema")
	}
	if _, err := sr.Definition("missing", "#X"); err == nil {
		t.Error("Expected error for unknown schema")
	}
}

func TestSchemaRegistry_ValidateEntry(t *testing.T) {
	sr := NewSchemaRegistry()

	tests := []struct {
		name    string
		entry   engine.CatalogEntry
		wantErr bool
	}{
		{
			name: "complete entry",
			entry: engine.CatalogEntry{
				CanonicalName:  "Angular Filter",
				DisplayName:    "Angular Filter",
				RepositoryPath: "$/Library/Equipment/Angular Filter",
				Descriptor:     "Angular Filter.ipj",
				Assembly:       "Angular Filter.iam",
			},
		},
		{
			name: "incomplete entry",
			entry: engine.CatalogEntry{
				CanonicalName:  "Cyclone",
				DisplayName:    "Cyclone",
				RepositoryPath: "$/Library/Equipment/Cyclone",
			},
		},
		{
			name: "relative repository path",
			entry: engine.CatalogEntry{
				CanonicalName:  "Cyclone",
				DisplayName:    "Cyclone",
				RepositoryPath: "Library/Equipment/Cyclone",
			},
			wantErr: true,
		},
		{
			name: "assembly with wrong extension",
			entry: engine.CatalogEntry{
				CanonicalName:  "Cyclone",
				DisplayName:    "Cyclone",
				RepositoryPath: "$/Library/Equipment/Cyclone",
				Descriptor:     "Cyclone.ipj",
				Assembly:       "Cyclone.ipt",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateEntry(tt.entry)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEntry() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_ValidateAgainstSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.ValidateAgainstSchema("missing", struct{}{}); err == nil {
		t.Error("Expected error for unknown schema")
	}
}
