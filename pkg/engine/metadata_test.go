package engine

import (
	"context"
	"testing"
)

func TestUpsertProperty_NoDuplicates(t *testing.T) {
	authoring := newMockAuthoring()
	ctx := context.Background()

	if err := authoring.Open(ctx, "clone.iam"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	props, err := authoring.Properties(ctx)
	if err != nil {
		t.Fatalf("Properties failed: %v", err)
	}

	if err := upsertProperty(ctx, props, PropertyDesigner, "JD"); err != nil {
		t.Fatalf("First upsert failed: %v", err)
	}
	if err := upsertProperty(ctx, props, PropertyDesigner, "MK"); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	values, _ := props.List(ctx)
	if len(values) != 1 {
		t.Errorf("Expected exactly one property, got %d", len(values))
	}
	if values[PropertyDesigner] != "MK" {
		t.Errorf("Expected latest value MK, got %q", values[PropertyDesigner])
	}
}
