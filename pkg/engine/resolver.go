package engine

import (
	"sort"
	"strings"
)

// Resolver resolves equipment names against a static catalog.
type Resolver struct {
	entries []CatalogEntry
}

// NewResolver creates a resolver over a copy of the given entries.
func NewResolver(entries []CatalogEntry) *Resolver {
	cp := make([]CatalogEntry, len(entries))
	copy(cp, entries)
	return &Resolver{entries: cp}
}

// Resolve matches name case-insensitively, in tiers: display name, canonical name,
// repository folder name, then repository path suffix. The first tier with any match
// wins; more than one match in that tier is ambiguous. The matched entry is validated
// so an entry without descriptor or assembly never leaves the resolver.
func (r *Resolver) Resolve(name string) (*CatalogEntry, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return nil, NewConfigurationError("equipment name is empty", nil).
			WithStage(StageResolve).
			WithCode(ErrCodeInvalidRequest)
	}

	tiers := []func(CatalogEntry) bool{
		func(e CatalogEntry) bool { return strings.ToLower(e.DisplayName) == needle },
		func(e CatalogEntry) bool { return strings.ToLower(e.CanonicalName) == needle },
		func(e CatalogEntry) bool { return strings.ToLower(e.FolderName()) == needle },
		func(e CatalogEntry) bool {
			p := strings.ToLower(strings.TrimRight(e.RepositoryPath, "/"))
			return strings.HasSuffix(p, "/"+strings.TrimLeft(needle, "$/"))
		},
	}

	for _, match := range tiers {
		var found []CatalogEntry
		for _, e := range r.entries {
			if match(e) {
				found = append(found, e)
			}
		}
		switch len(found) {
		case 0:
			continue
		case 1:
			entry := found[0]
			if err := entry.Validate(); err != nil {
				return nil, err.(*PlacementError).WithStage(StageResolve)
			}
			return &entry, nil
		default:
			names := make([]string, len(found))
			for i, e := range found {
				names[i] = e.DisplayName
			}
			return nil, NewConfigurationError("equipment name is ambiguous", nil).
				WithStage(StageResolve).
				WithCode(ErrCodeAmbiguous).
				WithDetail("equipment", name).
				WithDetail("candidates", names)
		}
	}

	return nil, NewConfigurationError("equipment not found in catalog: "+name, nil).
		WithStage(StageResolve).
		WithCode(ErrCodeUnresolved).
		WithDetail("equipment", name)
}

// List returns all entries sorted by display name.
func (r *Resolver) List() []CatalogEntry {
	out := make([]CatalogEntry, len(r.entries))
	copy(out, r.entries)
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].DisplayName) < strings.ToLower(out[j].DisplayName)
	})
	return out
}
