package engine

import (
	"fmt"
	"strings"
)

// Allocation is the outcome of instance allocation.
type Allocation struct {
	// Suffix is the chosen instance token.
	Suffix string `json:"suffix"`

	// Occupied lists the tokens already present, in priority order.
	Occupied []string `json:"occupied"`

	// Overwrite is true when every slot was taken and the last one is reused.
	Overwrite bool `json:"overwrite"`

	// Status describes what will be created or overwritten.
	Status string `json:"status"`
}

// OccupiedSuffixes maps existing folder names to the instance tokens they occupy.
// Only names starting with canonicalName count. The bare name occupies "_01"; any
// other matching name ending in "_01".."_04" occupies that token, so
// "Angular Filter Copy_01" holds "_01" as well.
func OccupiedSuffixes(folders []string, canonicalName string) map[string]bool {
	occupied := make(map[string]bool)
	prefix := strings.ToLower(canonicalName)

	for _, name := range folders {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		rest := lower[len(prefix):]
		if rest == "" {
			occupied[InstanceSuffixes[0]] = true
			continue
		}
		for _, token := range InstanceSuffixes {
			if strings.HasSuffix(rest, token) {
				occupied[token] = true
			}
		}
	}

	return occupied
}

// AllocateFromListing picks the first free token in priority order. When all four are
// occupied it returns the last token and marks the allocation as an overwrite.
func AllocateFromListing(folders []string, canonicalName string) Allocation {
	occupied := OccupiedSuffixes(folders, canonicalName)

	alloc := Allocation{Occupied: make([]string, 0, len(occupied))}
	for _, token := range InstanceSuffixes {
		if occupied[token] {
			alloc.Occupied = append(alloc.Occupied, token)
		}
	}

	for _, token := range InstanceSuffixes {
		if !occupied[token] {
			alloc.Suffix = token
			alloc.Status = fmt.Sprintf("will create %s%s", canonicalName, token)
			return alloc
		}
	}

	last := InstanceSuffixes[len(InstanceSuffixes)-1]
	alloc.Suffix = last
	alloc.Overwrite = true
	alloc.Status = fmt.Sprintf("will overwrite %s%s (all instance slots occupied)", canonicalName, last)
	return alloc
}

// Allocate lists the immediate subfolders of equipmentRoot and allocates a suffix.
// It performs no mutation.
func Allocate(fs Filesystem, equipmentRoot, canonicalName string) (Allocation, error) {
	folders, err := fs.ListDirs(equipmentRoot)
	if err != nil {
		return Allocation{}, fmt.Errorf("failed to list equipment folder %s: %w", equipmentRoot, err)
	}
	return AllocateFromListing(folders, canonicalName), nil
}
