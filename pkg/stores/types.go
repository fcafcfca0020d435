package stores

import (
	"errors"
	"time"

	"github.com/equiplace/equiplace/pkg/engine"
)

// ErrNotFound is returned when a placement does not exist.
var ErrNotFound = errors.New("not found")

// PlacementFilter narrows ListPlacements. Empty fields match everything.
type PlacementFilter struct {
	Project   string
	Reference string
	Module    string
	Equipment string
	Status    engine.PlacementStatus

	// Since excludes placements started before it.
	Since time.Time

	Limit  int
	Offset int
}

// PlacementHistory is one placement with its stages and events.
type PlacementHistory struct {
	Placement *engine.Placement     `json:"placement"`
	Stages    []*engine.StageRecord `json:"stages"`
	Events    []*engine.Event       `json:"events"`
}

// Stats summarizes placements by status.
type Stats struct {
	Total    int                            `json:"total"`
	ByStatus map[engine.PlacementStatus]int `json:"by_status"`
}
