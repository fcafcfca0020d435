package engine

import (
	"encoding/json"
	"fmt"
)

// PlacementStatus represents the overall status of a placement run.
type PlacementStatus string

const (
	// PlacementStatusPending indicates the placement was accepted but no stage has run yet.
	PlacementStatusPending PlacementStatus = "pending"

	// PlacementStatusRunning indicates the pipeline is executing.
	PlacementStatusRunning PlacementStatus = "running"

	// PlacementStatusSucceeded indicates the clone was placed and inserted into the top assembly.
	PlacementStatusSucceeded PlacementStatus = "succeeded"

	// PlacementStatusManual indicates the clone was placed but component insertion failed,
	// so the user has to insert it by hand.
	PlacementStatusManual PlacementStatus = "manual_placement_required"

	// PlacementStatusFailed indicates a fatal error aborted the pipeline.
	PlacementStatusFailed PlacementStatus = "failed"
)

// IsTerminal returns true if the placement status represents a final state.
func (s PlacementStatus) IsTerminal() bool {
	return s == PlacementStatusSucceeded || s == PlacementStatusManual || s == PlacementStatusFailed
}

// IsSuccess returns true if the clone reached the destination module.
func (s PlacementStatus) IsSuccess() bool {
	return s == PlacementStatusSucceeded || s == PlacementStatusManual
}

// Validate checks if the placement status is valid.
func (s PlacementStatus) Validate() error {
	switch s {
	case PlacementStatusPending, PlacementStatusRunning, PlacementStatusSucceeded,
		PlacementStatusManual, PlacementStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid placement status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s PlacementStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PlacementStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PlacementStatus(str)
	return s.Validate()
}

// Stage identifies one step of the placement pipeline.
type Stage string

const (
	StageResolve    Stage = "resolve"
	StageAllocate   Stage = "allocate"
	StagePreflight  Stage = "preflight"
	StagePreClean   Stage = "pre_clean"
	StageFetch      Stage = "fetch"
	StageCopyDesign Stage = "copy_design"
	StageMetadata   Stage = "metadata"
	StageInsertion  Stage = "insertion"
	StageRollback   Stage = "rollback"
	StagePostClean  Stage = "post_clean"
)

// Validate checks if the stage is known.
func (s Stage) Validate() error {
	switch s {
	case StageResolve, StageAllocate, StagePreflight, StagePreClean, StageFetch,
		StageCopyDesign, StageMetadata, StageInsertion, StageRollback, StagePostClean:
		return nil
	default:
		return fmt.Errorf("invalid stage: %s", s)
	}
}

// StageStatus represents the outcome of a single stage.
type StageStatus string

const (
	// StageStatusRunning indicates the stage is executing.
	StageStatusRunning StageStatus = "running"

	// StageStatusSucceeded indicates the stage established its postcondition.
	StageStatusSucceeded StageStatus = "succeeded"

	// StageStatusDegraded indicates the stage finished with non-fatal failures.
	StageStatusDegraded StageStatus = "degraded"

	// StageStatusFailed indicates the stage raised a fatal error.
	StageStatusFailed StageStatus = "failed"

	// StageStatusSkipped indicates the stage never ran because an earlier stage aborted.
	StageStatusSkipped StageStatus = "skipped"
)

// IsTerminal returns true if the stage status represents a final state.
func (s StageStatus) IsTerminal() bool {
	return s != StageStatusRunning
}

// Validate checks if the stage status is valid.
func (s StageStatus) Validate() error {
	switch s {
	case StageStatusRunning, StageStatusSucceeded, StageStatusDegraded,
		StageStatusFailed, StageStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid stage status: %s", s)
	}
}

// EventType represents the type of event in the placement timeline.
type EventType string

const (
	// EventTypePlacementStarted indicates a placement has started.
	EventTypePlacementStarted EventType = "placement_started"

	// EventTypePlacementCompleted indicates a placement finished with a successful status.
	EventTypePlacementCompleted EventType = "placement_completed"

	// EventTypePlacementFailed indicates a placement was aborted by a fatal error.
	EventTypePlacementFailed EventType = "placement_failed"

	// EventTypeStageStarted indicates a stage has started.
	EventTypeStageStarted EventType = "stage_started"

	// EventTypeStageCompleted indicates a stage has completed.
	EventTypeStageCompleted EventType = "stage_completed"

	// EventTypeStageFailed indicates a stage raised a fatal error.
	EventTypeStageFailed EventType = "stage_failed"

	// EventTypeProgress carries an updated global progress value.
	EventTypeProgress EventType = "progress"

	// EventTypeWarning indicates a non-fatal failure.
	EventTypeWarning EventType = "warning"

	// EventTypeInfo indicates informational event.
	EventTypeInfo EventType = "info"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypePlacementFailed, EventTypeStageFailed:
		return "error"
	case EventTypeWarning:
		return "warning"
	default:
		return "info"
	}
}
