package engine

import (
	"sync"
)

// ProgressFunc receives global progress updates. Percent is always in [0, 100] and
// never decreases within one placement.
type ProgressFunc func(percent int, stage Stage, message string)

// StageWeight assigns a share of the global progress scale to a stage.
type StageWeight struct {
	Stage  Stage
	Weight int
}

// DefaultStageWeights is the progress model used by the pipeline.
var DefaultStageWeights = []StageWeight{
	{Stage: StagePreClean, Weight: 5},
	{Stage: StageFetch, Weight: 55},
	{Stage: StageCopyDesign, Weight: 10},
	{Stage: StageMetadata, Weight: 10},
	{Stage: StageInsertion, Weight: 15},
	{Stage: StagePostClean, Weight: 5},
}

// Tracker maps per-stage progress onto one monotonic 0-100 cursor.
type Tracker struct {
	mu      sync.Mutex
	offsets map[Stage]float64
	spans   map[Stage]float64
	cursor  int
	sink    func(percent int, stage Stage, message string)
}

// NewTracker creates a tracker over the given weights. Stages not listed report no
// movement. sink may be nil.
func NewTracker(weights []StageWeight, sink func(percent int, stage Stage, message string)) *Tracker {
	total := 0
	for _, w := range weights {
		if w.Weight > 0 {
			total += w.Weight
		}
	}

	t := &Tracker{
		offsets: make(map[Stage]float64, len(weights)),
		spans:   make(map[Stage]float64, len(weights)),
		sink:    sink,
	}
	if total == 0 {
		return t
	}

	acc := 0.0
	for _, w := range weights {
		if w.Weight <= 0 {
			continue
		}
		span := float64(w.Weight) * 100 / float64(total)
		t.offsets[w.Stage] = acc
		t.spans[w.Stage] = span
		acc += span
	}
	return t
}

// Update reports stage-local progress (0-100). The global cursor only moves forward.
func (t *Tracker) Update(stage Stage, local int, message string) int {
	if local < 0 {
		local = 0
	}
	if local > 100 {
		local = 100
	}

	t.mu.Lock()
	offset, ok := t.offsets[stage]
	target := t.cursor
	if ok {
		target = int(offset + t.spans[stage]*float64(local)/100)
	}
	if target > 100 {
		target = 100
	}
	if target > t.cursor {
		t.cursor = target
	}
	current := t.cursor
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		sink(current, stage, message)
	}
	return current
}

// Complete marks a stage as finished.
func (t *Tracker) Complete(stage Stage, message string) int {
	return t.Update(stage, 100, message)
}

// Finish moves the cursor to 100.
func (t *Tracker) Finish(message string) int {
	t.mu.Lock()
	t.cursor = 100
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		sink(100, StagePostClean, message)
	}
	return 100
}

// Current returns the cursor value.
func (t *Tracker) Current() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}
