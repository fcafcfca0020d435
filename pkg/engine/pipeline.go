package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/equiplace/equiplace/pkg/engine"

// Config holds the collaborators and settings of a Pipeline.
type Config struct {
	// Catalog resolves equipment names. Required.
	Catalog Catalog

	// Layout locates modules, descriptors and top assemblies.
	Layout Layout

	// StagingRoot is the shared local download root. Required.
	StagingRoot string

	// Repository is the content repository. Required.
	Repository Repository

	// Authoring is the CAD authoring engine. Required.
	Authoring AuthoringEngine

	// Filesystem is the local filesystem. Required.
	Filesystem Filesystem

	// Metadata holds the fixed property values.
	Metadata MetadataDefaults

	// ProjectNumberer computes the composite project number. Optional.
	ProjectNumberer ProjectNumberer

	// Policy evaluates preflight policies. Optional.
	Policy PolicyEvaluator

	// Recorder persists history. Optional.
	Recorder Recorder

	// Events receives placement events. Optional.
	Events EventPublisher

	// Metrics receives measurements. Optional.
	Metrics Metrics

	// BatchSize is the fetch batch size.
	BatchSize int

	// Exclusions are skipped during fetch.
	Exclusions Exclusions

	// Weights is the progress model. Defaults to DefaultStageWeights.
	Weights []StageWeight

	// Logger is the base logger.
	Logger zerolog.Logger

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Pipeline places equipment into destination modules, one placement at a time.
type Pipeline struct {
	cfg      Config
	cleaner  *StagingCleaner
	fetcher  *Fetcher
	validate *validator.Validate
	tracer   trace.Tracer
	metrics  Metrics
	logger   zerolog.Logger
	running  atomic.Bool
}

// NewPipeline creates a pipeline after checking that required collaborators are set.
func NewPipeline(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Catalog == nil:
		return nil, fmt.Errorf("catalog is required")
	case cfg.Repository == nil:
		return nil, fmt.Errorf("repository is required")
	case cfg.Authoring == nil:
		return nil, fmt.Errorf("authoring engine is required")
	case cfg.Filesystem == nil:
		return nil, fmt.Errorf("filesystem is required")
	case cfg.StagingRoot == "":
		return nil, fmt.Errorf("staging root is required")
	case cfg.Layout.ProjectsRoot == "":
		return nil, fmt.Errorf("projects root is required")
	}

	if err := cfg.Exclusions.Validate(); err != nil {
		return nil, err
	}
	if cfg.Layout.EquipmentFolder == "" {
		defaults := DefaultLayout(cfg.Layout.ProjectsRoot)
		cfg.Layout.EquipmentFolder = defaults.EquipmentFolder
	}
	if cfg.Layout.DescriptorTemplate == "" {
		cfg.Layout.DescriptorTemplate = DefaultLayout("").DescriptorTemplate
	}
	if cfg.Layout.TopAssemblyTemplate == "" {
		cfg.Layout.TopAssemblyTemplate = DefaultLayout("").TopAssemblyTemplate
	}
	if cfg.Layout.AssemblyExt == "" {
		cfg.Layout.AssemblyExt = DefaultLayout("").AssemblyExt
	}
	if cfg.Metadata.PlaceholderProperty == "" {
		cfg.Metadata.PlaceholderProperty = PropertyPlaceholder
	}
	if cfg.Metadata.DateFormat == "" {
		cfg.Metadata.DateFormat = "2006-01-02"
	}
	if len(cfg.Weights) == 0 {
		cfg.Weights = DefaultStageWeights
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	logger := cfg.Logger.With().Str("component", "pipeline").Logger()

	return &Pipeline{
		cfg:      cfg,
		cleaner:  NewStagingCleaner(cfg.Filesystem, cfg.StagingRoot, cfg.Logger),
		fetcher:  NewFetcher(cfg.Repository, cfg.Filesystem, cfg.BatchSize, cfg.Exclusions, cfg.Logger),
		validate: validator.New(),
		tracer:   otel.Tracer(tracerName),
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Cleaner returns the staging cleaner used by the pipeline.
func (p *Pipeline) Cleaner() *StagingCleaner {
	return p.cleaner
}

// placementRun carries the state of one placement through the stages.
type placementRun struct {
	id        string
	req       PlaceRequest
	placement *PlacementRequest
	alloc     Allocation
	result    *PlacementResult
	record    *Placement
	tracker   *Tracker
	logger    zerolog.Logger
	stages    map[Stage]bool

	// assemblyPath is the cloned primary assembly located by the metadata stage.
	assemblyPath string
}

// Place runs one placement. The returned result is never nil unless another placement
// is in progress; on a fatal failure the error is the classified PlacementError.
func (p *Pipeline) Place(ctx context.Context, req PlaceRequest) (*PlacementResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrPlacementInProgress
	}
	defer p.running.Store(false)

	run := p.newRun(req)

	ctx, span := p.tracer.Start(ctx, "placement",
		trace.WithAttributes(
			attribute.String("placement.id", run.id),
			attribute.String("placement.equipment", req.Equipment),
			attribute.String("placement.module", req.Module),
		),
	)
	defer span.End()

	p.metrics.RecordPlacementStarted(req.Equipment)
	p.saveRecord(ctx, run)
	p.publish(ctx, run, EventTypePlacementStarted, "", "Placement started: "+req.Equipment, nil)
	run.logger.Info().
		Str("project", req.Project).
		Str("reference", req.Reference).
		Str("module", req.Module).
		Msg("Placement started")

	err := p.execute(ctx, run)

	if run.placement != nil {
		span.SetAttributes(attribute.String("placement.suffix", run.placement.Suffix))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return p.finish(ctx, run, err)
}

func (p *Pipeline) newRun(req PlaceRequest) *placementRun {
	id := uuid.New().String()
	run := &placementRun{
		id:  id,
		req: req,
		result: &PlacementResult{
			PlacementID: id,
			Status:      PlacementStatusRunning,
			Equipment:   req.Equipment,
		},
		record: &Placement{
			ID:        id,
			Project:   req.Project,
			Reference: req.Reference,
			Module:    req.Module,
			Equipment: req.Equipment,
			User:      req.User,
			Status:    PlacementStatusRunning,
			StartedAt: p.cfg.Clock(),
		},
		logger: p.logger.With().Str("placement_id", id).Str("equipment", req.Equipment).Logger(),
		stages: make(map[Stage]bool),
	}

	run.tracker = NewTracker(p.cfg.Weights, func(percent int, stage Stage, message string) {
		if req.Progress != nil {
			req.Progress(percent, stage, message)
		}
		p.publish(context.Background(), run, EventTypeProgress, stage, message, map[string]interface{}{
			"percent": percent,
		})
	})

	return run
}

// execute runs the stages in order. Post-clean is registered once preflight has passed
// and runs on every later exit path.
func (p *Pipeline) execute(ctx context.Context, run *placementRun) error {
	if err := p.runStage(ctx, run, StageResolve, func(ctx context.Context) (string, error) {
		return p.resolve(run)
	}); err != nil {
		return err
	}

	if err := p.runStage(ctx, run, StageAllocate, func(ctx context.Context) (string, error) {
		return p.allocate(run)
	}); err != nil {
		return err
	}

	if err := p.runStage(ctx, run, StagePreflight, func(ctx context.Context) (string, error) {
		return p.preflight(ctx, run)
	}); err != nil {
		return err
	}

	defer func() {
		cleanCtx := context.WithoutCancel(ctx)
		_ = p.runStage(cleanCtx, run, StagePostClean, func(ctx context.Context) (string, error) {
			return p.clean(run, StagePostClean), nil
		})
	}()

	if err := p.runStage(ctx, run, StagePreClean, func(ctx context.Context) (string, error) {
		return p.clean(run, StagePreClean), nil
	}); err != nil {
		return err
	}

	if err := p.runStage(ctx, run, StageFetch, func(ctx context.Context) (string, error) {
		return p.fetch(ctx, run)
	}); err != nil {
		return err
	}

	return p.runBoundary(ctx, run)
}

func (p *Pipeline) resolve(run *placementRun) (string, error) {
	if err := p.validate.Struct(run.req); err != nil {
		return "", NewConfigurationError("invalid placement request", err).
			WithCode(ErrCodeInvalidRequest)
	}
	if run.req.Suffix != nil && !IsValidSuffix(*run.req.Suffix) {
		return "", NewConfigurationError("invalid instance suffix: "+*run.req.Suffix, nil).
			WithCode(ErrCodeInvalidSuffix).
			WithDetail("allowed", InstanceSuffixes)
	}

	entry, err := p.cfg.Catalog.Resolve(run.req.Equipment)
	if err != nil {
		return "", err
	}
	if err := entry.Validate(); err != nil {
		return "", err
	}

	run.placement = &PlacementRequest{
		ID:        run.id,
		Project:   run.req.Project,
		Reference: run.req.Reference,
		Module:    run.req.Module,
		Entry:     *entry,
	}
	run.result.Equipment = entry.DisplayName
	run.record.Equipment = entry.DisplayName

	return "resolved to " + entry.RepositoryPath, nil
}

func (p *Pipeline) allocate(run *placementRun) (string, error) {
	root := p.cfg.Layout.EquipmentRoot(run.placement)
	name := run.placement.Entry.CanonicalName

	alloc, err := Allocate(p.cfg.Filesystem, root, name)
	if err != nil {
		return "", NewPreconditionError("failed to list destination equipment folder", err).
			WithDetail("path", root)
	}

	if run.req.Suffix != nil {
		override := *run.req.Suffix
		run.placement.Suffix = override
		alloc.Suffix = override
		alloc.Overwrite = p.cfg.Filesystem.Exists(p.cfg.Layout.DestinationFolder(run.placement))
		if alloc.Overwrite {
			alloc.Status = fmt.Sprintf("will overwrite %s%s", name, override)
		} else {
			alloc.Status = fmt.Sprintf("will create %s%s", name, override)
		}
	}

	run.alloc = alloc
	run.placement.Suffix = alloc.Suffix
	run.result.Suffix = alloc.Suffix
	run.result.AllocationStatus = alloc.Status
	run.result.DestinationFolder = p.cfg.Layout.DestinationFolder(run.placement)
	run.record.Suffix = alloc.Suffix

	return alloc.Status, nil
}

func (p *Pipeline) preflight(ctx context.Context, run *placementRun) (string, error) {
	descriptor := p.cfg.Layout.DescriptorPath(run.placement)
	if !p.cfg.Filesystem.Exists(descriptor) {
		return "", NewPreconditionError("destination descriptor not found: "+descriptor, nil).
			WithCode(ErrCodeMissingDescriptor).
			WithDetail("path", descriptor)
	}

	top := p.cfg.Layout.TopAssemblyPath(run.placement)
	if !p.cfg.Filesystem.Exists(top) {
		return "", NewPreconditionError("destination top assembly not found: "+top, nil).
			WithCode(ErrCodeMissingTopAssembly).
			WithDetail("path", top)
	}

	if run.alloc.Overwrite && run.req.RefuseOverwrite {
		return "", NewPreconditionError(run.alloc.Status+" and overwrite is refused", nil).
			WithCode(ErrCodeOverwriteRefused).
			WithDetail("destination", run.result.DestinationFolder)
	}

	if p.cfg.Policy == nil {
		return "destination ready", nil
	}

	input := &PolicyInput{
		Project:           run.placement.Project,
		Reference:         run.placement.Reference,
		Module:            run.placement.Module,
		Entry:             run.placement.Entry,
		Suffix:            run.alloc.Suffix,
		Occupied:          run.alloc.Occupied,
		Overwrite:         run.alloc.Overwrite,
		DestinationFolder: run.result.DestinationFolder,
	}

	res, err := p.cfg.Policy.EvaluatePlacement(ctx, input)
	if err != nil {
		return "", NewPreconditionError("policy evaluation failed", err).
			WithCode(ErrCodePolicyEvaluation)
	}

	for _, w := range res.Warnings {
		p.warn(ctx, run, StagePreflight, w, nil)
	}

	if !res.Allowed {
		msgs := make([]string, 0, len(res.Violations))
		for _, v := range res.Violations {
			if v.Severity == "error" {
				msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
			}
		}
		return "", NewPreconditionError("placement denied by policy", nil).
			WithCode(ErrCodePolicyDenied).
			WithDetail("violations", msgs)
	}

	return fmt.Sprintf("destination ready, %d policy warnings", len(res.Warnings)), nil
}

// clean purges the staging root. Failures never replace the placement's outcome.
func (p *Pipeline) clean(run *placementRun, stage Stage) string {
	res, err := p.cleaner.Clean()
	if err != nil {
		p.warn(context.Background(), run, stage, "staging cleanup failed", err)
	}
	if n := len(res.Residual); n > 0 {
		p.metrics.RecordCleanupResidual(n)
		if stage == StagePostClean {
			run.result.CleanupResidual = n
		}
		p.warn(context.Background(), run, stage,
			fmt.Sprintf("%d staged files could not be removed", n), nil)
	}
	run.tracker.Complete(stage, "staging root cleaned")
	return fmt.Sprintf("%d residual", len(res.Residual))
}

func (p *Pipeline) fetch(ctx context.Context, run *placementRun) (string, error) {
	res, err := p.fetcher.Fetch(ctx, run.placement.Entry, p.cfg.StagingRoot, func(done, total int) {
		run.tracker.Update(StageFetch, done*100/total, fmt.Sprintf("downloaded %d of %d files", done, total))
	})
	run.result.FilesFound = res.FilesFound
	run.result.FilesFetched = res.FilesFetched
	if err != nil {
		return "", err
	}

	p.metrics.RecordFilesFetched(res.FilesFetched)
	for i := 0; i < res.FailedBatches; i++ {
		p.metrics.RecordFetchBatchFailure()
	}
	for _, w := range res.Warnings {
		p.warn(ctx, run, StageFetch, w, nil)
	}

	run.tracker.Complete(StageFetch, fmt.Sprintf("%d files found", res.FilesFound))
	return fmt.Sprintf("%d files found, %d fetched", res.FilesFound, res.FilesFetched), nil
}

// runBoundary runs copy-design, metadata and insertion. A fatal error in any of them
// triggers the rollback before it is returned.
func (p *Pipeline) runBoundary(ctx context.Context, run *placementRun) error {
	err := p.runStage(ctx, run, StageCopyDesign, func(ctx context.Context) (string, error) {
		return p.copyDesign(ctx, run)
	})
	if err == nil {
		err = p.runStage(ctx, run, StageMetadata, func(ctx context.Context) (string, error) {
			return p.writeMetadata(ctx, run)
		})
	}
	if err == nil {
		err = p.runStage(ctx, run, StageInsertion, func(ctx context.Context) (string, error) {
			return p.insert(ctx, run)
		})
	}

	if err != nil && IsFatal(err) {
		p.rollback(ctx, run)
	}
	return err
}

// runStage wraps one stage with a span, history records, events and metrics.
func (p *Pipeline) runStage(
	ctx context.Context,
	run *placementRun,
	stage Stage,
	fn func(ctx context.Context) (string, error),
) error {
	run.stages[stage] = true
	start := p.cfg.Clock()
	warningsBefore := len(run.result.Warnings)

	ctx, span := p.tracer.Start(ctx, "placement."+string(stage),
		trace.WithAttributes(
			attribute.String("placement.id", run.id),
			attribute.String("placement.stage", string(stage)),
		),
	)
	defer span.End()

	logger := run.logger.With().Str("stage", string(stage)).Logger()
	logger.Debug().Msg("Stage started")

	rec := &StageRecord{
		PlacementID: run.id,
		Stage:       stage,
		Status:      StageStatusRunning,
		StartedAt:   start,
	}
	p.saveStage(ctx, rec)
	p.publish(ctx, run, EventTypeStageStarted, stage, "Stage started: "+string(stage), nil)

	detail, err := fn(ctx)

	end := p.cfg.Clock()
	duration := end.Sub(start)
	rec.CompletedAt = &end
	rec.Detail = detail

	switch {
	case err != nil && IsFatal(err):
		var pe *PlacementError
		if errors.As(err, &pe) && pe.Stage == "" {
			pe.Stage = stage
		}
		rec.Status = StageStatusFailed
		rec.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Dur("duration", duration).Msg("Stage failed")
		p.publish(ctx, run, EventTypeStageFailed, stage, err.Error(), map[string]interface{}{
			"kind": KindOf(err),
		})
	case len(run.result.Warnings) > warningsBefore:
		rec.Status = StageStatusDegraded
		logger.Info().Dur("duration", duration).Str("detail", detail).Msg("Stage completed with warnings")
		p.publish(ctx, run, EventTypeStageCompleted, stage, detail, map[string]interface{}{
			"degraded": true,
		})
	default:
		rec.Status = StageStatusSucceeded
		logger.Info().Dur("duration", duration).Str("detail", detail).Msg("Stage completed")
		p.publish(ctx, run, EventTypeStageCompleted, stage, detail, nil)
	}

	p.saveStage(ctx, rec)
	p.metrics.RecordStage(string(stage), string(rec.Status), duration)

	return err
}

// finish derives the final status and result from the run state.
func (p *Pipeline) finish(ctx context.Context, run *placementRun, err error) (*PlacementResult, error) {
	ctx = context.WithoutCancel(ctx)
	end := p.cfg.Clock()
	result := run.result
	result.Duration = end.Sub(run.record.StartedAt)

	if err != nil {
		result.Success = false
		result.Status = PlacementStatusFailed
		result.Error = err.Error()

		code := ""
		var pe *PlacementError
		if errors.As(err, &pe) {
			code = pe.Code
		}
		p.metrics.RecordError(KindOf(err), code)
	} else {
		if result.Status != PlacementStatusManual {
			result.Status = PlacementStatusSucceeded
		}
		result.Success = result.Status.IsSuccess()
	}

	run.tracker.Finish("placement finished")

	run.record.Status = result.Status
	run.record.FilesCopied = result.FilesCopied
	run.record.Error = result.Error
	run.record.CompletedAt = &end
	p.saveRecord(ctx, run)
	p.recordSkipped(ctx, run, end)

	p.metrics.RecordPlacementCompleted(string(result.Status), result.Duration)

	if err != nil {
		run.logger.Error().Err(err).
			Str("kind", KindOf(err)).
			Dur("duration", result.Duration).
			Msg("Placement failed")
		p.publish(ctx, run, EventTypePlacementFailed, "", "Placement failed: "+err.Error(), map[string]interface{}{
			"kind": KindOf(err),
		})
		return result, err
	}

	run.logger.Info().
		Str("status", string(result.Status)).
		Str("destination", result.DestinationFolder).
		Int("files_copied", result.FilesCopied).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Placement completed")
	p.publish(ctx, run, EventTypePlacementCompleted, "", "Placement completed: "+result.Message, map[string]interface{}{
		"status":      string(result.Status),
		"destination": result.DestinationFolder,
	})

	return result, nil
}

var pipelineStages = []Stage{
	StageResolve, StageAllocate, StagePreflight, StagePreClean,
	StageFetch, StageCopyDesign, StageMetadata, StageInsertion, StagePostClean,
}

func (p *Pipeline) recordSkipped(ctx context.Context, run *placementRun, at time.Time) {
	if p.cfg.Recorder == nil {
		return
	}
	for _, stage := range pipelineStages {
		if run.stages[stage] {
			continue
		}
		p.saveStage(ctx, &StageRecord{
			PlacementID: run.id,
			Stage:       stage,
			Status:      StageStatusSkipped,
			StartedAt:   at,
			CompletedAt: &at,
		})
	}
}

// warn records a non-fatal failure.
func (p *Pipeline) warn(ctx context.Context, run *placementRun, stage Stage, msg string, err error) {
	text := msg
	if err != nil {
		text = fmt.Sprintf("%s: %v", msg, err)
	}
	run.result.Warnings = append(run.result.Warnings, text)

	run.logger.Warn().Err(err).Str("stage", string(stage)).Msg(msg)
	p.publish(ctx, run, EventTypeWarning, stage, text, nil)
}

func (p *Pipeline) publish(
	ctx context.Context,
	run *placementRun,
	eventType EventType,
	stage Stage,
	message string,
	details map[string]interface{},
) {
	if p.cfg.Events == nil {
		return
	}

	event := &Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   p.cfg.Clock(),
		PlacementID: run.id,
		Stage:       stage,
		Message:     message,
		Progress:    run.tracker.Current(),
		Details:     details,
		Level:       eventType.Severity(),
	}

	if err := p.cfg.Events.Publish(ctx, event); err != nil {
		run.logger.Debug().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}

func (p *Pipeline) saveRecord(ctx context.Context, run *placementRun) {
	if p.cfg.Recorder == nil {
		return
	}
	if err := p.cfg.Recorder.SavePlacement(ctx, run.record); err != nil {
		run.logger.Warn().Err(err).Msg("Failed to save placement record")
	}
}

func (p *Pipeline) saveStage(ctx context.Context, rec *StageRecord) {
	if p.cfg.Recorder == nil {
		return
	}
	if err := p.cfg.Recorder.SaveStage(ctx, rec); err != nil {
		p.logger.Warn().Err(err).
			Str("placement_id", rec.PlacementID).
			Str("stage", string(rec.Stage)).
			Msg("Failed to save stage record")
	}
}

type noopMetrics struct{}

func (noopMetrics) RecordPlacementStarted(string)                 {}
func (noopMetrics) RecordPlacementCompleted(string, time.Duration) {}
func (noopMetrics) RecordStage(string, string, time.Duration)      {}
func (noopMetrics) RecordFilesFetched(int)                         {}
func (noopMetrics) RecordFetchBatchFailure()                       {}
func (noopMetrics) RecordPropertyWriteFailure(string)              {}
func (noopMetrics) RecordCleanupResidual(int)                      {}
func (noopMetrics) RecordError(string, string)                     {}
