package engine

import (
	"context"
	"path/filepath"
)

// insert opens the destination top assembly and adds the clone as a component. A failed
// insertion degrades the placement to manual placement; a failed save after a successful
// insertion is fatal.
func (p *Pipeline) insert(ctx context.Context, run *placementRun) (string, error) {
	top := p.cfg.Layout.TopAssemblyPath(run.placement)

	if err := p.cfg.Authoring.Open(ctx, top); err != nil {
		return p.degradeToManual(ctx, run,
			NewInsertionError("failed to open top assembly", err).
				WithStage(StageInsertion).
				WithCode(ErrCodeOpenFailed).
				WithDetail("path", top))
	}
	run.tracker.Update(StageInsertion, 30, "top assembly opened")

	if err := p.cfg.Authoring.InsertComponent(ctx, run.assemblyPath); err != nil {
		return p.degradeToManual(ctx, run,
			NewInsertionError("failed to insert "+filepath.Base(run.assemblyPath), err).
				WithStage(StageInsertion).
				WithCode(ErrCodeInsertFailed).
				WithDetail("component", run.assemblyPath))
	}
	run.tracker.Update(StageInsertion, 60, "component inserted")

	if err := p.cfg.Authoring.PrepareView(ctx); err != nil {
		p.warn(ctx, run, StageInsertion, "view preparation failed", err)
	}

	if err := p.cfg.Authoring.SaveAll(ctx); err != nil {
		return "", NewInsertionError("failed to save top assembly", err).
			AsFatal().
			WithCode(ErrCodeSaveFailed).
			WithDetail("path", top)
	}

	run.tracker.Complete(StageInsertion, "component inserted")
	return "inserted into " + filepath.Base(top), nil
}

func (p *Pipeline) degradeToManual(ctx context.Context, run *placementRun, ierr *PlacementError) (string, error) {
	run.result.Status = PlacementStatusManual
	p.warn(ctx, run, StageInsertion, "manual placement required: "+ierr.Message, ierr.Err)
	run.tracker.Complete(StageInsertion, "manual placement required")
	return "manual placement required", nil
}
