package engine

import (
	"context"
)

// rollback switches the authoring engine back to the destination module's descriptor.
// It runs even when ctx is cancelled and swallows every failure.
func (p *Pipeline) rollback(ctx context.Context, run *placementRun) {
	ctx = context.WithoutCancel(ctx)
	descriptor := p.cfg.Layout.DescriptorPath(run.placement)

	_ = p.runStage(ctx, run, StageRollback, func(ctx context.Context) (string, error) {
		if err := p.cfg.Authoring.SwitchProject(ctx, descriptor); err != nil {
			p.warn(ctx, run, StageRollback, "failed to restore destination project context", err)
			return "context not restored", nil
		}
		return "restored " + descriptor, nil
	})
}
