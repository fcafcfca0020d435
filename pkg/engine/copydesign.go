package engine

import (
	"context"
	"fmt"
	"path/filepath"
)

// LibraryDescriptorPath returns the staged library descriptor of an entry.
func LibraryDescriptorPath(stagingRoot string, entry CatalogEntry) string {
	return filepath.Join(StagedFolder(stagingRoot, entry), entry.Descriptor)
}

// StagedFolder returns where the entry's repository folder lands inside stagingRoot.
func StagedFolder(stagingRoot string, entry CatalogEntry) string {
	return filepath.Join(stagingRoot, filepath.FromSlash(entry.RelativeRepositoryPath()))
}

// copyDesign clones the staged design into the destination folder under the library's
// own project context. Every failure is fatal.
func (p *Pipeline) copyDesign(ctx context.Context, run *placementRun) (string, error) {
	entry := run.placement.Entry
	source := StagedFolder(p.cfg.StagingRoot, entry)
	descriptor := LibraryDescriptorPath(p.cfg.StagingRoot, entry)
	destination := run.result.DestinationFolder

	if err := p.cfg.Authoring.SwitchProject(ctx, descriptor); err != nil {
		return "", NewCopyDesignError("failed to switch to library project "+descriptor, err).
			WithCode(ErrCodeContextSwitchFailed).
			WithDetail("descriptor", descriptor)
	}
	run.tracker.Update(StageCopyDesign, 20, "library project active")

	if err := p.cfg.Filesystem.MkdirAll(destination); err != nil {
		return "", NewCopyDesignError("failed to create destination folder", err).
			WithCode(ErrCodeCloneFailed).
			WithDetail("destination", destination)
	}

	res, err := p.cfg.Authoring.CopyDesign(ctx, CopyDesignRequest{
		SourceDescriptor: descriptor,
		SourceRoot:       source,
		DestinationRoot:  destination,
		PrimaryFile:      entry.Assembly,
	})
	if err != nil {
		return "", NewCopyDesignError("copy design failed", err).
			WithCode(ErrCodeCloneFailed)
	}
	if res == nil || !res.Success {
		msg := "copy design reported failure"
		if res != nil && res.Message != "" {
			msg = res.Message
		}
		return "", NewCopyDesignError(msg, nil).
			WithCode(ErrCodeCloneFailed)
	}

	run.result.FilesCopied = res.FilesCopied
	run.result.Message = fmt.Sprintf("%d files copied", res.FilesCopied)
	run.tracker.Complete(StageCopyDesign, run.result.Message)

	return run.result.Message, nil
}
