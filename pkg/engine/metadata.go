package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// propertyValue is one upsert of the metadata stage.
type propertyValue struct {
	name  string
	value string
}

// metadataValues returns the properties written to every clone, in write order.
func (p *Pipeline) metadataValues(ctx context.Context, run *placementRun) []propertyValue {
	md := p.cfg.Metadata
	req := run.placement

	values := []propertyValue{
		{PropertyDesigner, md.Designer},
		{PropertyCoDesigner, md.CoDesigner},
		{PropertyLead, md.Lead},
		{PropertyJobTitle, md.JobTitle},
		{PropertyCreationDate, p.cfg.Clock().Format(md.DateFormat)},
		{PropertyProject, req.Project},
		{PropertyReference, req.Reference},
		{PropertyModule, req.Module},
	}

	number := fmt.Sprintf("%s-%s-%s", req.Project, req.Reference, req.Module)
	if p.cfg.ProjectNumberer != nil {
		n, err := p.cfg.ProjectNumberer.ProjectNumber(ctx, req.Project, req.Reference, req.Module)
		if err != nil {
			p.warn(ctx, run, StageMetadata, "project number script failed, using default", err)
		} else {
			number = n
		}
	}
	values = append(values,
		propertyValue{PropertyProjectNumber, number},
		propertyValue{md.PlaceholderProperty, ""},
	)

	return values
}

// locateAssembly finds the cloned primary assembly: the exact file name first, then the
// first assembly directly inside the destination folder.
func (p *Pipeline) locateAssembly(destination, assembly string) (string, bool) {
	exact := filepath.Join(destination, assembly)
	if p.cfg.Filesystem.Exists(exact) {
		return exact, true
	}

	files, err := p.cfg.Filesystem.ListFiles(destination)
	if err != nil {
		return "", false
	}
	ext := strings.ToLower(p.cfg.Layout.AssemblyExt)
	for _, rel := range files {
		if strings.ContainsAny(rel, `/\`) {
			continue
		}
		if strings.ToLower(filepath.Ext(rel)) == ext {
			return filepath.Join(destination, rel), true
		}
	}
	return "", false
}

// writeMetadata switches to the destination project, opens the clone and upserts its
// properties. Individual property failures are warnings; a failed save is fatal.
func (p *Pipeline) writeMetadata(ctx context.Context, run *placementRun) (string, error) {
	descriptor := p.cfg.Layout.DescriptorPath(run.placement)
	if err := p.cfg.Authoring.SwitchProject(ctx, descriptor); err != nil {
		return "", NewMetadataError("failed to switch to destination project "+descriptor, err).
			AsFatal().
			WithCode(ErrCodeContextSwitchFailed).
			WithDetail("descriptor", descriptor)
	}

	asm, ok := p.locateAssembly(run.result.DestinationFolder, run.placement.Entry.Assembly)
	if !ok {
		return "", NewMetadataError("cloned assembly not found in "+run.result.DestinationFolder, nil).
			AsFatal().
			WithCode(ErrCodeAssemblyNotFound).
			WithDetail("assembly", run.placement.Entry.Assembly)
	}
	if filepath.Base(asm) != run.placement.Entry.Assembly {
		p.warn(ctx, run, StageMetadata, "primary assembly not found by name, using "+filepath.Base(asm), nil)
	}
	run.assemblyPath = asm

	if err := p.cfg.Authoring.Open(ctx, asm); err != nil {
		return "", NewMetadataError("failed to open cloned assembly", err).
			AsFatal().
			WithCode(ErrCodeOpenFailed).
			WithDetail("path", asm)
	}
	run.tracker.Update(StageMetadata, 20, "cloned assembly opened")

	written, failed := 0, 0
	props, err := p.cfg.Authoring.Properties(ctx)
	if err != nil {
		p.warn(ctx, run, StageMetadata, "property collection unavailable", err)
		p.metrics.RecordPropertyWriteFailure("*")
	} else {
		values := p.metadataValues(ctx, run)
		for i, v := range values {
			if err := upsertProperty(ctx, props, v.name, v.value); err != nil {
				failed++
				p.metrics.RecordPropertyWriteFailure(v.name)
				p.warn(ctx, run, StageMetadata, "failed to write property "+v.name, err)
			} else {
				written++
			}
			run.tracker.Update(StageMetadata, 20+70*(i+1)/len(values), "property "+v.name)
		}
	}

	if err := p.cfg.Authoring.SaveAll(ctx); err != nil {
		return "", NewMetadataError("failed to save cloned assembly", err).
			AsFatal().
			WithCode(ErrCodeSaveFailed).
			WithDetail("path", asm)
	}
	if err := p.cfg.Authoring.CloseAll(ctx); err != nil {
		p.warn(ctx, run, StageMetadata, "failed to close documents", err)
	}

	run.tracker.Complete(StageMetadata, "metadata written")
	return fmt.Sprintf("%d properties written, %d failed", written, failed), nil
}

// upsertProperty modifies the property with exactly this name or creates it.
func upsertProperty(ctx context.Context, props PropertySet, name, value string) error {
	prop, err := props.GetOrCreate(ctx, name)
	if err != nil {
		return err
	}
	return prop.Set(ctx, value)
}
