// Package sim implements a filesystem-backed authoring engine. Custom properties of a
// document live in "<document>.props.json" and inserted components of an assembly in
// "<assembly>.components.json" next to the document.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/equiplace/equiplace/pkg/engine"
	"github.com/equiplace/equiplace/pkg/fsutil"
)

const (
	propsSuffix      = ".props.json"
	componentsSuffix = ".components.json"
)

// Operation names an engine call that can be made to fail.
type Operation string

const (
	OpSwitchProject   Operation = "project.switch"
	OpOpen            Operation = "document.open"
	OpCopyDesign      Operation = "design.copy"
	OpSetProperty     Operation = "property.set"
	OpListProperties  Operation = "property.list"
	OpInsertComponent Operation = "component.insert"
	OpSaveAll         Operation = "documents.save"
	OpCloseAll        Operation = "documents.close"
	OpPrepareView     Operation = "view.prepare"
)

// ErrNoActiveDocument is returned by document operations when nothing is open.
var ErrNoActiveDocument = errors.New("no active document")

var _ engine.AuthoringEngine = (*Engine)(nil)

type document struct {
	path         string
	props        map[string]string
	components   []string
	viewPrepared bool
	dirty        bool
}

// Engine is the simulated authoring engine.
type Engine struct {
	mu      sync.Mutex
	copier  *fsutil.OS
	project string
	docs    map[string]*document
	order   []string
	active  *document
	faults  map[Operation]error
	logger  zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithFault makes every call of op fail with err.
func WithFault(op Operation, err error) Option {
	return func(e *Engine) {
		e.faults[op] = err
	}
}

// New creates a simulated engine.
func New(logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		copier: fsutil.New(nil, logger),
		docs:   make(map[string]*document),
		faults: make(map[Operation]error),
		logger: logger.With().Str("component", "sim-engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fail injects a fault for op. A nil err clears it.
func (e *Engine) Fail(op Operation, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.faults, op)
		return
	}
	e.faults[op] = err
}

// ActiveProject returns the active project descriptor.
func (e *Engine) ActiveProject() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.project
}

// OpenDocuments returns the open documents in opening order.
func (e *Engine) OpenDocuments() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func (e *Engine) fault(op Operation) error {
	if err, ok := e.faults[op]; ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SwitchProject activates a project descriptor file.
func (e *Engine) SwitchProject(ctx context.Context, descriptorPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpSwitchProject); err != nil {
		return err
	}
	info, err := os.Stat(descriptorPath)
	if err != nil {
		return fmt.Errorf("failed to activate project: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("project descriptor %s is a directory", descriptorPath)
	}

	e.project = filepath.Clean(descriptorPath)
	e.logger.Debug().Str("project", e.project).Msg("Project activated")
	return nil
}

// Open opens a document and makes it active. Reopening an open document only
// activates it.
func (e *Engine) Open(ctx context.Context, documentPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpOpen); err != nil {
		return err
	}

	key := filepath.Clean(documentPath)
	if doc, ok := e.docs[key]; ok {
		e.active = doc
		return nil
	}

	if _, err := os.Stat(key); err != nil {
		return fmt.Errorf("failed to open document: %w", err)
	}

	doc := &document{path: key}
	if err := readJSON(key+propsSuffix, &doc.props); err != nil {
		return fmt.Errorf("failed to read properties of %s: %w", filepath.Base(key), err)
	}
	if err := readJSON(key+componentsSuffix, &doc.components); err != nil {
		return fmt.Errorf("failed to read components of %s: %w", filepath.Base(key), err)
	}
	if doc.props == nil {
		doc.props = make(map[string]string)
	}

	e.docs[key] = doc
	e.order = append(e.order, key)
	e.active = doc
	e.logger.Debug().Str("document", key).Msg("Document opened")
	return nil
}

// CopyDesign copies the source tree into the destination. The library project must be
// active.
func (e *Engine) CopyDesign(ctx context.Context, req engine.CopyDesignRequest) (*engine.CopyDesignResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpCopyDesign); err != nil {
		return nil, err
	}
	if e.project != filepath.Clean(req.SourceDescriptor) {
		return &engine.CopyDesignResult{
			Message: fmt.Sprintf("library project %s is not active", filepath.Base(req.SourceDescriptor)),
		}, nil
	}
	if _, err := os.Stat(filepath.Join(req.SourceRoot, req.PrimaryFile)); err != nil {
		return &engine.CopyDesignResult{
			Message: fmt.Sprintf("primary file %s not found in %s", req.PrimaryFile, req.SourceRoot),
		}, nil
	}

	var copied int
	var err error
	if len(req.Filter) == 0 {
		copied, err = e.copier.CopyTree(req.SourceRoot, req.DestinationRoot)
	} else {
		copied, err = copyFiltered(req.SourceRoot, req.DestinationRoot, req.Filter)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Debug().
		Str("source", req.SourceRoot).
		Str("destination", req.DestinationRoot).
		Int("files", copied).
		Msg("Design copied")

	return &engine.CopyDesignResult{
		Success:     true,
		FilesCopied: copied,
		Message:     fmt.Sprintf("%d files copied", copied),
	}, nil
}

// copyFiltered copies only the files whose relative path matches one of the patterns.
func copyFiltered(src, dst string, patterns []string) (int, error) {
	count := 0
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if !matchAny(patterns, filepath.ToSlash(rel)) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return count, nil
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(strings.ToLower(p), strings.ToLower(rel)); ok {
			return true
		}
	}
	return false
}

// Properties returns the active document's property collection.
func (e *Engine) Properties(ctx context.Context) (engine.PropertySet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == nil {
		return nil, ErrNoActiveDocument
	}
	return &propertySet{engine: e, doc: e.active}, nil
}

// InsertComponent adds a component reference to the active assembly.
func (e *Engine) InsertComponent(ctx context.Context, componentPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpInsertComponent); err != nil {
		return err
	}
	if e.active == nil {
		return ErrNoActiveDocument
	}
	if _, err := os.Stat(componentPath); err != nil {
		return fmt.Errorf("failed to insert component: %w", err)
	}

	rel, err := filepath.Rel(filepath.Dir(e.active.path), componentPath)
	if err != nil {
		rel = componentPath
	}
	e.active.components = append(e.active.components, filepath.ToSlash(rel))
	e.active.dirty = true
	return nil
}

// PrepareView marks the active document's view as prepared.
func (e *Engine) PrepareView(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpPrepareView); err != nil {
		return err
	}
	if e.active == nil {
		return ErrNoActiveDocument
	}
	e.active.viewPrepared = true
	return nil
}

// SaveAll writes the property and component files of every modified document.
func (e *Engine) SaveAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpSaveAll); err != nil {
		return err
	}

	for _, key := range e.order {
		doc := e.docs[key]
		if !doc.dirty {
			continue
		}
		if err := writeJSON(doc.path+propsSuffix, doc.props); err != nil {
			return fmt.Errorf("failed to save %s: %w", filepath.Base(doc.path), err)
		}
		if len(doc.components) > 0 {
			if err := writeJSON(doc.path+componentsSuffix, doc.components); err != nil {
				return fmt.Errorf("failed to save %s: %w", filepath.Base(doc.path), err)
			}
		}
		doc.dirty = false
	}
	return nil
}

// CloseAll closes every open document, discarding unsaved changes.
func (e *Engine) CloseAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpCloseAll); err != nil {
		return err
	}

	for _, key := range e.order {
		if e.docs[key].dirty {
			e.logger.Warn().Str("document", key).Msg("Closing document with unsaved changes")
		}
	}
	e.docs = make(map[string]*document)
	e.order = nil
	e.active = nil
	return nil
}

type propertySet struct {
	engine *Engine
	doc    *document
}

func (ps *propertySet) GetOrCreate(ctx context.Context, name string) (engine.Property, error) {
	ps.engine.mu.Lock()
	defer ps.engine.mu.Unlock()

	if _, ok := ps.doc.props[name]; !ok {
		ps.doc.props[name] = ""
		ps.doc.dirty = true
	}
	return &property{set: ps, name: name}, nil
}

func (ps *propertySet) List(ctx context.Context) (map[string]string, error) {
	ps.engine.mu.Lock()
	defer ps.engine.mu.Unlock()

	if err := ps.engine.fault(OpListProperties); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(ps.doc.props))
	for k, v := range ps.doc.props {
		out[k] = v
	}
	return out, nil
}

type property struct {
	set  *propertySet
	name string
}

func (p *property) Name() string { return p.name }

func (p *property) Set(ctx context.Context, value string) error {
	p.set.engine.mu.Lock()
	defer p.set.engine.mu.Unlock()

	if err := p.set.engine.fault(OpSetProperty); err != nil {
		return err
	}
	p.set.doc.props[p.name] = value
	p.set.doc.dirty = true
	return nil
}

// ReadProperties loads the saved properties of a document.
func ReadProperties(documentPath string) (map[string]string, error) {
	props := make(map[string]string)
	if err := readJSON(documentPath+propsSuffix, &props); err != nil {
		return nil, err
	}
	return props, nil
}

// ReadComponents loads the saved component references of an assembly.
func ReadComponents(assemblyPath string) ([]string, error) {
	var components []string
	if err := readJSON(assemblyPath+componentsSuffix, &components); err != nil {
		return nil, err
	}
	return components, nil
}

// readJSON decodes path into v. A missing file leaves v untouched.
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
