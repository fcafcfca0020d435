package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// diskFS is a Filesystem over the real disk that records every call.
type diskFS struct {
	mu    sync.Mutex
	calls []string
}

func (f *diskFS) record(op, p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+" "+p)
}

func (f *diskFS) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *diskFS) Exists(p string) bool {
	f.record("exists", p)
	_, err := os.Stat(p)
	return err == nil
}

func (f *diskFS) ListDirs(dir string) ([]string, error) {
	f.record("listdirs", dir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (f *diskFS) ListFiles(root string) ([]string, error) {
	f.record("listfiles", root)
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (f *diskFS) MkdirAll(p string) error {
	f.record("mkdir", p)
	return os.MkdirAll(p, 0o755)
}

func (f *diskFS) NormalizeAttributes(root string) error {
	f.record("normalize", root)
	return nil
}

func (f *diskFS) Purge(root string) ([]string, error) {
	f.record("purge", root)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return []string{e.Name()}, nil
		}
	}
	return nil, nil
}

// memRepo is an in-memory content repository keyed by "$/"-rooted paths.
type memRepo struct {
	mu        sync.Mutex
	folders   map[string]bool
	files     map[string]string
	failBatch map[int]bool
	batches   [][]RepositoryFile
	calls     int
}

func newMemRepo() *memRepo {
	return &memRepo{
		folders:   map[string]bool{"$": true},
		files:     make(map[string]string),
		failBatch: make(map[int]bool),
	}
}

func (r *memRepo) addFile(p, content string) {
	r.files[p] = content
	for dir := path.Dir(p); dir != "$" && dir != "."; dir = path.Dir(dir) {
		r.folders[dir] = true
	}
}

func (r *memRepo) ResolveFolder(ctx context.Context, p string) (*RepositoryFolder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	p = strings.TrimRight(p, "/")
	if !r.folders[p] {
		return nil, fmt.Errorf("%s: %w", p, ErrFolderNotFound)
	}
	return &RepositoryFolder{ID: p, Path: p}, nil
}

func (r *memRepo) ListSubfolders(ctx context.Context, folder *RepositoryFolder) ([]RepositoryFolder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	var out []RepositoryFolder
	for p := range r.folders {
		if path.Dir(p) == folder.Path {
			out = append(out, RepositoryFolder{ID: p, Path: p})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (r *memRepo) ListLatestFiles(ctx context.Context, folder *RepositoryFolder) ([]RepositoryFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	var out []RepositoryFile
	for p, content := range r.files {
		if path.Dir(p) == folder.Path {
			out = append(out, RepositoryFile{ID: p, Path: p, Size: int64(len(content))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (r *memRepo) Acquire(ctx context.Context, files []RepositoryFile, localRoot string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	idx := len(r.batches)
	r.batches = append(r.batches, files)
	if r.failBatch[idx] {
		return fmt.Errorf("vault timeout on batch %d", idx)
	}
	for _, f := range files {
		local := filepath.Join(localRoot, filepath.FromSlash(strings.TrimPrefix(f.Path, "$/")))
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(local, []byte(r.files[f.Path]), 0o444); err != nil {
			return err
		}
	}
	return nil
}

func (r *memRepo) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// mockAuthoring records calls in order and clones designs on disk.
type mockAuthoring struct {
	mu           sync.Mutex
	calls        []string
	active       string
	open         string
	props        map[string]map[string]string
	failCopy     bool
	failInsert   bool
	failSaveAt   int
	saves        int
	failSwitchTo string
	failProps    map[string]bool
	inserted     []string
}

func newMockAuthoring() *mockAuthoring {
	return &mockAuthoring{
		props:     make(map[string]map[string]string),
		failProps: make(map[string]bool),
	}
}

func (m *mockAuthoring) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockAuthoring) getCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.calls...)
}

func (m *mockAuthoring) hasCall(prefix string) bool {
	for _, c := range m.getCalls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (m *mockAuthoring) SwitchProject(ctx context.Context, descriptor string) error {
	m.record("switch " + descriptor)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSwitchTo != "" && descriptor == m.failSwitchTo {
		return errors.New("project switch rejected")
	}
	m.active = descriptor
	return nil
}

func (m *mockAuthoring) Open(ctx context.Context, doc string) error {
	m.record("open " + doc)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = doc
	return nil
}

func (m *mockAuthoring) CopyDesign(ctx context.Context, req CopyDesignRequest) (*CopyDesignResult, error) {
	m.record("copy " + req.SourceRoot + " -> " + req.DestinationRoot)
	if m.failCopy {
		return &CopyDesignResult{Success: false, Message: "design copy aborted by engine"}, nil
	}

	count := 0
	err := filepath.WalkDir(req.SourceRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(req.SourceRoot, p)
		target := filepath.Join(req.DestinationRoot, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		count++
		return os.WriteFile(target, data, 0o644)
	})
	if err != nil {
		return nil, err
	}
	return &CopyDesignResult{Success: true, FilesCopied: count}, nil
}

func (m *mockAuthoring) Properties(ctx context.Context) (PropertySet, error) {
	m.record("properties")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.props[m.open] == nil {
		m.props[m.open] = make(map[string]string)
	}
	return &mockPropertySet{owner: m, doc: m.open}, nil
}

func (m *mockAuthoring) InsertComponent(ctx context.Context, component string) error {
	m.record("insert " + component)
	if m.failInsert {
		return errors.New("component placement rejected")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, component)
	return nil
}

func (m *mockAuthoring) PrepareView(ctx context.Context) error {
	m.record("view")
	return nil
}

func (m *mockAuthoring) SaveAll(ctx context.Context) error {
	m.record("save")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failSaveAt > 0 && m.saves == m.failSaveAt {
		return errors.New("document is read-only")
	}
	return nil
}

func (m *mockAuthoring) CloseAll(ctx context.Context) error {
	m.record("close")
	return nil
}

type mockPropertySet struct {
	owner *mockAuthoring
	doc   string
}

func (s *mockPropertySet) GetOrCreate(ctx context.Context, name string) (Property, error) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if _, ok := s.owner.props[s.doc][name]; !ok {
		s.owner.props[s.doc][name] = ""
	}
	return &mockProperty{set: s, name: name}, nil
}

func (s *mockPropertySet) List(ctx context.Context) (map[string]string, error) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	out := make(map[string]string, len(s.owner.props[s.doc]))
	for k, v := range s.owner.props[s.doc] {
		out[k] = v
	}
	return out, nil
}

type mockProperty struct {
	set  *mockPropertySet
	name string
}

func (p *mockProperty) Name() string { return p.name }

func (p *mockProperty) Set(ctx context.Context, value string) error {
	p.set.owner.mu.Lock()
	defer p.set.owner.mu.Unlock()
	if p.set.owner.failProps[p.name] {
		return errors.New("property is locked")
	}
	p.set.owner.props[p.set.doc][p.name] = value
	return nil
}

// mockRecorder keeps history records in memory.
type mockRecorder struct {
	mu         sync.Mutex
	placements map[string]Placement
	stages     []StageRecord
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{placements: make(map[string]Placement)}
}

func (r *mockRecorder) SavePlacement(ctx context.Context, p *Placement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.placements[p.ID] = *p
	return nil
}

func (r *mockRecorder) SaveStage(ctx context.Context, s *StageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, *s)
	return nil
}

func (r *mockRecorder) finalStage(stage Stage) (StageRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.stages) - 1; i >= 0; i-- {
		if r.stages[i].Stage == stage {
			return r.stages[i], true
		}
	}
	return StageRecord{}, false
}

// mockEventPublisher collects published events.
type mockEventPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockEventPublisher) getEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event{}, m.events...)
}

// testEnv is a destination module, a repository and a pipeline wired together.
type testEnv struct {
	root      string
	staging   string
	fs        *diskFS
	repo      *memRepo
	authoring *mockAuthoring
	recorder  *mockRecorder
	events    *mockEventPublisher
	pipeline  *Pipeline
}

var angularFilter = CatalogEntry{
	CanonicalName:  "Angular Filter",
	DisplayName:    "Angular Filter",
	RepositoryPath: "$/Library/Equipment/Angular Filter",
	Descriptor:     "Angular Filter.ipj",
	Assembly:       "Angular Filter.iam",
}

// seedAngularFilter adds the descriptor, the assembly and parts files to the repository.
func seedAngularFilter(repo *memRepo, parts int) {
	base := angularFilter.RepositoryPath
	repo.addFile(base+"/Angular Filter.ipj", "project")
	repo.addFile(base+"/Angular Filter.iam", "assembly")
	for i := 0; i < parts; i++ {
		repo.addFile(fmt.Sprintf("%s/Parts/Part-%02d.ipt", base, i), "part")
	}
}

func newTestEnv(t *testing.T, entries ...CatalogEntry) *testEnv {
	t.Helper()

	if len(entries) == 0 {
		entries = []CatalogEntry{angularFilter}
	}

	root := t.TempDir()
	env := &testEnv{
		root:      root,
		staging:   filepath.Join(root, "staging"),
		fs:        &diskFS{},
		repo:      newMemRepo(),
		authoring: newMockAuthoring(),
		recorder:  newMockRecorder(),
		events:    &mockEventPublisher{},
	}

	module := filepath.Join(root, "projects", "P100", "R01", "M1")
	if err := os.MkdirAll(filepath.Join(module, "1-Equipment"), 0o755); err != nil {
		t.Fatalf("Failed to create module: %v", err)
	}
	for _, name := range []string{"M1.ipj", "M1.iam"} {
		if err := os.WriteFile(filepath.Join(module, name), []byte(name), 0o644); err != nil {
			t.Fatalf("Failed to create %s: %v", name, err)
		}
	}

	p, err := NewPipeline(Config{
		Catalog:     NewResolver(entries),
		Layout:      DefaultLayout(filepath.Join(root, "projects")),
		StagingRoot: env.staging,
		Repository:  env.repo,
		Authoring:   env.authoring,
		Filesystem:  env.fs,
		Metadata: MetadataDefaults{
			Designer: "JD",
			Lead:     "AK",
			JobTitle: "Process Design",
		},
		Recorder:   env.recorder,
		Events:     env.events,
		Exclusions: DefaultExclusions,
		Logger:     zerolog.Nop(),
		Clock:      func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	env.pipeline = p

	return env
}

func (e *testEnv) module() string {
	return filepath.Join(e.root, "projects", "P100", "R01", "M1")
}

func (e *testEnv) request(equipment string) PlaceRequest {
	return PlaceRequest{Project: "P100", Reference: "R01", Module: "M1", Equipment: equipment}
}

func (e *testEnv) assertStagingEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.staging)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Failed to read staging root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty staging root, got %d entries", len(entries))
	}
}
