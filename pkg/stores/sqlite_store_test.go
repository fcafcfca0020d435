package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/equiplace/equiplace/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newPlacement(id string, startedAt time.Time) *engine.Placement {
	return &engine.Placement{
		ID:        id,
		Project:   "24001",
		Reference: "A",
		Module:    "M01",
		Equipment: "Angular Filter",
		User:      "designer",
		Status:    engine.PlacementStatusRunning,
		StartedAt: startedAt,
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"placements", "placement_stages", "placement_events"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("expected second migration to succeed, got %v", err)
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.SavePlacement(ctx, newPlacement("p-1", time.Now())); err != nil {
		t.Fatalf("failed to save placement: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetPlacement(ctx, "p-1"); err != nil {
		t.Errorf("expected placement to survive reopen, got %v", err)
	}
}

func TestSavePlacement_Upsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	p := newPlacement("p-1", started)
	if err := store.SavePlacement(ctx, p); err != nil {
		t.Fatalf("failed to save placement: %v", err)
	}

	got, err := store.GetPlacement(ctx, "p-1")
	if err != nil {
		t.Fatalf("failed to get placement: %v", err)
	}
	if got.Status != engine.PlacementStatusRunning {
		t.Errorf("expected status %s, got %s", engine.PlacementStatusRunning, got.Status)
	}
	if got.CompletedAt != nil {
		t.Errorf("expected no completion time, got %v", got.CompletedAt)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("expected started_at %v, got %v", started, got.StartedAt)
	}

	completed := started.Add(42 * time.Second)
	p.Suffix = "_02"
	p.Status = engine.PlacementStatusManual
	p.FilesCopied = 17
	p.CompletedAt = &completed
	if err := store.SavePlacement(ctx, p); err != nil {
		t.Fatalf("failed to update placement: %v", err)
	}

	got, err = store.GetPlacement(ctx, "p-1")
	if err != nil {
		t.Fatalf("failed to get placement: %v", err)
	}
	if got.Status != engine.PlacementStatusManual {
		t.Errorf("expected status %s, got %s", engine.PlacementStatusManual, got.Status)
	}
	if got.Suffix != "_02" {
		t.Errorf("expected suffix _02, got %s", got.Suffix)
	}
	if got.FilesCopied != 17 {
		t.Errorf("expected 17 files copied, got %d", got.FilesCopied)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("expected completed_at %v, got %v", completed, got.CompletedAt)
	}
	if got.User != "designer" {
		t.Errorf("expected user designer, got %s", got.User)
	}
}

func TestGetPlacement_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetPlacement(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveStage_ForeignKey(t *testing.T) {
	store := setupTestStore(t)

	err := store.SaveStage(context.Background(), &engine.StageRecord{
		PlacementID: "missing",
		Stage:       engine.StageResolve,
		Status:      engine.StageStatusRunning,
		StartedAt:   time.Now(),
	})
	if err == nil {
		t.Error("expected foreign key violation for unknown placement")
	}
}

func TestStagesAndEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := store.SavePlacement(ctx, newPlacement("p-1", base)); err != nil {
		t.Fatalf("failed to save placement: %v", err)
	}

	stages := []engine.Stage{engine.StageResolve, engine.StageAllocate, engine.StageFetch}
	for i, stage := range stages {
		start := base.Add(time.Duration(i) * time.Second)
		rec := &engine.StageRecord{
			PlacementID: "p-1",
			Stage:       stage,
			Status:      engine.StageStatusRunning,
			StartedAt:   start,
		}
		if err := store.SaveStage(ctx, rec); err != nil {
			t.Fatalf("failed to save stage: %v", err)
		}

		end := start.Add(500 * time.Millisecond)
		rec.Status = engine.StageStatusSucceeded
		rec.Detail = string(stage) + " done"
		rec.CompletedAt = &end
		if err := store.SaveStage(ctx, rec); err != nil {
			t.Fatalf("failed to update stage: %v", err)
		}

		event := &engine.Event{
			ID:          "e-" + string(stage),
			Type:        engine.EventTypeStageCompleted,
			Timestamp:   end,
			PlacementID: "p-1",
			Stage:       stage,
			Message:     "Stage completed",
			Progress:    (i + 1) * 10,
			Level:       "info",
		}
		if i == 2 {
			event.Details = map[string]interface{}{"files": float64(12)}
		}
		if err := store.Publish(ctx, event); err != nil {
			t.Fatalf("failed to publish event: %v", err)
		}
	}

	gotStages, err := store.ListStages(ctx, "p-1")
	if err != nil {
		t.Fatalf("failed to list stages: %v", err)
	}
	if len(gotStages) != len(stages) {
		t.Fatalf("expected %d stages, got %d", len(stages), len(gotStages))
	}
	for i, rec := range gotStages {
		if rec.Stage != stages[i] {
			t.Errorf("expected stage %d to be %s, got %s", i, stages[i], rec.Stage)
		}
		if rec.Status != engine.StageStatusSucceeded {
			t.Errorf("expected stage %s succeeded, got %s", rec.Stage, rec.Status)
		}
		if rec.CompletedAt == nil {
			t.Errorf("expected stage %s to have a completion time", rec.Stage)
		}
	}

	events, err := store.ListEvents(ctx, "p-1")
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[2].Details["files"] != float64(12) {
		t.Errorf("expected details files=12, got %v", events[2].Details)
	}
	if events[0].Details != nil {
		t.Errorf("expected nil details, got %v", events[0].Details)
	}

	history, err := store.GetHistory(ctx, "p-")
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	if history.Placement.ID != "p-1" || len(history.Stages) != 3 || len(history.Events) != 3 {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestListPlacements_Filter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, module := range []string{"M01", "M02", "M01"} {
		p := newPlacement(string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour))
		p.Module = module
		if i == 1 {
			p.Status = engine.PlacementStatusFailed
		}
		if err := store.SavePlacement(ctx, p); err != nil {
			t.Fatalf("failed to save placement: %v", err)
		}
	}

	tests := []struct {
		name     string
		filter   PlacementFilter
		expected []string
	}{
		{"all newest first", PlacementFilter{}, []string{"c", "b", "a"}},
		{"by module", PlacementFilter{Module: "M01"}, []string{"c", "a"}},
		{"by status", PlacementFilter{Status: engine.PlacementStatusFailed}, []string{"b"}},
		{"equipment case-insensitive", PlacementFilter{Equipment: "angular filter"}, []string{"c", "b", "a"}},
		{"since", PlacementFilter{Since: base.Add(30 * time.Minute)}, []string{"c", "b"}},
		{"limit and offset", PlacementFilter{Limit: 1, Offset: 1}, []string{"b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListPlacements(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list placements: %v", err)
			}
			if len(got) != len(tt.expected) {
				t.Fatalf("expected %d placements, got %d", len(tt.expected), len(got))
			}
			for i, id := range tt.expected {
				if got[i].ID != id {
					t.Errorf("expected placement %d to be %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}
}

func TestFindPlacement(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"abc-1", "abc-2", "xyz_1"} {
		if err := store.SavePlacement(ctx, newPlacement(id, time.Now())); err != nil {
			t.Fatalf("failed to save placement: %v", err)
		}
	}

	if p, err := store.FindPlacement(ctx, "xyz"); err != nil || p.ID != "xyz_1" {
		t.Errorf("expected xyz_1, got %v (err %v)", p, err)
	}
	if _, err := store.FindPlacement(ctx, "abc"); err == nil {
		t.Error("expected ambiguous prefix error")
	}
	if p, err := store.FindPlacement(ctx, "abc-2"); err != nil || p.ID != "abc-2" {
		t.Errorf("expected abc-2, got %v (err %v)", p, err)
	}
	// An underscore is literal, not a wildcard.
	if _, err := store.FindPlacement(ctx, "xyz-"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPrunePlacements_Cascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	for id, started := range map[string]time.Time{"old": old, "recent": recent} {
		if err := store.SavePlacement(ctx, newPlacement(id, started)); err != nil {
			t.Fatalf("failed to save placement: %v", err)
		}
		if err := store.SaveStage(ctx, &engine.StageRecord{
			PlacementID: id,
			Stage:       engine.StageResolve,
			Status:      engine.StageStatusSucceeded,
			StartedAt:   started,
		}); err != nil {
			t.Fatalf("failed to save stage: %v", err)
		}
	}

	n, err := store.PrunePlacements(ctx, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned placement, got %d", n)
	}

	var stageCount int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM placement_stages").Scan(&stageCount); err != nil {
		t.Fatalf("failed to count stages: %v", err)
	}
	if stageCount != 1 {
		t.Errorf("expected 1 remaining stage, got %d", stageCount)
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats.Total != 1 || stats.ByStatus[engine.PlacementStatusRunning] != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
