package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/equiplace/equiplace/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var (
	_ engine.Recorder       = (*SQLiteStore)(nil)
	_ engine.EventPublisher = (*SQLiteStore)(nil)
)

// SQLiteStore implements engine.Recorder and persists events using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.Path == MemoryPath {
		// Every pooled connection would otherwise see its own empty database.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 && cfg.Path != MemoryPath {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg: cfg,
	}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection with foreign keys and WAL enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate&_time_format=sqlite"
	if s.cfg.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SavePlacement inserts or updates a placement record.
func (s *SQLiteStore) SavePlacement(ctx context.Context, p *engine.Placement) error {
	query := `
		INSERT INTO placements (
			id, project, reference, module, equipment, suffix, username,
			status, files_copied, error, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			equipment = excluded.equipment,
			suffix = excluded.suffix,
			status = excluded.status,
			files_copied = excluded.files_copied,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.Project,
		p.Reference,
		p.Module,
		p.Equipment,
		p.Suffix,
		p.User,
		string(p.Status),
		p.FilesCopied,
		p.Error,
		p.StartedAt.UTC(),
		utcPtr(p.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save placement: %w", err)
	}

	return nil
}

// SaveStage inserts or updates a stage record.
func (s *SQLiteStore) SaveStage(ctx context.Context, rec *engine.StageRecord) error {
	query := `
		INSERT INTO placement_stages (
			placement_id, stage, status, detail, error, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(placement_id, stage) DO UPDATE SET
			status = excluded.status,
			detail = excluded.detail,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.PlacementID,
		string(rec.Stage),
		string(rec.Status),
		rec.Detail,
		rec.Error,
		rec.StartedAt.UTC(),
		utcPtr(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save stage: %w", err)
	}

	return nil
}

// SaveEvent appends an event to a placement's timeline.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *engine.Event) error {
	var details sql.NullString
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO placement_events (
			id, placement_id, type, stage, level, message, progress, details, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.PlacementID,
		string(event.Type),
		string(event.Stage),
		event.Level,
		event.Message,
		event.Progress,
		details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}

	return nil
}

// Publish persists the event, so the store can be subscribed to placement events.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	return s.SaveEvent(ctx, event)
}

const placementColumns = `
	id, project, reference, module, equipment, suffix, username,
	status, files_copied, error, started_at, completed_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlacement(row rowScanner) (*engine.Placement, error) {
	p := &engine.Placement{}
	var status string
	err := row.Scan(
		&p.ID,
		&p.Project,
		&p.Reference,
		&p.Module,
		&p.Equipment,
		&p.Suffix,
		&p.User,
		&status,
		&p.FilesCopied,
		&p.Error,
		&p.StartedAt,
		&p.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = engine.PlacementStatus(status)
	return p, nil
}

// GetPlacement retrieves a placement by ID
func (s *SQLiteStore) GetPlacement(ctx context.Context, id string) (*engine.Placement, error) {
	query := `SELECT ` + placementColumns + ` FROM placements WHERE id = ?`

	p, err := scanPlacement(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("placement %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get placement: %w", err)
	}

	return p, nil
}

// FindPlacement resolves a full placement ID or a unique ID prefix.
func (s *SQLiteStore) FindPlacement(ctx context.Context, idOrPrefix string) (*engine.Placement, error) {
	if idOrPrefix == "" {
		return nil, fmt.Errorf("placement id is required")
	}

	query := `SELECT ` + placementColumns + ` FROM placements WHERE id LIKE ? ESCAPE '\' ORDER BY started_at DESC LIMIT 2`
	rows, err := s.db.QueryContext(ctx, query, escapeLike(idOrPrefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to find placement: %w", err)
	}
	defer rows.Close()

	var found []*engine.Placement
	for rows.Next() {
		p, err := scanPlacement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan placement: %w", err)
		}
		found = append(found, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating placements: %w", err)
	}

	switch len(found) {
	case 0:
		return nil, fmt.Errorf("placement %s: %w", idOrPrefix, ErrNotFound)
	case 1:
		return found[0], nil
	default:
		if found[0].ID == idOrPrefix {
			return found[0], nil
		}
		return nil, fmt.Errorf("placement id prefix %s is ambiguous", idOrPrefix)
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ListPlacements lists placements, most recent first.
func (s *SQLiteStore) ListPlacements(ctx context.Context, filter PlacementFilter) ([]*engine.Placement, error) {
	var where []string
	var args []interface{}

	add := func(clause string, arg interface{}) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if filter.Project != "" {
		add("project = ?", filter.Project)
	}
	if filter.Reference != "" {
		add("reference = ?", filter.Reference)
	}
	if filter.Module != "" {
		add("module = ?", filter.Module)
	}
	if filter.Equipment != "" {
		add("equipment = ? COLLATE NOCASE", filter.Equipment)
	}
	if filter.Status != "" {
		add("status = ?", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		add("started_at >= ?", filter.Since.UTC())
	}

	query := `SELECT ` + placementColumns + ` FROM placements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list placements: %w", err)
	}
	defer rows.Close()

	placements := []*engine.Placement{}
	for rows.Next() {
		p, err := scanPlacement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan placement: %w", err)
		}
		placements = append(placements, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating placements: %w", err)
	}

	return placements, nil
}

// ListStages lists the stage records of a placement in execution order.
func (s *SQLiteStore) ListStages(ctx context.Context, placementID string) ([]*engine.StageRecord, error) {
	query := `
		SELECT placement_id, stage, status, detail, error, started_at, completed_at
		FROM placement_stages
		WHERE placement_id = ?
		ORDER BY started_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, placementID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	defer rows.Close()

	stages := []*engine.StageRecord{}
	for rows.Next() {
		rec := &engine.StageRecord{}
		var stage, status string
		err := rows.Scan(
			&rec.PlacementID,
			&stage,
			&status,
			&rec.Detail,
			&rec.Error,
			&rec.StartedAt,
			&rec.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		rec.Stage = engine.Stage(stage)
		rec.Status = engine.StageStatus(status)
		stages = append(stages, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stages: %w", err)
	}

	return stages, nil
}

// ListEvents lists the events of a placement in the order they occurred.
func (s *SQLiteStore) ListEvents(ctx context.Context, placementID string) ([]*engine.Event, error) {
	query := `
		SELECT id, placement_id, type, stage, level, message, progress, details, timestamp
		FROM placement_events
		WHERE placement_id = ?
		ORDER BY timestamp ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, placementID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		event := &engine.Event{}
		var eventType, stage string
		var details sql.NullString
		err := rows.Scan(
			&event.ID,
			&event.PlacementID,
			&eventType,
			&stage,
			&event.Level,
			&event.Message,
			&event.Progress,
			&details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(eventType)
		event.Stage = engine.Stage(stage)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event details: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// GetHistory returns a placement with its stages and events.
func (s *SQLiteStore) GetHistory(ctx context.Context, idOrPrefix string) (*PlacementHistory, error) {
	p, err := s.FindPlacement(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}

	stages, err := s.ListStages(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	events, err := s.ListEvents(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	return &PlacementHistory{
		Placement: p,
		Stages:    stages,
		Events:    events,
	}, nil
}

// GetStats counts placements by status.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM placements GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{ByStatus: make(map[engine.PlacementStatus]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.ByStatus[engine.PlacementStatus(status)] = count
		stats.Total += count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stats: %w", err)
	}

	return stats, nil
}

// PrunePlacements deletes placements started before cutoff, together with their
// stages and events.
func (s *SQLiteStore) PrunePlacements(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM placements WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune placements: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
