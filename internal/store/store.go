// Package store persists debate memory in SQLite: one summary row per debate
// plus ordered event and output-event rows, with export/import snapshots for
// moving memory between instances.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a debate id has no row.
var ErrNotFound = errors.New("debate not found")

// SchemaVersion tags exported snapshots.
const SchemaVersion = "1.0"

// Debate is the stored summary document of one debate. It is persisted as a
// JSON payload so imports from other instances keep fields this build does
// not know about.
type Debate = map[string]any

// Snapshot is one exported debate with optional histories.
type Snapshot struct {
	SchemaVersion string           `json:"schema_version"`
	ExportedAt    string           `json:"exported_at,omitempty"`
	Debate        Debate           `json:"debate"`
	Events        []map[string]any `json:"events,omitempty"`
	OutputEvents  []map[string]any `json:"output_events,omitempty"`
}

// Archive is a multi-debate export.
type Archive struct {
	SchemaVersion string     `json:"schema_version"`
	ExportedAt    string     `json:"exported_at"`
	Count         int        `json:"count"`
	Items         []Snapshot `json:"items"`
}

// ImportResult reports what import_snapshot did for one debate.
type ImportResult struct {
	DebateID string `json:"debate_id"`
	Status   string `json:"status"`
}

// Import statuses.
const (
	ImportStatusImported      = "imported"
	ImportStatusSkippedExists = "skipped_exists"
)

// Store is a SQLite-backed debate memory.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the debate memory at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS debates (
			debate_id TEXT PRIMARY KEY,
			payload_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS debate_events (
			debate_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			event_json TEXT NOT NULL,
			PRIMARY KEY (debate_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS output_events (
			debate_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			event_json TEXT NOT NULL,
			PRIMARY KEY (debate_id, idx)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_debates_updated ON debates(updated_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// UpsertDebate writes the debate summary wholesale, keyed by its debate_id
// field.
func (s *Store) UpsertDebate(ctx context.Context, debate Debate) error {
	id := debateID(debate)
	if id == "" {
		return errors.New("debate_id is required")
	}
	payload, err := json.Marshal(debate)
	if err != nil {
		return fmt.Errorf("marshal debate: %w", err)
	}

	query := `INSERT INTO debates (debate_id, payload_json, updated_at)
	          VALUES (?, ?, ?)
	          ON CONFLICT(debate_id)
	          DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, id, string(payload), nowISO()); err != nil {
		return fmt.Errorf("upsert debate %s: %w", id, err)
	}
	return nil
}

// GetDebate returns the stored summary, or ErrNotFound.
func (s *Store) GetDebate(ctx context.Context, id string) (Debate, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM debates WHERE debate_id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("debate %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get debate %s: %w", id, err)
	}

	var debate Debate
	if err := json.Unmarshal([]byte(payload), &debate); err != nil {
		return nil, fmt.Errorf("unmarshal debate %s: %w", id, err)
	}
	return debate, nil
}

// MergeDebate reads the stored summary, overlays the given fields, and writes
// it back. A debate with no row yet starts from the fields alone.
func (s *Store) MergeDebate(ctx context.Context, id string, fields Debate) error {
	if id == "" {
		return errors.New("debate_id is required")
	}
	existing, err := s.GetDebate(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing == nil {
		existing = Debate{}
	}
	for k, v := range fields {
		existing[k] = v
	}
	existing["debate_id"] = id
	return s.UpsertDebate(ctx, existing)
}

// ListDebates returns the most recently updated summaries, newest first.
func (s *Store) ListDebates(ctx context.Context, limit int) ([]Debate, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM debates ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list debates: %w", err)
	}
	defer rows.Close()

	var debates []Debate
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan debate: %w", err)
		}
		var debate Debate
		if err := json.Unmarshal([]byte(payload), &debate); err != nil {
			continue
		}
		debates = append(debates, debate)
	}
	return debates, rows.Err()
}

// AppendEvent adds one event at the end of the debate's history.
func (s *Store) AppendEvent(ctx context.Context, id string, ev map[string]any) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO debate_events (debate_id, idx, event_json)
	          SELECT ?, COALESCE(MAX(idx) + 1, 0), ? FROM debate_events WHERE debate_id = ?`
	if _, err := tx.ExecContext(ctx, query, id, string(payload), id); err != nil {
		return fmt.Errorf("append event for %s: %w", id, err)
	}
	return tx.Commit()
}

// ReplaceEvents rewrites the debate's full event history in order.
func (s *Store) ReplaceEvents(ctx context.Context, id string, events []map[string]any) error {
	return s.replaceRows(ctx, "debate_events", id, events)
}

// GetEvents returns up to limit of the newest events, in stored order, or
// newest-first when reverse is set.
func (s *Store) GetEvents(ctx context.Context, id string, limit int, reverse bool) ([]map[string]any, error) {
	return s.readRows(ctx, "debate_events", id, limit, reverse)
}

// ReplaceOutputEvents rewrites the debate's derived output events.
func (s *Store) ReplaceOutputEvents(ctx context.Context, id string, events []map[string]any) error {
	return s.replaceRows(ctx, "output_events", id, events)
}

// GetOutputEvents returns the stored output events for the debate.
func (s *Store) GetOutputEvents(ctx context.Context, id string, limit int, reverse bool) ([]map[string]any, error) {
	return s.readRows(ctx, "output_events", id, limit, reverse)
}

func (s *Store) replaceRows(ctx context.Context, table, id string, events []map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE debate_id = ?`, id); err != nil {
		return fmt.Errorf("clear %s for %s: %w", table, id, err)
	}
	insert := `INSERT INTO ` + table + ` (debate_id, idx, event_json) VALUES (?, ?, ?)`
	for idx, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", idx, err)
		}
		if _, err := tx.ExecContext(ctx, insert, id, idx, string(payload)); err != nil {
			return fmt.Errorf("insert into %s for %s: %w", table, id, err)
		}
	}
	return tx.Commit()
}

func (s *Store) readRows(ctx context.Context, table, id string, limit int, reverse bool) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 5000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_json FROM `+table+` WHERE debate_id = ? ORDER BY idx ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query %s for %s: %w", table, id, err)
	}
	defer rows.Close()

	var events []map[string]any
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	if reverse {
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	}
	return events, nil
}

// ExportDebate builds a snapshot of one debate, or ErrNotFound.
func (s *Store) ExportDebate(ctx context.Context, id string, includeEvents, includeOutputEvents bool) (*Snapshot, error) {
	debate, err := s.GetDebate(ctx, id)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		SchemaVersion: SchemaVersion,
		ExportedAt:    nowISO(),
		Debate:        debate,
	}
	if includeEvents {
		if snap.Events, err = s.GetEvents(ctx, id, 100_000, false); err != nil {
			return nil, err
		}
	}
	if includeOutputEvents {
		if snap.OutputEvents, err = s.GetOutputEvents(ctx, id, 100_000, false); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// ExportMany builds an archive of the most recent debates.
func (s *Store) ExportMany(ctx context.Context, limit int, includeEvents, includeOutputEvents bool) (*Archive, error) {
	debates, err := s.ListDebates(ctx, limit)
	if err != nil {
		return nil, err
	}

	archive := &Archive{
		SchemaVersion: SchemaVersion,
		ExportedAt:    nowISO(),
		Items:         []Snapshot{},
	}
	for _, debate := range debates {
		id := debateID(debate)
		if id == "" {
			continue
		}
		snap, err := s.ExportDebate(ctx, id, includeEvents, includeOutputEvents)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		archive.Items = append(archive.Items, *snap)
	}
	archive.Count = len(archive.Items)
	return archive, nil
}

// ImportSnapshot restores one exported debate. An existing debate is left
// untouched unless overwrite is set.
func (s *Store) ImportSnapshot(ctx context.Context, snap *Snapshot, overwrite bool) (*ImportResult, error) {
	if snap == nil || snap.Debate == nil {
		return nil, errors.New("snapshot.debate is required")
	}
	id := debateID(snap.Debate)
	if id == "" {
		return nil, errors.New("snapshot.debate.debate_id is required")
	}

	if _, err := s.GetDebate(ctx, id); err == nil {
		if !overwrite {
			return &ImportResult{DebateID: id, Status: ImportStatusSkippedExists}, nil
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := s.UpsertDebate(ctx, snap.Debate); err != nil {
		return nil, err
	}
	if len(snap.Events) > 0 {
		if err := s.ReplaceEvents(ctx, id, snap.Events); err != nil {
			return nil, err
		}
	}
	if len(snap.OutputEvents) > 0 {
		if err := s.ReplaceOutputEvents(ctx, id, snap.OutputEvents); err != nil {
			return nil, err
		}
	}
	return &ImportResult{DebateID: id, Status: ImportStatusImported}, nil
}

func debateID(debate Debate) string {
	id, _ := debate["debate_id"].(string)
	return strings.TrimSpace(id)
}
