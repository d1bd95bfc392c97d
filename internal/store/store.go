// Package store implements the state store adapter: a sqlite-backed
// persistence layer for process records and their append-only event
// stream, using modernc.org/sqlite registered under database/sql with
// a single writer connection.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ghost/internal/config"
	"ghost/internal/config/logger"
	"ghost/internal/ghosterr"
	"ghost/internal/model"
)

// requiredTables lists the tables Store.verifySchema checks for at the
// end of EnsureSchema.
var requiredTables = []string{"processes", "process_events"}

// Store is the State Store Adapter.
type Store struct {
	db  *sql.DB
	log logger.Logger
}

// New opens the sqlite database at cfg.DataDir/ghost.db. It does not
// create the schema: call EnsureSchema once during daemon bootstrap
// before any other Store method is used.
func New(cfg *config.Config, log logger.Logger) (*Store, error) {
	dsn := fmt.Sprintf("%s/ghost.db?_pragma=busy_timeout(5000)", cfg.DataDir)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %w", ghosterr.ErrPersistenceFailed, err)
	}

	db.SetMaxOpenConns(1)

	return &Store{db: db, log: log.WithComponent("STORE")}, nil
}

// NewWithDB wraps an already-open database handle; used by tests.
// internal/outbox shares the state store's handle through DB instead.
func NewWithDB(db *sql.DB, log logger.Logger) *Store {
	return &Store{db: db, log: log.WithComponent("STORE")}
}

// DB exposes the underlying handle so internal/outbox can share the same
// sqlite file instead of opening a second single-writer connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the processes and process_events tables if they do
// not already exist. It runs once at daemon bootstrap, not on every
// operation.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processes (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			config TEXT NOT NULL,
			metrics TEXT NOT NULL DEFAULT '{}',
			last_heartbeat DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS process_events (
			id INTEGER,
			process_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data BLOB,
			timestamp DATETIME NOT NULL,
			PRIMARY KEY (process_id, id, timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_process_events_process_id ON process_events (process_id, timestamp)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: ensure schema: %w", ghosterr.ErrPersistenceFailed, err)
		}
	}

	return s.verifySchema(ctx)
}

// verifySchema fails loudly if any required table is absent.
func (s *Store) verifySchema(ctx context.Context) error {
	for _, table := range requiredTables {
		var name string

		err := s.db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table,
		).Scan(&name)

		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: table %q", ghosterr.ErrSchemaMissing, table)
		}

		if err != nil {
			return fmt.Errorf("%w: verify schema: %w", ghosterr.ErrPersistenceFailed, err)
		}
	}

	return nil
}

type configDoc struct {
	Type             model.ProcessType `json:"type"`
	Version          string            `json:"version"`
	ExecutablePath   string            `json:"executablePath"`
	Arguments        []string          `json:"arguments"`
	WorkingDirectory string            `json:"workingDirectory"`
	Environment      map[string]string `json:"environment"`
	Configuration    map[string]string `json:"configuration"`
	Tier             string            `json:"tier"`
	OsPid            int               `json:"osPid"`
	RestartCount     int               `json:"restartCount"`
	LastExitCode     int               `json:"lastExitCode"`
	StartedAt        time.Time         `json:"startedAt"`
	Tags             map[string]string `json:"tags"`
}

func encodeConfig(p model.ProcessInfo) ([]byte, error) {
	return json.Marshal(configDoc{
		Type:             p.Type,
		Version:          p.Version,
		ExecutablePath:   p.ExecutablePath,
		Arguments:        p.Arguments,
		WorkingDirectory: p.WorkingDirectory,
		Environment:      p.Environment,
		Configuration:    p.Configuration,
		Tier:             p.Tier,
		OsPid:            p.OsPid,
		RestartCount:     p.RestartCount,
		LastExitCode:     p.LastExitCode,
		StartedAt:        p.StartedAt,
		Tags:             p.Tags,
	})
}

func decodeConfig(raw string) (configDoc, error) {
	var doc configDoc
	err := json.Unmarshal([]byte(raw), &doc)

	return doc, err
}

func encodeMetrics(m model.ProcessMetrics) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMetrics(raw string) (model.ProcessMetrics, error) {
	var m model.ProcessMetrics
	if raw == "" {
		return m, nil
	}

	err := json.Unmarshal([]byte(raw), &m)

	return m, err
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting UpsertProcess
// and AppendEvent run standalone or as part of a WithTransaction pair.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertProcess atomically writes the full row for p.
func (s *Store) UpsertProcess(ctx context.Context, p model.ProcessInfo) error {
	return s.upsertProcess(ctx, s.db, p)
}

func (s *Store) upsertProcess(ctx context.Context, ex execer, p model.ProcessInfo) error {
	cfgBytes, err := encodeConfig(p)
	if err != nil {
		return fmt.Errorf("%w: encode config: %w", ghosterr.ErrPersistenceFailed, err)
	}

	metricsBytes, err := encodeMetrics(p.LastMetrics)
	if err != nil {
		return fmt.Errorf("%w: encode metrics: %w", ghosterr.ErrPersistenceFailed, err)
	}

	now := time.Now().UTC()

	_, err = ex.ExecContext(ctx, `
		INSERT INTO processes (id, name, type, status, config, metrics, last_heartbeat, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			config = excluded.config,
			metrics = excluded.metrics,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at
	`, p.Id, p.Name, string(p.Type), string(p.Status), string(cfgBytes), string(metricsBytes),
		nullableTime(p.LastHeartbeat), now, now)

	if err != nil {
		return fmt.Errorf("%w: upsert process %s: %w", ghosterr.ErrPersistenceFailed, p.Id, err)
	}

	return nil
}

// UpdateStatus transitions id's status, conditional on the row existing.
func (s *Store) UpdateStatus(ctx context.Context, id string, status model.Status, ts time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), ts.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("%w: update status %s: %w", ghosterr.ErrPersistenceFailed, id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ghosterr.ErrPersistenceFailed, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: process %s", ghosterr.ErrNotFound, id)
	}

	return nil
}

// AppendEvent appends an immutable event record.
func (s *Store) AppendEvent(ctx context.Context, id string, eventType model.EventType, payload []byte, ts time.Time) error {
	return s.appendEvent(ctx, s.db, id, eventType, payload, ts)
}

func (s *Store) appendEvent(ctx context.Context, ex execer, id string, eventType model.EventType, payload []byte, ts time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO process_events (id, process_id, event_type, event_data, timestamp)
		VALUES ((SELECT COALESCE(MAX(id), 0) + 1 FROM process_events WHERE process_id = ?), ?, ?, ?, ?)
	`, id, id, string(eventType), payload, ts.UTC())

	if err != nil {
		return fmt.Errorf("%w: append event %s: %w", ghosterr.ErrPersistenceFailed, id, err)
	}

	return nil
}

// TransitionAndAppend upserts p and appends its paired lifecycle event
// in one transaction, so a persisted state transition and its event
// record land atomically.
func (s *Store) TransitionAndAppend(ctx context.Context, p model.ProcessInfo, eventType model.EventType, payload []byte, ts time.Time) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		if err := s.upsertProcess(ctx, tx, p); err != nil {
			return err
		}

		return s.appendEvent(ctx, tx, p.Id, eventType, payload, ts)
	})
}

// PatchLatestMetrics updates only the metrics snapshot and heartbeat time.
func (s *Store) PatchLatestMetrics(ctx context.Context, id string, snapshot model.ProcessMetrics, ts time.Time) error {
	metricsBytes, err := encodeMetrics(snapshot)
	if err != nil {
		return fmt.Errorf("%w: encode metrics: %w", ghosterr.ErrPersistenceFailed, err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET metrics = ?, last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		string(metricsBytes), ts.UTC(), ts.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("%w: patch metrics %s: %w", ghosterr.ErrPersistenceFailed, id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ghosterr.ErrPersistenceFailed, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: process %s", ghosterr.ErrNotFound, id)
	}

	return nil
}

func (s *Store) scanProcess(row interface {
	Scan(dest ...any) error
}) (model.ProcessInfo, error) {
	var (
		id, name, typ, status, cfgRaw, metricsRaw string
		lastHeartbeat                             sql.NullTime
	)

	if err := row.Scan(&id, &name, &typ, &status, &cfgRaw, &metricsRaw, &lastHeartbeat); err != nil {
		return model.ProcessInfo{}, err
	}

	doc, err := decodeConfig(cfgRaw)
	if err != nil {
		return model.ProcessInfo{}, fmt.Errorf("decode config for %s: %w", id, err)
	}

	metrics, err := decodeMetrics(metricsRaw)
	if err != nil {
		return model.ProcessInfo{}, fmt.Errorf("decode metrics for %s: %w", id, err)
	}

	resolvedStatus := model.Status(status)
	if !model.ValidStatus(status) {
		s.log.Warn().Str("id", id).Str("status", status).Msg("unknown persisted status, treating as Warning")
		resolvedStatus = model.StatusWarning
	}

	info := model.ProcessInfo{
		ProcessRegistration: model.ProcessRegistration{
			Id:               id,
			Name:             name,
			Type:             model.ProcessType(typ),
			Version:          doc.Version,
			ExecutablePath:   doc.ExecutablePath,
			Arguments:        doc.Arguments,
			WorkingDirectory: doc.WorkingDirectory,
			Environment:      doc.Environment,
			Configuration:    doc.Configuration,
			Tier:             doc.Tier,
		},
		Status:       resolvedStatus,
		OsPid:        doc.OsPid,
		StartedAt:    doc.StartedAt,
		RestartCount: doc.RestartCount,
		LastExitCode: doc.LastExitCode,
		LastMetrics:  metrics,
		Tags:         doc.Tags,
	}

	if lastHeartbeat.Valid {
		info.LastHeartbeat = lastHeartbeat.Time
	}

	return info, nil
}

// QueryLatest returns the current row for id.
func (s *Store) QueryLatest(ctx context.Context, id string) (model.ProcessInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, status, config, metrics, last_heartbeat
		FROM processes WHERE id = ?
	`, id)

	info, err := s.scanProcess(row)
	if err == sql.ErrNoRows {
		return model.ProcessInfo{}, fmt.Errorf("%w: process %s", ghosterr.ErrNotFound, id)
	}

	if err != nil {
		return model.ProcessInfo{}, fmt.Errorf("%w: query latest %s: %w", ghosterr.ErrPersistenceFailed, id, err)
	}

	return info, nil
}

// QueryActive returns every process not in a terminal Stopped/Failed state.
func (s *Store) QueryActive(ctx context.Context) ([]model.ProcessInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, status, config, metrics, last_heartbeat
		FROM processes
		WHERE status NOT IN (?, ?)
		ORDER BY id
	`, string(model.StatusStopped), string(model.StatusFailed))

	if err != nil {
		return nil, fmt.Errorf("%w: query active: %w", ghosterr.ErrPersistenceFailed, err)
	}
	defer rows.Close()

	var out []model.ProcessInfo

	for rows.Next() {
		info, err := s.scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan active row: %w", ghosterr.ErrPersistenceFailed, err)
		}

		out = append(out, info)
	}

	return out, rows.Err()
}

// QueryEvents returns events for id in [from, to], optionally filtered by
// type and capped at limit (0 means unbounded).
func (s *Store) QueryEvents(ctx context.Context, id string, from, to time.Time, eventType model.EventType, limit int) ([]model.ProcessEvent, error) {
	query := `
		SELECT process_id, event_type, event_data, timestamp
		FROM process_events
		WHERE process_id = ? AND timestamp >= ? AND timestamp <= ?
	`
	args := []any{id, from.UTC(), to.UTC()}

	if eventType != "" {
		query += " AND event_type = ?"
		args = append(args, string(eventType))
	}

	query += " ORDER BY timestamp ASC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query events %s: %w", ghosterr.ErrPersistenceFailed, id, err)
	}
	defer rows.Close()

	var out []model.ProcessEvent

	for rows.Next() {
		var ev model.ProcessEvent

		var et string

		if err := rows.Scan(&ev.ProcessId, &et, &ev.Payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan event row: %w", ghosterr.ErrPersistenceFailed, err)
		}

		ev.EventType = model.EventType(et)
		out = append(out, ev)
	}

	return out, rows.Err()
}

// WithTransaction runs fn inside a sqlite transaction, rolling back on
// error or panic.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ghosterr.ErrPersistenceFailed, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}

		if err != nil {
			_ = tx.Rollback()
			return
		}

		err = tx.Commit()
	}()

	err = fn(tx)

	return err
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UTC()
}
