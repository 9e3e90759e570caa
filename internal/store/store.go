package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"presence/scanning-server/internal/model"

	_ "modernc.org/sqlite"
)

const (
	// MaxClients is the row ceiling that triggers the capacity guard.
	MaxClients = 6000

	// RecencyWindow is the lookback used by ListRecentClients.
	RecencyWindow = 900 * time.Second

	// FilterAll is the sentinel filter value that matches every row.
	FilterAll = "All"
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection serializes upserts, which keeps each per-mac
	// update-or-insert atomic with respect to concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist. It is idempotent: rows survive
// restarts, and the only full resets are the capacity guard and an explicit
// admin wipe.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS clients (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			mac TEXT NOT NULL,
			seen_at TEXT NOT NULL,
			lat REAL,
			lng REAL,
			unc REAL,
			manufacturer TEXT,
			os TEXT,
			floors TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL DEFAULT '',
			seen_epoch INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_clients_mac ON clients(mac);`,
		`CREATE INDEX IF NOT EXISTS idx_clients_seen_epoch ON clients(seen_epoch);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			mac TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpsertClient records the latest observation for a MAC, overwriting any
// previous state in place. The mac column carries no UNIQUE constraint, so
// this update-then-insert inside a transaction is what keeps one row per
// device. Last writer wins by arrival order; an observation delivered late
// will overwrite a newer one.
func (s *Store) UpsertClient(ctx context.Context, obs model.Observation, apFloors, eventType string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if obs.ClientMac == "" {
		return fmt.Errorf("missing client mac")
	}

	seenAt, seenEpoch := observationInstant(obs)

	var lat, lng, unc sql.NullFloat64
	if obs.Location != nil {
		lat = sql.NullFloat64{Float64: obs.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: obs.Location.Lng, Valid: true}
		unc = sql.NullFloat64{Float64: obs.Location.Unc, Valid: true}
	}

	var manufacturer, osName sql.NullString
	if obs.Manufacturer != nil {
		manufacturer = sql.NullString{String: *obs.Manufacturer, Valid: true}
	}
	if obs.OS != nil {
		osName = sql.NullString{String: *obs.OS, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE clients
		 SET seen_at = ?, lat = ?, lng = ?, unc = ?, manufacturer = ?, os = ?,
		     floors = ?, event_type = ?, seen_epoch = ?
		 WHERE mac = ?;`,
		seenAt.UTC().Format(time.RFC3339Nano), lat, lng, unc, manufacturer, osName,
		apFloors, eventType, seenEpoch, obs.ClientMac,
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update client: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update client rows affected: %w", err)
	}

	if affected == 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO clients (mac, seen_at, lat, lng, unc, manufacturer, os, floors, event_type, seen_epoch)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			obs.ClientMac, seenAt.UTC().Format(time.RFC3339Nano), lat, lng, unc, manufacturer, osName,
			apFloors, eventType, seenEpoch,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert client: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}

	return nil
}

// observationInstant resolves the redundant time encodings of an
// observation into one instant plus its epoch-seconds form. seenTime wins
// when parseable, then seenEpoch, then the wall clock.
func observationInstant(obs model.Observation) (time.Time, int64) {
	if obs.SeenTime != "" {
		if ts, err := time.Parse(time.RFC3339Nano, obs.SeenTime); err == nil {
			return ts, ts.Unix()
		}
		if ts, err := time.Parse(time.RFC3339, obs.SeenTime); err == nil {
			return ts, ts.Unix()
		}
	}

	if obs.SeenEpoch != nil {
		return time.Unix(*obs.SeenEpoch, 0), *obs.SeenEpoch
	}

	now := time.Now().UTC()
	return now, now.Unix()
}

// GetClientByMac returns the state for one MAC, or nil when the device has
// never been observed. Absence is not an error.
func (s *Store) GetClientByMac(ctx context.Context, mac string) (*model.Client, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, mac, seen_at, lat, lng, unc, manufacturer, os, floors, event_type, seen_epoch
		 FROM clients WHERE mac = ?;`, mac)

	client, err := scanClient(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}

	return client, nil
}

// ListRecentClients returns every client seen inside the recency window,
// optionally narrowed by exact event type and floors. The FilterAll
// sentinel (or an empty value) disables a filter. Results are unpaginated.
func (s *Store) ListRecentClients(ctx context.Context, eventType, floors string) ([]model.Client, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	cutoff := time.Now().Add(-RecencyWindow).Unix()

	query := `SELECT id, mac, seen_at, lat, lng, unc, manufacturer, os, floors, event_type, seen_epoch
	 FROM clients WHERE seen_epoch > ?`
	args := []interface{}{cutoff}

	if eventType != "" && eventType != FilterAll {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}
	if floors != "" && floors != FilterAll {
		query += ` AND floors = ?`
		args = append(args, floors)
	}
	query += ` ORDER BY seen_epoch DESC`

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("query recent clients: %w", err)
	}
	defer rows.Close()

	clients := make([]model.Client, 0)
	for rows.Next() {
		client, err := scanClient(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, *client)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}

	return clients, nil
}

// DistinctFloors returns the set of floors values across all clients,
// used to populate a floor selection control.
func (s *Store) DistinctFloors(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT floors FROM clients ORDER BY floors;`)
	if err != nil {
		return nil, fmt.Errorf("query distinct floors: %w", err)
	}
	defer rows.Close()

	floors := make([]string, 0)
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scan floors: %w", err)
		}
		floors = append(floors, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate floors: %w", err)
	}

	return floors, nil
}

// CountClients returns the live row count.
func (s *Store) CountClients(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clients;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count clients: %w", err)
	}
	return count, nil
}

// ResetClients removes every client row.
func (s *Store) ResetClients(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM clients;`); err != nil {
		return fmt.Errorf("reset clients: %w", err)
	}
	return nil
}

// EnforceClientCap wipes the whole table once the row count reaches max.
// The eviction is deliberately all-or-nothing and only ever runs from the
// listing read path; a query issued right after the wipe sees an empty
// store. Returns whether a wipe happened.
func (s *Store) EnforceClientCap(ctx context.Context, max int) (bool, error) {
	count, err := s.CountClients(ctx)
	if err != nil {
		return false, err
	}

	if count < max {
		return false, nil
	}

	if err := s.ResetClients(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// RecordIngestionError persists a payload that failed decoding or
// validation.
func (s *Store) RecordIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_errors (mac, payload, error) VALUES (?, ?, ?);`,
		e.Mac, e.Payload, e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// scanClient reads one clients row through the supplied Scan function.
func scanClient(scan func(dest ...interface{}) error) (*model.Client, error) {
	var (
		client       model.Client
		seenAtStr    string
		lat, lng     sql.NullFloat64
		unc          sql.NullFloat64
		manufacturer sql.NullString
		osName       sql.NullString
	)

	if err := scan(&client.ID, &client.Mac, &seenAtStr, &lat, &lng, &unc,
		&manufacturer, &osName, &client.Floors, &client.EventType, &client.SeenEpoch); err != nil {
		return nil, err
	}

	seenAt, err := time.Parse(time.RFC3339Nano, seenAtStr)
	if err != nil {
		seenAt, _ = time.Parse("2006-01-02T15:04:05Z07:00", seenAtStr)
	}
	client.SeenAt = seenAt

	if lat.Valid {
		v := lat.Float64
		client.Lat = &v
	}
	if lng.Valid {
		v := lng.Float64
		client.Lng = &v
	}
	if unc.Valid {
		v := unc.Float64
		client.Unc = &v
	}
	if manufacturer.Valid {
		v := manufacturer.String
		client.Manufacturer = &v
	}
	if osName.Valid {
		v := osName.String
		client.OS = &v
	}

	return &client, nil
}
