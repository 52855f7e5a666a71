// Package registry persists the small per-replica supervision record
// (identity, last known state, generation counter) so the controller
// resumes where it left off after a restart.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS replicas (
	id            TEXT PRIMARY KEY,
	endpoint      TEXT NOT NULL,
	data_dir      TEXT NOT NULL DEFAULT '',
	service_id    TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL,
	generation    INTEGER NOT NULL DEFAULT 0,
	registered_at TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);`

// Record is one replica's durable supervision state.
type Record struct {
	ID           string    `json:"id"`
	Endpoint     string    `json:"endpoint"`
	DataDir      string    `json:"data_dir"`
	ServiceID    string    `json:"service_id"`
	State        string    `json:"state"`
	Generation   uint64    `json:"generation"`
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store is a SQLite-backed replica registry.
type Store struct {
	db *sql.DB
}

// Open creates or opens the registry database at path and applies the
// schema. Safe to call repeatedly.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect registry: %w", err)
	}

	// SQLite allows one writer; the controller is the only writer
	// anyway, so a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply registry schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts a replica record.
func (s *Store) Save(ctx context.Context, r Record) error {
	now := time.Now().UTC()
	if r.RegisteredAt.IsZero() {
		r.RegisteredAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replicas (id, endpoint, data_dir, service_id, state, generation, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			endpoint = excluded.endpoint,
			data_dir = excluded.data_dir,
			service_id = excluded.service_id,
			state = excluded.state,
			generation = excluded.generation,
			updated_at = excluded.updated_at`,
		r.ID, r.Endpoint, r.DataDir, r.ServiceID, r.State, r.Generation, r.RegisteredAt, now)
	if err != nil {
		return fmt.Errorf("save replica %q: %w", r.ID, err)
	}
	return nil
}

// UpdateState persists a committed state transition and the current
// generation counter.
func (s *Store) UpdateState(ctx context.Context, id, state string, generation uint64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE replicas SET state = ?, generation = ?, updated_at = ? WHERE id = ?`,
		state, generation, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update replica %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update replica %q: not registered", id)
	}
	return nil
}

// Get returns one replica record.
func (s *Store) Get(ctx context.Context, id string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, endpoint, data_dir, service_id, state, generation, registered_at, updated_at
		FROM replicas WHERE id = ?`, id)
	var r Record
	err := row.Scan(&r.ID, &r.Endpoint, &r.DataDir, &r.ServiceID, &r.State, &r.Generation, &r.RegisteredAt, &r.UpdatedAt)
	switch {
	case err == sql.ErrNoRows:
		return Record{}, false, nil
	case err != nil:
		return Record{}, false, fmt.Errorf("get replica %q: %w", id, err)
	}
	return r, true, nil
}

// List returns all registered replicas ordered by ID.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint, data_dir, service_id, state, generation, registered_at, updated_at
		FROM replicas ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list replicas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Endpoint, &r.DataDir, &r.ServiceID, &r.State, &r.Generation, &r.RegisteredAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan replica: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a replica record on deregistration.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM replicas WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete replica %q: %w", id, err)
	}
	return nil
}
