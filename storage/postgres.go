package storage

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

type PSQLStorage struct {
	db *sql.DB
}

// Creates a new Postgres StopNameStore using the provided connection
// string.
//
// If clearDB is true, the database will be cleared on startup. You
// probably only want this for testing.
func NewPSQLStorage(connStr string, clearDB bool) (*PSQLStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		_, err = db.Exec(`
DROP TABLE IF EXISTS stop_name_snapshot;
DROP TABLE IF EXISTS stop_names;
`)
		if err != nil {
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS stop_name_snapshot (
    id INTEGER NOT NULL,
    source TEXT NOT NULL,
    loaded_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS stop_names (
    stop_id TEXT NOT NULL,
    stop_name TEXT NOT NULL,
    PRIMARY KEY (stop_id)
);`)
	if err != nil {
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &PSQLStorage{
		db: db,
	}, nil
}

func (s *PSQLStorage) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

func (s *PSQLStorage) ReadStopNames() (*StopNameSnapshot, error) {
	snapshot := &StopNameSnapshot{
		Names: map[string]string{},
	}

	row := s.db.QueryRow(`SELECT source, loaded_at FROM stop_name_snapshot WHERE id = 1`)
	err := row.Scan(&snapshot.Source, &snapshot.LoadedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}

	rows, err := s.db.Query(`SELECT stop_id, stop_name FROM stop_names`)
	if err != nil {
		return nil, fmt.Errorf("querying stop names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scanning stop name: %w", err)
		}
		snapshot.Names[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stop names: %w", err)
	}

	return snapshot, nil
}

// Replaces the stored snapshot. Stop names are bulk loaded with COPY,
// all within a single transaction.
func (s *PSQLStorage) WriteStopNames(snapshot *StopNameSnapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`DELETE FROM stop_names`)
	if err != nil {
		return fmt.Errorf("clearing stop names: %w", err)
	}

	_, err = tx.Exec(`
INSERT INTO stop_name_snapshot (id, source, loaded_at)
VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE SET source = EXCLUDED.source, loaded_at = EXCLUDED.loaded_at`,
		snapshot.Source,
		snapshot.LoadedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting snapshot: %w", err)
	}

	stmt, err := tx.Prepare(pq.CopyIn("stop_names", "stop_id", "stop_name"))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, entry := range snapshot.sorted() {
		_, err = stmt.Exec(entry.ID, entry.Name)
		if err != nil {
			return fmt.Errorf("COPY stop name: %w", err)
		}
	}

	_, err = stmt.Exec()
	if err != nil {
		return fmt.Errorf("executing statement: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}
