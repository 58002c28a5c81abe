package storage

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteConfig struct {
	OnDisk    bool
	Directory string
}

type SQLiteStorage struct {
	SQLiteConfig

	db *sql.DB
}

func NewSQLiteStorage(cfg ...SQLiteConfig) (*SQLiteStorage, error) {
	config := SQLiteConfig{}
	if len(cfg) > 0 {
		config = cfg[0]
	}

	sourceName := ":memory:"
	if config.OnDisk {
		if err := os.MkdirAll(config.Directory, 0755); err != nil {
			return nil, fmt.Errorf("creating directory: %w", err)
		}
		sourceName = config.Directory + "/gtfslive.db"
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is its own database.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS stop_name_snapshot (
    id INTEGER NOT NULL,
    source TEXT NOT NULL,
    loaded_at TIMESTAMP NOT NULL,
PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS stop_names (
    stop_id TEXT NOT NULL,
    stop_name TEXT NOT NULL,
PRIMARY KEY (stop_id)
);
`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &SQLiteStorage{
		SQLiteConfig: config,
		db:           db,
	}, nil
}

func (s *SQLiteStorage) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ReadStopNames() (*StopNameSnapshot, error) {
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
		err := rows.Scan(&id, &name)
		if err != nil {
			return nil, fmt.Errorf("scanning stop name: %w", err)
		}
		snapshot.Names[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stop names: %w", err)
	}

	return snapshot, nil
}

func (s *SQLiteStorage) WriteStopNames(snapshot *StopNameSnapshot) error {
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
INSERT OR REPLACE INTO stop_name_snapshot (id, source, loaded_at)
VALUES (1, ?, ?)`,
		snapshot.Source,
		snapshot.LoadedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO stop_names (stop_id, stop_name) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, entry := range snapshot.sorted() {
		_, err = stmt.Exec(entry.ID, entry.Name)
		if err != nil {
			return fmt.Errorf("inserting stop name: %w", err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}
