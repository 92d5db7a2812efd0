package cursor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQL stores cursors in a mirror_cursors table keyed by cursor name. It backs
// both the PostgreSQL and the SQLite store.
type SQL struct {
	db  *sql.DB
	key string

	selectQuery string
	upsertQuery string
}

const createTable = `
CREATE TABLE IF NOT EXISTS mirror_cursors (
    name TEXT PRIMARY KEY,
    last_mirrored_id TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

// OpenPostgres connects to PostgreSQL at the given URL, verifies the
// connection and creates the cursor table if needed. The caller should call
// Close when the store is no longer needed.
func OpenPostgres(ctx context.Context, databaseURL, key string) (*SQL, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return newSQL(ctx, db, key,
		`SELECT last_mirrored_id FROM mirror_cursors WHERE name = $1`,
		`INSERT INTO mirror_cursors (name, last_mirrored_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET last_mirrored_id = excluded.last_mirrored_id, updated_at = excluded.updated_at`,
	)
}

// OpenSQLite opens (or creates) the SQLite database at path. ":memory:"
// opens a private in-memory database.
func OpenSQLite(ctx context.Context, path, key string) (*SQL, error) {
	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if inMemory {
		// Every connection to :memory: is a different database.
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.ExecContext(ctx, `
			PRAGMA journal_mode=WAL;
			PRAGMA busy_timeout=5000;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}

	return newSQL(ctx, db, key,
		`SELECT last_mirrored_id FROM mirror_cursors WHERE name = ?`,
		`INSERT INTO mirror_cursors (name, last_mirrored_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET last_mirrored_id = excluded.last_mirrored_id, updated_at = excluded.updated_at`,
	)
}

func newSQL(ctx context.Context, db *sql.DB, key, selectQuery, upsertQuery string) (*SQL, error) {
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cursor table: %w", err)
	}
	return &SQL{
		db:          db,
		key:         key,
		selectQuery: selectQuery,
		upsertQuery: upsertQuery,
	}, nil
}

// Close closes the underlying database connection.
func (s *SQL) Close() error {
	return s.db.Close()
}

// GetCursor retrieves the saved cursor.
func (s *SQL) GetCursor(ctx context.Context) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.selectQuery, s.key).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select cursor %s: %w", s.key, err)
	}
	return id, true, nil
}

// UpdateCursor upserts the cursor.
func (s *SQL) UpdateCursor(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.upsertQuery, s.key, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert cursor %s: %w", s.key, err)
	}
	return nil
}
