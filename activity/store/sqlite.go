package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store[S].
//
// It stores workflow snapshots in a single-file database using the pure Go
// modernc.org/sqlite driver. Designed for development, tests and
// single-process hosts.
//
// Schema:
//   - workflow_turns: one row per persisted turn
//   - workflow_checkpoints: named checkpoints
type SQLiteStore[S any] struct {
	sqlStore[S]
	path string
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS workflow_turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			turn INTEGER NOT NULL,
			status TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(workflow_id, turn)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_turns_status ON workflow_turns(status)`,
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			checkpoint_id TEXT PRIMARY KEY,
			turn INTEGER NOT NULL,
			snapshot TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	},
	upsertTurn: `
		INSERT INTO workflow_turns (workflow_id, turn, status, snapshot)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workflow_id, turn) DO UPDATE SET
			status = excluded.status,
			snapshot = excluded.snapshot
	`,
	upsertCheckpnt: `
		INSERT INTO workflow_checkpoints (checkpoint_id, turn, snapshot)
		VALUES (?, ?, ?)
		ON CONFLICT(checkpoint_id) DO UPDATE SET
			turn = excluded.turn,
			snapshot = excluded.snapshot
	`,
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./dev.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store enables WAL mode, sets a busy timeout and creates its tables on
// first use.
func NewSQLiteStore[S any](path string) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore[S]{
		sqlStore: sqlStore[S]{db: db, dialect: sqliteDialect},
		path:     path,
	}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore[S]) Path() string {
	return s.path
}
