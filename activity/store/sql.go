package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// dialect holds the statements that differ between SQL backends.
type dialect struct {
	name           string
	schema         []string
	upsertTurn     string
	upsertCheckpnt string
}

// sqlStore implements the Store operations shared by the SQL backends.
type sqlStore[S any] struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
}

func (s *sqlStore[S]) createTables(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *sqlStore[S]) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	return nil
}

// SaveTurn persists the snapshot for a turn, replacing an existing record for
// the same workflow and turn.
func (s *sqlStore[S]) SaveTurn(ctx context.Context, workflowID string, turn int, status string, snapshot S) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, s.dialect.upsertTurn, workflowID, turn, status, string(data)); err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

// LoadLatest returns the snapshot with the highest turn number.
func (s *sqlStore[S]) LoadLatest(ctx context.Context, workflowID string) (snapshot S, turn int, err error) {
	if err := s.checkOpen(); err != nil {
		return snapshot, 0, err
	}

	query := `
		SELECT turn, snapshot
		FROM workflow_turns
		WHERE workflow_id = ?
		ORDER BY turn DESC
		LIMIT 1
	`

	var data string
	err = s.db.QueryRowContext(ctx, query, workflowID).Scan(&turn, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot, 0, ErrNotFound
	}
	if err != nil {
		return snapshot, 0, fmt.Errorf("failed to load latest turn: %w", err)
	}

	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return snapshot, 0, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snapshot, turn, nil
}

// SaveCheckpoint stores a named checkpoint, replacing any previous one.
func (s *sqlStore[S]) SaveCheckpoint(ctx context.Context, cpID string, snapshot S, turn int) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, s.dialect.upsertCheckpnt, cpID, turn, string(data)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns a named checkpoint.
func (s *sqlStore[S]) LoadCheckpoint(ctx context.Context, cpID string) (snapshot S, turn int, err error) {
	if err := s.checkOpen(); err != nil {
		return snapshot, 0, err
	}

	var data string
	err = s.db.QueryRowContext(
		ctx,
		`SELECT turn, snapshot FROM workflow_checkpoints WHERE checkpoint_id = ?`,
		cpID,
	).Scan(&turn, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot, 0, ErrNotFound
	}
	if err != nil {
		return snapshot, 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return snapshot, 0, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snapshot, turn, nil
}

// ListByStatus returns workflows whose latest turn has the given status.
func (s *sqlStore[S]) ListByStatus(ctx context.Context, status string) (ids []string, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT t.workflow_id
		FROM workflow_turns t
		JOIN (
			SELECT workflow_id, MAX(turn) AS turn
			FROM workflow_turns
			GROUP BY workflow_id
		) l ON t.workflow_id = l.workflow_id AND t.turn = l.turn
		WHERE t.status = ?
		ORDER BY t.workflow_id
	`

	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ids = []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan workflow id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes every turn saved for workflowID.
func (s *sqlStore[S]) Delete(ctx context.Context, workflowID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_turns WHERE workflow_id = ?`, workflowID); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	return nil
}

// Close closes the database connection. It is safe to call more than once.
func (s *sqlStore[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *sqlStore[S]) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}
