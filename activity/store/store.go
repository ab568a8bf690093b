// Package store persists workflow snapshots between execution turns.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested workflow ID or checkpoint ID does
// not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by every operation on a store that has been closed.
var ErrClosed = errors.New("store is closed")

// Store provides persistence for workflow snapshots.
//
// It enables:
//   - Turn-by-turn snapshot persistence while a workflow is idle
//   - Latest snapshot retrieval for resumption after a restart
//   - Named checkpoints that can seed new workflow instances
//   - Status queries so a host process can find idle workflows to reload
//
// Implementations:
//   - MemStore: in-memory maps, for tests
//   - SQLiteStore: single-file database, for development
//   - MySQLStore: shared relational database
//   - BoltStore: embedded key/value file
//
// Type parameter S is the snapshot type to persist. It must be
// JSON-serializable.
type Store[S any] interface {
	// SaveTurn persists the snapshot taken after the given turn along with
	// the workflow's status at that time. Saving the same turn twice
	// replaces the earlier record.
	SaveTurn(ctx context.Context, workflowID string, turn int, status string, snapshot S) error

	// LoadLatest returns the snapshot with the highest turn number.
	// Returns ErrNotFound if workflowID has no saved turns.
	LoadLatest(ctx context.Context, workflowID string) (snapshot S, turn int, err error)

	// SaveCheckpoint stores a snapshot under a user-defined label.
	SaveCheckpoint(ctx context.Context, cpID string, snapshot S, turn int) error

	// LoadCheckpoint returns a previously saved checkpoint.
	// Returns ErrNotFound if cpID does not exist.
	LoadCheckpoint(ctx context.Context, cpID string) (snapshot S, turn int, err error)

	// ListByStatus returns the IDs of workflows whose most recent turn was
	// saved with the given status, sorted ascending.
	ListByStatus(ctx context.Context, status string) ([]string, error)

	// Delete removes every turn saved for workflowID. Deleting an unknown
	// workflow is not an error.
	Delete(ctx context.Context, workflowID string) error

	// Close releases the resources held by the store.
	Close() error
}

// TurnRecord represents a single persisted turn of a workflow.
type TurnRecord[S any] struct {
	// Turn is the number of work items executed when the snapshot was taken.
	Turn int `json:"turn"`

	// Status is the workflow status at the time of the snapshot.
	Status string `json:"status"`

	// Snapshot is the serialized workflow instance.
	Snapshot S `json:"snapshot"`
}

// Checkpoint represents a named snapshot of a workflow.
type Checkpoint[S any] struct {
	// ID is the unique checkpoint identifier.
	ID string `json:"id"`

	// Snapshot is the saved workflow instance.
	Snapshot S `json:"snapshot"`

	// Turn is the turn number when this checkpoint was created.
	Turn int `json:"turn"`
}

var (
	_ Store[int] = (*MemStore[int])(nil)
	_ Store[int] = (*SQLiteStore[int])(nil)
	_ Store[int] = (*MySQLStore[int])(nil)
	_ Store[int] = (*BoltStore[int])(nil)
)
