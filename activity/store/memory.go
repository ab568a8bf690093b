package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory implementation of Store[S].
//
// It is thread-safe and intended for tests and single-process hosts where
// snapshots do not need to outlive the process.
type MemStore[S any] struct {
	mu          sync.RWMutex
	turns       map[string][]TurnRecord[S] // workflowID -> turns ordered by Turn
	checkpoints map[string]Checkpoint[S]
	closed      bool
}

// NewMemStore creates a new in-memory store.
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		turns:       make(map[string][]TurnRecord[S]),
		checkpoints: make(map[string]Checkpoint[S]),
	}
}

// SaveTurn persists a snapshot for the given turn.
func (m *MemStore[S]) SaveTurn(_ context.Context, workflowID string, turn int, status string, snapshot S) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	rec := TurnRecord[S]{Turn: turn, Status: status, Snapshot: snapshot}
	records := m.turns[workflowID]

	i := sort.Search(len(records), func(i int) bool { return records[i].Turn >= turn })
	if i < len(records) && records[i].Turn == turn {
		records[i] = rec
		return nil
	}

	records = append(records, TurnRecord[S]{})
	copy(records[i+1:], records[i:])
	records[i] = rec
	m.turns[workflowID] = records

	return nil
}

// LoadLatest returns the snapshot with the highest turn number.
func (m *MemStore[S]) LoadLatest(_ context.Context, workflowID string) (snapshot S, turn int, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return snapshot, 0, ErrClosed
	}

	records := m.turns[workflowID]
	if len(records) == 0 {
		return snapshot, 0, ErrNotFound
	}

	latest := records[len(records)-1]
	return latest.Snapshot, latest.Turn, nil
}

// SaveCheckpoint stores a named checkpoint, replacing any previous one.
func (m *MemStore[S]) SaveCheckpoint(_ context.Context, cpID string, snapshot S, turn int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.checkpoints[cpID] = Checkpoint[S]{ID: cpID, Snapshot: snapshot, Turn: turn}
	return nil
}

// LoadCheckpoint returns a named checkpoint.
func (m *MemStore[S]) LoadCheckpoint(_ context.Context, cpID string) (snapshot S, turn int, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return snapshot, 0, ErrClosed
	}

	cp, ok := m.checkpoints[cpID]
	if !ok {
		return snapshot, 0, ErrNotFound
	}
	return cp.Snapshot, cp.Turn, nil
}

// ListByStatus returns workflows whose latest turn has the given status.
func (m *MemStore[S]) ListByStatus(_ context.Context, status string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	ids := []string{}
	for id, records := range m.turns {
		if len(records) > 0 && records[len(records)-1].Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes every turn saved for workflowID.
func (m *MemStore[S]) Delete(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	delete(m.turns, workflowID)
	return nil
}

// Close marks the store closed. Further operations return ErrClosed.
func (m *MemStore[S]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

type memStoreJSON[S any] struct {
	Turns       map[string][]TurnRecord[S] `json:"turns"`
	Checkpoints map[string]Checkpoint[S]   `json:"checkpoints"`
}

// MarshalJSON serializes the full contents of the store, so that tests can
// dump and reload a MemStore.
func (m *MemStore[S]) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return json.Marshal(memStoreJSON[S]{Turns: m.turns, Checkpoints: m.checkpoints})
}

// UnmarshalJSON replaces the contents of the store.
func (m *MemStore[S]) UnmarshalJSON(data []byte) error {
	var v memStoreJSON[S]
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("failed to unmarshal store: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.turns = v.Turns
	if m.turns == nil {
		m.turns = make(map[string][]TurnRecord[S])
	}
	m.checkpoints = v.Checkpoints
	if m.checkpoints == nil {
		m.checkpoints = make(map[string]Checkpoint[S])
	}
	return nil
}
