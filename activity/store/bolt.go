package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/multierr"
)

var (
	turnsBucket       = []byte("turns")
	latestBucket      = []byte("latest")
	checkpointsBucket = []byte("checkpoints")
)

// BoltStore is a BoltDB implementation of Store[S].
//
// Layout:
//
//	turns/<workflow id>/<big-endian turn> -> TurnRecord JSON
//	latest/<workflow id>                  -> latest turn number and status
//	checkpoints/<checkpoint id>           -> Checkpoint JSON
type BoltStore[S any] struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	closed bool
}

type latestRecord struct {
	Turn   int    `json:"turn"`
	Status string `json:"status"`
}

// NewBoltStore opens (or creates) a BoltDB file at path. If the deadline
// from ctx expires before the file lock is acquired the open fails.
func NewBoltStore[S any](ctx context.Context, path string, mode os.FileMode) (*BoltStore[S], error) {
	if mode == 0 {
		mode = 0600
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := *bbolt.DefaultOptions
	if deadline, ok := ctx.Deadline(); ok {
		opts.Timeout = time.Until(deadline)
		if opts.Timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	db, err := bbolt.Open(path, mode, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) (err error) {
		defer recoverPanic(&err)
		createBucket(tx, turnsBucket)
		createBucket(tx, latestBucket)
		createBucket(tx, checkpointsBucket)
		return nil
	})
	if err != nil {
		return nil, multierr.Append(err, db.Close())
	}

	return &BoltStore[S]{db: db}, nil
}

func (b *BoltStore[S]) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	return nil
}

// SaveTurn persists the snapshot for a turn and updates the latest index.
func (b *BoltStore[S]) SaveTurn(_ context.Context, workflowID string, turn int, status string, snapshot S) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(TurnRecord[S]{Turn: turn, Status: status, Snapshot: snapshot})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) (err error) {
		defer recoverPanic(&err)

		wf := createBucket(tx, turnsBucket, []byte(workflowID))
		put(wf, turnKey(turn), data)

		latest := tx.Bucket(latestBucket)
		var cur latestRecord
		if v := latest.Get([]byte(workflowID)); v != nil {
			must(json.Unmarshal(v, &cur))
			if cur.Turn > turn {
				return nil
			}
		}

		v, err := json.Marshal(latestRecord{Turn: turn, Status: status})
		must(err)
		put(latest, []byte(workflowID), v)
		return nil
	})
}

// LoadLatest returns the snapshot with the highest turn number.
func (b *BoltStore[S]) LoadLatest(_ context.Context, workflowID string) (snapshot S, turn int, err error) {
	if err := b.checkOpen(); err != nil {
		return snapshot, 0, err
	}

	var rec TurnRecord[S]
	found := false

	err = b.db.View(func(tx *bbolt.Tx) error {
		wf := tx.Bucket(turnsBucket).Bucket([]byte(workflowID))
		if wf == nil {
			return nil
		}
		_, v := wf.Cursor().Last()
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return snapshot, 0, fmt.Errorf("failed to load latest turn: %w", err)
	}
	if !found {
		return snapshot, 0, ErrNotFound
	}
	return rec.Snapshot, rec.Turn, nil
}

// SaveCheckpoint stores a named checkpoint, replacing any previous one.
func (b *BoltStore[S]) SaveCheckpoint(_ context.Context, cpID string, snapshot S, turn int) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(Checkpoint[S]{ID: cpID, Snapshot: snapshot, Turn: turn})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) (err error) {
		defer recoverPanic(&err)
		put(tx.Bucket(checkpointsBucket), []byte(cpID), data)
		return nil
	})
}

// LoadCheckpoint returns a named checkpoint.
func (b *BoltStore[S]) LoadCheckpoint(_ context.Context, cpID string) (snapshot S, turn int, err error) {
	if err := b.checkOpen(); err != nil {
		return snapshot, 0, err
	}

	var cp Checkpoint[S]
	found := false

	err = b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(checkpointsBucket).Get([]byte(cpID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &cp)
	})
	if err != nil {
		return snapshot, 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !found {
		return snapshot, 0, ErrNotFound
	}
	return cp.Snapshot, cp.Turn, nil
}

// ListByStatus returns workflows whose latest turn has the given status.
func (b *BoltStore[S]) ListByStatus(_ context.Context, status string) ([]string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	ids := []string{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(latestBucket).ForEach(func(k, v []byte) error {
			var rec latestRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Status == status {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	sort.Strings(ids)
	return ids, nil
}

// Delete removes every turn saved for workflowID.
func (b *BoltStore[S]) Delete(_ context.Context, workflowID string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) (err error) {
		defer recoverPanic(&err)

		turns := tx.Bucket(turnsBucket)
		if turns.Bucket([]byte(workflowID)) != nil {
			must(turns.DeleteBucket([]byte(workflowID)))
		}
		must(tx.Bucket(latestBucket).Delete([]byte(workflowID)))
		return nil
	})
}

// Close closes the underlying database file.
func (b *BoltStore[S]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func turnKey(turn int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(turn))
	return k
}

// panicSentinel wraps errors raised by must so recoverPanic can tell them
// apart from genuine panics.
type panicSentinel struct {
	cause error
}

func must(err error) {
	if err != nil {
		panic(panicSentinel{err})
	}
}

func recoverPanic(err *error) {
	switch v := recover().(type) {
	case panicSentinel:
		*err = v.cause
	case nil:
		return
	default:
		panic(v)
	}
}

// createBucket creates nested buckets with names given by the elements of
// path.
func createBucket(tx *bbolt.Tx, path ...[]byte) *bbolt.Bucket {
	b, err := tx.CreateBucketIfNotExists(path[0])
	must(err)

	for _, n := range path[1:] {
		b, err = b.CreateBucketIfNotExists(n)
		must(err)
	}
	return b
}

func put(b *bbolt.Bucket, k, v []byte) {
	must(b.Put(k, v))
}
