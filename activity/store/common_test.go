package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dshills/activityflow/activity/store"
	"github.com/google/go-cmp/cmp"
)

type testSnapshot struct {
	Counter int    `json:"counter"`
	Message string `json:"message"`
}

// storeFactories returns a constructor for every backend available in the
// current environment. MySQL is included only when MYSQL_TEST_DSN is set.
func storeFactories(t *testing.T) map[string]func(t *testing.T) store.Store[testSnapshot] {
	t.Helper()

	factories := map[string]func(t *testing.T) store.Store[testSnapshot]{
		"MemStore": func(t *testing.T) store.Store[testSnapshot] {
			return store.NewMemStore[testSnapshot]()
		},
		"SQLiteStore": func(t *testing.T) store.Store[testSnapshot] {
			s, err := store.NewSQLiteStore[testSnapshot](filepath.Join(t.TempDir(), "test.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			return s
		},
		"BoltStore": func(t *testing.T) store.Store[testSnapshot] {
			s, err := store.NewBoltStore[testSnapshot](context.Background(), filepath.Join(t.TempDir(), "test.bolt"), 0)
			if err != nil {
				t.Fatalf("NewBoltStore: %v", err)
			}
			return s
		},
	}

	if dsn := os.Getenv("MYSQL_TEST_DSN"); dsn != "" {
		factories["MySQLStore"] = func(t *testing.T) store.Store[testSnapshot] {
			s, err := store.NewMySQLStore[testSnapshot](dsn)
			if err != nil {
				t.Fatalf("NewMySQLStore: %v", err)
			}
			return s
		}
	}

	return factories
}

func TestStores_SaveAndLoadLatest(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			defer s.Close()

			wf := "wf-" + name + "-latest"
			t.Cleanup(func() { _ = s.Delete(ctx, wf) })

			if _, _, err := s.LoadLatest(ctx, wf); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("expected ErrNotFound before any save, got %v", err)
			}

			for turn, msg := range []string{"one", "two", "three"} {
				if err := s.SaveTurn(ctx, wf, turn+1, "Idle", testSnapshot{Counter: turn + 1, Message: msg}); err != nil {
					t.Fatalf("SaveTurn(%d): %v", turn+1, err)
				}
			}

			got, turn, err := s.LoadLatest(ctx, wf)
			if err != nil {
				t.Fatalf("LoadLatest: %v", err)
			}
			if turn != 3 {
				t.Errorf("turn = %d, want 3", turn)
			}
			if diff := cmp.Diff(testSnapshot{Counter: 3, Message: "three"}, got); diff != "" {
				t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStores_SaveTurnReplacesSameTurn(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			defer s.Close()

			wf := "wf-" + name + "-replace"
			t.Cleanup(func() { _ = s.Delete(ctx, wf) })

			if err := s.SaveTurn(ctx, wf, 4, "Idle", testSnapshot{Message: "first"}); err != nil {
				t.Fatal(err)
			}
			if err := s.SaveTurn(ctx, wf, 4, "Completed", testSnapshot{Message: "second"}); err != nil {
				t.Fatal(err)
			}

			got, _, err := s.LoadLatest(ctx, wf)
			if err != nil {
				t.Fatal(err)
			}
			if got.Message != "second" {
				t.Errorf("message = %q, want %q", got.Message, "second")
			}

			ids, err := s.ListByStatus(ctx, "Completed")
			if err != nil {
				t.Fatal(err)
			}
			if !contains(ids, wf) {
				t.Errorf("expected %q in Completed list, got %v", wf, ids)
			}
		})
	}
}

func TestStores_Checkpoints(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			defer s.Close()

			cp := "cp-" + name

			if _, _, err := s.LoadCheckpoint(ctx, cp+"-missing"); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			if err := s.SaveCheckpoint(ctx, cp, testSnapshot{Counter: 7}, 12); err != nil {
				t.Fatal(err)
			}
			if err := s.SaveCheckpoint(ctx, cp, testSnapshot{Counter: 8}, 13); err != nil {
				t.Fatal(err)
			}

			got, turn, err := s.LoadCheckpoint(ctx, cp)
			if err != nil {
				t.Fatal(err)
			}
			if turn != 13 || got.Counter != 8 {
				t.Errorf("checkpoint = (%+v, %d), want ({Counter:8}, 13)", got, turn)
			}
		})
	}
}

func TestStores_ListByStatusUsesLatestTurn(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			defer s.Close()

			a, b, c := "wf-"+name+"-a", "wf-"+name+"-b", "wf-"+name+"-c"
			t.Cleanup(func() {
				_ = s.Delete(ctx, a)
				_ = s.Delete(ctx, b)
				_ = s.Delete(ctx, c)
			})

			mustSave(t, s, a, 1, "Idle")
			mustSave(t, s, b, 1, "Idle")
			mustSave(t, s, b, 2, "Completed")
			mustSave(t, s, c, 5, "Idle")

			idle, err := s.ListByStatus(ctx, "Idle")
			if err != nil {
				t.Fatal(err)
			}
			if !contains(idle, a) || !contains(idle, c) || contains(idle, b) {
				t.Errorf("unexpected Idle list %v", idle)
			}

			if err := s.Delete(ctx, a); err != nil {
				t.Fatal(err)
			}
			idle, err = s.ListByStatus(ctx, "Idle")
			if err != nil {
				t.Fatal(err)
			}
			if contains(idle, a) {
				t.Errorf("deleted workflow %q still listed", a)
			}
			if _, _, err := s.LoadLatest(ctx, a); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestStores_Closed(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("second Close: %v", err)
			}
			if err := s.SaveTurn(ctx, "wf", 1, "Idle", testSnapshot{}); !errors.Is(err, store.ErrClosed) {
				t.Errorf("SaveTurn after close: got %v, want ErrClosed", err)
			}
			if _, _, err := s.LoadLatest(ctx, "wf"); !errors.Is(err, store.ErrClosed) {
				t.Errorf("LoadLatest after close: got %v, want ErrClosed", err)
			}
		})
	}
}

func mustSave(t *testing.T, s store.Store[testSnapshot], wf string, turn int, status string) {
	t.Helper()
	if err := s.SaveTurn(context.Background(), wf, turn, status, testSnapshot{Counter: turn}); err != nil {
		t.Fatalf("SaveTurn(%s, %d): %v", wf, turn, err)
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
