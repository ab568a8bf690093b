package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/dshills/activityflow/activity"
	"github.com/dshills/activityflow/activity/store"
)

func TestParse(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Parse([]byte(""))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if diff := cmp.Diff(Default(), cfg); diff != "" {
			t.Errorf("config mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("full document", func(t *testing.T) {
		doc := `
max_turns: 500
outputs: [total, status]
store:
  driver: SQLite
  path: /tmp/wf.db
emitter:
  kind: log
  json: true
metrics:
  enabled: true
timers:
  manual: true
`
		cfg, err := Parse([]byte(doc))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		want := &Config{
			MaxTurns: 500,
			Outputs:  []string{"total", "status"},
			Store:    StoreConfig{Driver: DriverSQLite, Path: "/tmp/wf.db"},
			Emitter:  EmitterConfig{Kind: EmitterLog, JSON: true},
			Metrics:  MetricsConfig{Enabled: true},
			Timers:   TimersConfig{Manual: true},
		}
		if diff := cmp.Diff(want, cfg); diff != "" {
			t.Errorf("config mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		if _, err := Parse([]byte("store: [")); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		MaxTurns: -1,
		Outputs:  []string{"a", "a", ""},
		Store:    StoreConfig{Driver: DriverMySQL},
		Emitter:  EmitterConfig{Kind: "carrier-pigeon"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}

	errs := multierr.Errors(err)
	if len(errs) != 5 {
		t.Fatalf("expected 5 errors, got %d: %v", len(errs), err)
	}
	for _, want := range []string{"max_turns", "store.dsn", "carrier-pigeon", "duplicate name", "empty name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host.yaml")
	if err := os.WriteFile(path, []byte("store:\n  driver: bolt\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "store.path") {
		t.Fatalf("expected missing path error, got %v", err)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		st, err := OpenStore(ctx, StoreConfig{Driver: DriverMemory})
		if err != nil {
			t.Fatalf("OpenStore: %v", err)
		}
		defer func() { _ = st.Close() }()
		if _, ok := st.(*store.MemStore[activity.Snapshot]); !ok {
			t.Errorf("expected MemStore, got %T", st)
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "wf.db")
		st, err := OpenStore(ctx, StoreConfig{Driver: DriverSQLite, Path: path})
		if err != nil {
			t.Fatalf("OpenStore: %v", err)
		}
		defer func() { _ = st.Close() }()
		if _, ok := st.(*store.SQLiteStore[activity.Snapshot]); !ok {
			t.Errorf("expected SQLiteStore, got %T", st)
		}
	})

	t.Run("bolt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "wf.bolt")
		st, err := OpenStore(ctx, StoreConfig{Driver: DriverBolt, Path: path})
		if err != nil {
			t.Fatalf("OpenStore: %v", err)
		}
		defer func() { _ = st.Close() }()
		if _, ok := st.(*store.BoltStore[activity.Snapshot]); !ok {
			t.Errorf("expected BoltStore, got %T", st)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := OpenStore(ctx, StoreConfig{Driver: "tape"}); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestNewEmitter(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{EmitterNull, "*emit.NullEmitter"},
		{EmitterLog, "*emit.LogEmitter"},
		{EmitterBuffered, "*emit.BufferedEmitter"},
		{EmitterOTel, "*emit.OTelEmitter"},
		{EmitterLogger, "*emit.LoggerEmitter"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			em, err := NewEmitter(EmitterConfig{Kind: tt.kind}, &bytes.Buffer{}, nil)
			if err != nil {
				t.Fatalf("NewEmitter: %v", err)
			}
			if got := fmt.Sprintf("%T", em); got != tt.want {
				t.Errorf("emitter type = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBuild(t *testing.T) {
	cfg, err := Parse([]byte("max_turns: 100\noutputs: [x]\nmetrics:\n  enabled: true\ntimers:\n  manual: true\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	reg := prometheus.NewRegistry()
	rt, err := cfg.Build(context.Background(), reg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer func() { _ = rt.Close() }()

	if rt.Metrics == nil {
		t.Fatal("expected metrics")
	}

	program, err := activity.Compile(&activity.Sequence{
		Activities: []activity.Activity{
			&activity.Assign{To: "x", Value: activity.Literal[any](7)},
		},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	host, err := activity.NewHost(program, rt.Options(cfg)...)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer func() { _ = host.Close() }()

	if err := host.Run(context.Background(), map[string]any{"x": 0}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if host.Status() != activity.StatusCompleted {
		t.Fatalf("status = %s, want Completed", host.Status())
	}
	if diff := cmp.Diff(map[string]any{"x": 7}, host.Outputs()); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
	if err := host.Persist(context.Background()); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}
