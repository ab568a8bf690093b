package activity

import (
	"fmt"
	"io"
	"time"

	"github.com/dogmatiq/dodeca/logging"

	"github.com/dshills/activityflow/activity/emit"
	"github.com/dshills/activityflow/activity/store"
)

// Options configures a Host.
//
// Most callers use the functional options below instead of filling in the
// struct; WithOptions applies a whole struct at once.
type Options struct {
	// MaxTurns limits the number of work items a single Run, ResumeBookmark,
	// Cancel or FireDueTimers call may process before it gives up with an
	// EngineError of code "MAX_TURNS_EXCEEDED". Zero means no limit.
	MaxTurns int

	// Outputs names the root-scope properties reported by Outputs once the
	// workflow completes.
	Outputs []string

	// ManualTimers disables the host's timer goroutine. Due timers then only
	// fire through FireDueTimers.
	ManualTimers bool

	// WorkflowID overrides the generated workflow instance ID.
	WorkflowID string
}

// Option is a functional option for configuring a Host.
//
// Example:
//
//	host, err := activity.NewHost(program,
//	    activity.WithMaxTurns(1000),
//	    activity.WithEmitter(emit.NewLogEmitter(os.Stderr, false)),
//	    activity.WithStore(store.NewMemStore[activity.Snapshot]()),
//	)
type Option func(*hostConfig) error

type hostConfig struct {
	opts       Options
	emitter    emit.Emitter
	metrics    *PrometheusMetrics
	store      store.Store[Snapshot]
	clock      func() time.Time
	logger     logging.Logger
	output     io.Writer
	extensions []any
}

// WithOptions replaces every field of Options at once.
func WithOptions(opts Options) Option {
	return func(cfg *hostConfig) error {
		cfg.opts = opts
		return nil
	}
}

// WithMaxTurns limits the number of work items processed per call.
//
// Loops such as While and StateMachine can run forever when their exit
// condition never holds; MaxTurns turns that into an error instead of a hang.
func WithMaxTurns(n int) Option {
	return func(cfg *hostConfig) error {
		if n < 0 {
			return &EngineError{Message: fmt.Sprintf("max turns must be >= 0, got %d", n), Code: "INVALID_OPTION"}
		}
		cfg.opts.MaxTurns = n
		return nil
	}
}

// WithEmitter sets the destination of execution events. Without it events
// are discarded.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *hostConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	host, err := activity.NewHost(program, activity.WithMetrics(activity.NewPrometheusMetrics(registry)))
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *hostConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithStore sets the store used by Persist and SaveCheckpoint.
func WithStore(st store.Store[Snapshot]) Option {
	return func(cfg *hostConfig) error {
		cfg.store = st
		return nil
	}
}

// WithClock replaces time.Now as the source of the current time for timers
// and Context.Now.
func WithClock(now func() time.Time) Option {
	return func(cfg *hostConfig) error {
		if now == nil {
			return &EngineError{Message: "clock cannot be nil", Code: "INVALID_OPTION"}
		}
		cfg.clock = now
		return nil
	}
}

// WithExtension registers an extension. At most one extension of each
// concrete type may be registered; explicitly registered extensions take
// precedence over the defaults activities ask for.
func WithExtension(x any) Option {
	return func(cfg *hostConfig) error {
		if x == nil {
			return &EngineError{Message: "extension cannot be nil", Code: "INVALID_OPTION"}
		}
		set := extensionSet{list: cfg.extensions}
		if err := set.add(x); err != nil {
			return err
		}
		cfg.extensions = set.list
		return nil
	}
}

// WithLogger sets the logger used for host diagnostics such as timer
// retries and persistence failures. The default is logging.DefaultLogger.
func WithLogger(l logging.Logger) Option {
	return func(cfg *hostConfig) error {
		cfg.logger = l
		return nil
	}
}

// WithOutput sets the writer WriteLine writes to. The default is os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(cfg *hostConfig) error {
		cfg.output = w
		return nil
	}
}

// WithOutputs names the root-scope properties returned by Outputs.
func WithOutputs(names ...string) Option {
	return func(cfg *hostConfig) error {
		cfg.opts.Outputs = append(cfg.opts.Outputs, names...)
		return nil
	}
}

// WithManualTimers disables the timer goroutine.
func WithManualTimers() Option {
	return func(cfg *hostConfig) error {
		cfg.opts.ManualTimers = true
		return nil
	}
}

// WithWorkflowID sets the workflow instance ID instead of generating one.
func WithWorkflowID(id string) Option {
	return func(cfg *hostConfig) error {
		if id == "" {
			return &EngineError{Message: "workflow ID cannot be empty", Code: "INVALID_OPTION"}
		}
		cfg.opts.WorkflowID = id
		return nil
	}
}
