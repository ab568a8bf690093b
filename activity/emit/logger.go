package emit

import (
	"encoding/json"

	"github.com/dogmatiq/dodeca/logging"
)

// LoggerEmitter implements Emitter by forwarding events to a dodeca logger.
//
// Events whose Msg is listed in debug are written with logging.Debug, so they
// only appear when the logger has debug output enabled. All other events are
// written with logging.Log.
type LoggerEmitter struct {
	logger logging.Logger
	debug  map[string]bool
}

// NewLoggerEmitter returns an emitter that writes to logger. A nil logger
// uses logging.DefaultLogger.
func NewLoggerEmitter(logger logging.Logger, debugMsgs ...string) *LoggerEmitter {
	if logger == nil {
		logger = logging.DefaultLogger
	}
	debug := make(map[string]bool, len(debugMsgs))
	for _, m := range debugMsgs {
		debug[m] = true
	}
	return &LoggerEmitter{logger: logger, debug: debug}
}

// Emit writes a single log line for event.
func (l *LoggerEmitter) Emit(event Event) {
	meta := ""
	if len(event.Meta) > 0 {
		if data, err := json.Marshal(event.Meta); err == nil {
			meta = " " + string(data)
		}
	}

	if l.debug[event.Msg] {
		logging.Debug(
			l.logger,
			"%s: workflow %s turn %d activity %q%s",
			event.Msg, event.WorkflowID, event.Turn, event.ActivityID, meta,
		)
		return
	}

	logging.Log(
		l.logger,
		"%s: workflow %s turn %d activity %q%s",
		event.Msg, event.WorkflowID, event.Turn, event.ActivityID, meta,
	)
}
