package logging

import (
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// CommandLogger writes dispatcher events to zerolog. Errors and durations
// keep their zerolog types, so a failure lands in the standard error field
// and a duration is rendered in milliseconds. Debug events of audited
// commands, the ones that change the ledger, are raised to info so a
// production log still shows every write.
type CommandLogger struct {
	logger  zerolog.Logger
	audited []string
}

// NewCommandLogger creates a CommandLogger. audited lists the dispatcher
// commands whose debug events are written at info level.
func NewCommandLogger(logger zerolog.Logger, audited ...string) *CommandLogger {
	return &CommandLogger{logger: logger, audited: audited}
}

func (l *CommandLogger) Debug(msg string, keysAndValues ...any) {
	if l.isAudited(keysAndValues) {
		l.write(l.logger.Info(), msg, keysAndValues)
		return
	}
	l.write(l.logger.Debug(), msg, keysAndValues)
}

func (l *CommandLogger) Info(msg string, keysAndValues ...any) {
	l.write(l.logger.Info(), msg, keysAndValues)
}

func (l *CommandLogger) Error(msg string, keysAndValues ...any) {
	l.write(l.logger.Error(), msg, keysAndValues)
}

func (l *CommandLogger) isAudited(keysAndValues []any) bool {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if keysAndValues[i] == "command" {
			cmd, _ := keysAndValues[i+1].(string)
			return slices.Contains(l.audited, cmd)
		}
	}
	return false
}

// write adds key-value pairs to e. Non-string keys and a trailing key
// without a value are dropped.
func (l *CommandLogger) write(e *zerolog.Event, msg string, keysAndValues []any) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		switch v := keysAndValues[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case time.Duration:
			e = e.Dur(key, v)
		case string:
			e = e.Str(key, v)
		case int:
			e = e.Int(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	e.Msg(msg)
}
