// Package securelog builds the process logger and logs errors without
// user-provided data: message content, tokens and blob bytes never reach a
// log line through this package.
package securelog

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns the root logger. pretty switches to a human console format.
func New(w io.Writer, level string, pretty bool) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// Error logs err at error level with the caller location and error type
// chain. The error text itself is not logged.
func Error(log zerolog.Logger, context string, err error) {
	if err == nil {
		return
	}
	ev := log.Error().
		Str("at", callerLocation(2)).
		Str("types", strings.Join(errorTypes(err), "->"))
	if context != "" {
		ev = ev.Str("context", context)
	}
	ev.Msg("error")
}

// Warn is Error at warn level, for failures that are recovered locally.
func Warn(log zerolog.Logger, context string, err error) {
	if err == nil {
		return
	}
	ev := log.Warn().
		Str("at", callerLocation(2)).
		Str("types", strings.Join(errorTypes(err), "->"))
	if context != "" {
		ev = ev.Str("context", context)
	}
	ev.Msg("recovered error")
}

func callerLocation(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s:%d %s", file, line, name)
}

func errorTypes(err error) []string {
	types := []string{}
	seen := map[string]struct{}{}
	for err != nil {
		name := fmt.Sprintf("%T", err)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			types = append(types, name)
		}
		err = errors.Unwrap(err)
	}
	return types
}
