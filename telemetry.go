package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger builds the process logger: tinted slog output with UTC
// millisecond timestamps.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z"))
			}
			return a
		},
	}))
}

// beginStage emits a start event and returns a closer that emits the
// matching complete or fail event with the elapsed duration.
func beginStage(log *slog.Logger, component, stage string, attrs ...any) func(error) {
	started := time.Now()
	base := append([]any{slog.String("component", component), slog.String("stage", stage)}, attrs...)
	log.Debug("stage start", base...)
	return func(err error) {
		withDur := append(base, slog.Duration("duration", time.Since(started)))
		if err != nil {
			log.Error("stage failed", append(withDur, slog.Any("error", err))...)
			return
		}
		log.Info("stage complete", withDur...)
	}
}
