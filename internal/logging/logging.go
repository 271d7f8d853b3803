// Package logging configures the global zerolog logger for a run.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls logger setup
type Config struct {
	Level string // Console level, info when empty or invalid
	Env   string // development gives coloured console output, anything else JSON
	Dir   string // Directory for the daily log file, empty disables it
	RunID string
	Out   io.Writer // Console destination, stdout when nil
	Now   func() time.Time
}

// Setup replaces the global logger. The console receives records at the
// configured level; the daily file receives everything from debug up.
// The returned closer flushes and closes the log file.
func Setup(cfg Config) (io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	var console io.Writer
	if cfg.Env == "development" {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	} else {
		console = out
	}

	writers := []io.Writer{levelFilter{w: console, min: level}}

	var closer io.Closer = nopCloser{}
	if cfg.Dir != "" {
		file, err := openDailyFile(cfg.Dir, now())
		if err != nil {
			return nil, err
		}
		writers = append(writers, levelFilter{w: file, min: zerolog.DebugLevel})
		closer = file
	}

	// The global level is the lowest sink level so the file still gets debug
	globalLevel := level
	if cfg.Dir != "" && zerolog.DebugLevel < globalLevel {
		globalLevel = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(globalLevel)

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("service", "index-bee")
	if cfg.RunID != "" {
		ctx = ctx.Str("run_id", cfg.RunID)
	}
	log.Logger = ctx.Logger()

	return closer, nil
}

// FilePath returns the log file used for the day of t
func FilePath(dir string, t time.Time) string {
	return filepath.Join(dir, t.Format("2006-01-02")+".log")
}

func openDailyFile(dir string, t time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}
	path := FilePath(dir, t)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, nil
}

// levelFilter drops records below min for one sink
type levelFilter struct {
	w   io.Writer
	min zerolog.Level
}

func (f levelFilter) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.min {
		return len(p), nil
	}
	return f.w.Write(p)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
