package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default daemon log rotation settings.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Output formats understood by New.
const (
	FormatColor = "color"
	FormatText  = "text"
	FormatJSON  = "json"
)

// Config describes where the daemon's own diagnostics go. Process output is
// handled by logsink, not here.
type Config struct {
	Level      string `mapstructure:"level" toml:"level"`
	Format     string `mapstructure:"format" toml:"format"`
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" toml:"compress"`
}

// ParseLevel maps a level name to slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Writer returns the destination for daemon logs. With File set the output
// is a lumberjack-rotated file; otherwise stderr. The returned closer is a
// no-op for stderr.
func (c Config) Writer() (io.Writer, io.Closer, error) {
	if c.File == "" {
		return os.Stderr, io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(filepath.Dir(c.File), 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	w := &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
	return w, w, nil
}

// New builds a slog.Logger from cfg. Color output is only used when writing
// to a terminal; files and pipes get plain text.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	w, closer, err := cfg.Writer()
	if err != nil {
		return nil, nil, err
	}
	return slog.New(NewHandler(w, cfg.Format, isTerminal(w), level)), closer, nil
}

// NewHandler picks a handler for format. Unknown formats fall back to text.
func NewHandler(w io.Writer, format string, colorOK bool, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case FormatJSON:
		return slog.NewJSONHandler(w, opts)
	case FormatColor, "":
		if colorOK {
			return NewColorTextHandler(w, opts, true)
		}
	}
	return slog.NewTextHandler(w, opts)
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
