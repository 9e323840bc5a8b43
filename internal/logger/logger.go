// Package logger wraps zerolog for application logging. Records are written
// as "[YYYY-MM-DD HH:MM:SS] [LEVEL] message" lines to standard error and to
// a rotated log file under the user's configuration directory.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps zerolog for application logging.
type Logger struct {
	zerolog.Logger
	rotator *lumberjack.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string
	Path       string // directory for log files; empty disables the file sink
	MaxSizeMB  int    // max size in MB before rotation (default: 10)
	MaxBackups int    // max number of old log files to keep (default: 5)
	MaxAgeDays int    // max age in days to keep old files (default: 30)
}

// DefaultDir returns the directory used for the log file and the config
// file: %APPDATA%\DownloadManager on Windows, $HOME/.config/DownloadManager
// elsewhere, falling back to the current working directory.
func DefaultDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "DownloadManager")
		}
	default:
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			return filepath.Join(home, ".config", "DownloadManager")
		}
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// New creates a new logger instance.
func New(cfg Config) *Logger {
	var rotator *lumberjack.Logger
	var out io.Writer = os.Stderr

	if cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0755); err == nil {
			maxSize := cfg.MaxSizeMB
			if maxSize <= 0 {
				maxSize = 10
			}
			maxBackups := cfg.MaxBackups
			if maxBackups <= 0 {
				maxBackups = 5
			}
			maxAge := cfg.MaxAgeDays
			if maxAge <= 0 {
				maxAge = 30
			}

			rotator = &lumberjack.Logger{
				Filename:   filepath.Join(cfg.Path, "downpour.log"),
				MaxSize:    maxSize,
				MaxBackups: maxBackups,
				MaxAge:     maxAge,
				LocalTime:  true,
			}
			out = io.MultiWriter(os.Stderr, rotator)
		}
	}

	l := newOn(out, cfg.Level)
	l.rotator = rotator
	return l
}

// NewWithWriter creates a logger writing to the given sink. Used by tests to
// capture output without touching stderr or the filesystem.
func NewWithWriter(w io.Writer, level string) *Logger {
	return newOn(w, level)
}

func newOn(out io.Writer, level string) *Logger {
	console := zerolog.ConsoleWriter{
		Out:     zerolog.SyncWriter(out),
		NoColor: true,
		FormatTimestamp: func(i interface{}) string {
			ts, err := time.Parse(time.RFC3339, fmt.Sprint(i))
			if err != nil {
				return fmt.Sprintf("[%v]", i)
			}
			return ts.Format("[2006-01-02 15:04:05]")
		},
		FormatLevel: func(i interface{}) string {
			return "[" + strings.ToUpper(fmt.Sprint(i)) + "]"
		},
	}

	l := zerolog.New(console).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()

	return &Logger{Logger: l}
}

// Close closes the log file if one is open.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// parseLevel converts string level to zerolog.Level
func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

var (
	defaultOnce sync.Once
	defaultLog  *Logger
)

// Default returns the process-wide logger, initialized on first use with the
// default level and log directory.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLog = New(Config{Level: "info", Path: DefaultDir()})
	})
	return defaultLog
}
